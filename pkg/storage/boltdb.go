package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketState = []byte("state")
	keyState    = []byte("state")
)

// BoltStore implements Store using BoltDB, grounded on the teacher's
// pkg/storage/boltdb.go bucket-per-entity convention collapsed to the
// one bucket and one key spec §6 calls for.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) <dataDir>/leaxer.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "leaxer.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveState overwrites the single persisted state row.
func (s *BoltStore) SaveState(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyState, data)
	})
}

// LoadState returns the persisted state row, or nil if none exists.
func (s *BoltStore) LoadState() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketState).Get(keyState)
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
