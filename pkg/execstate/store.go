// Package execstate implements the Execution State Store (spec §4.7): a
// single-slot, many-reader snapshot of the currently executing job's
// progress, designed to survive subscriber reconnects. Reads are
// lock-free via atomic.Pointer; writes are serialized through the Graph
// Runtime that owns the slot. SetCurrentNode and SetStepProgress are
// no-ops while no execution is in progress. The zero Store is ready to
// use; methods are not nil-safe, so a nil *Store panics.
package execstate

import (
	"sync/atomic"
	"time"

	"github.com/leaxer-ai/leaxer/pkg/types"
)

// Store is the single-slot snapshot holder.
type Store struct {
	slot atomic.Pointer[types.ExecutionSnapshot]
}

// New returns an empty Store (no job executing).
func New() *Store {
	return &Store{}
}

// StartExecution begins a new execution snapshot over nodeIDs.
func (s *Store) StartExecution(nodeIDs []string) {
	s.slot.Store(&types.ExecutionSnapshot{
		IsExecuting: true,
		NodeIDs:     append([]string(nil), nodeIDs...),
		TotalNodes:  len(nodeIDs),
		StartedAt:   time.Now(),
	})
}

// SetCurrentNode advances the snapshot to node at index (of total),
// resetting step_progress as spec §4.7 requires.
func (s *Store) SetCurrentNode(nodeID string, index, total int) {
	cur := s.slot.Load()
	if cur == nil {
		return
	}
	next := *cur
	next.CurrentNode = nodeID
	next.CurrentIndex = index
	next.TotalNodes = total
	next.StepProgress = nil
	s.slot.Store(&next)
}

// SetStepProgress updates the step_progress of the current node.
func (s *Store) SetStepProgress(nodeID string, current, total int, percentage float64) {
	cur := s.slot.Load()
	if cur == nil || cur.CurrentNode != nodeID {
		return
	}
	next := *cur
	next.StepProgress = &types.StepProgress{Current: current, Total: total, Percentage: percentage}
	s.slot.Store(&next)
}

// CompleteExecution deletes the slot.
func (s *Store) CompleteExecution() {
	s.slot.Store(nil)
}

// GetState returns the current snapshot, or nil if no job is executing.
func (s *Store) GetState() *types.ExecutionSnapshot {
	return s.slot.Load()
}

// Available reports whether a job is currently executing.
func (s *Store) Available() bool {
	return s.slot.Load() != nil
}
