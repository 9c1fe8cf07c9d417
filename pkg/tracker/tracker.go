// Package tracker implements the Process Tracker (spec §4.1): it ensures
// no external OS process outlives the in-process actor that spawned it,
// and provides O(1) lookup by OS PID and by listening port without
// shelling out to netstat/lsof. Grounded on the teacher's periodic
// reconciliation loop for the health-check ticker and on the provisr
// process supervisor (other_examples) for the owner-death monitor-token
// pattern, adapted from a per-process supervisor to a shared registry
// actor since Leaxer tracks many short-lived native processes rather
// than one long-lived supervised daemon.
package tracker

import (
	"sync"
	"time"

	"github.com/leaxer-ai/leaxer/pkg/log"
	"github.com/leaxer-ai/leaxer/pkg/metrics"
	"github.com/leaxer-ai/leaxer/pkg/types"
)

// orphanImagePrefixes lists the process image-name prefixes swept and
// killed at startup, presumed leftovers from a previous crash.
var orphanImagePrefixes = []string{"sd-", "llama-", "sd-server-"}

// Tracker is the dual-indexed process registry.
type Tracker struct {
	mu       sync.Mutex
	byPID    map[int]*entry
	byPort   map[int]int // port -> os pid
	stopCh   chan struct{}
	interval time.Duration
	once     sync.Once
}

type entry struct {
	proc types.TrackedProcess
}

// New creates a Tracker whose health_check runs every interval.
func New(interval time.Duration) *Tracker {
	return &Tracker{
		byPID:    make(map[int]*entry),
		byPort:   make(map[int]int),
		stopCh:   make(chan struct{}),
		interval: interval,
	}
}

// Start performs the startup orphan sweep and begins the periodic
// health-check loop.
func (t *Tracker) Start() {
	t.sweepOrphans()
	go t.run()
}

// Stop halts the health-check loop. Tracked processes are left as-is;
// callers own their own shutdown sequencing.
func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.stopCh) })
}

// Register records osPID as owned by the calling actor and begins
// monitoring ownerDone for owner-death reaping. Calling twice for the
// same PID overwrites the prior entry, per spec.
func (t *Tracker) Register(osPID int, label string, port int, ownerDone <-chan struct{}) {
	logger := log.WithComponent("tracker")

	t.mu.Lock()
	if old, ok := t.byPID[osPID]; ok {
		logger.Warn().Int("os_pid", osPID).Msg("re-registering already tracked pid")
		delete(t.byPort, old.proc.Port)
	}
	e := &entry{
		proc: types.TrackedProcess{
			OSPID:        osPID,
			Label:        label,
			Port:         port,
			RegisteredAt: time.Now(),
		},
	}
	t.byPID[osPID] = e
	if port != 0 {
		t.byPort[port] = osPID
	}
	count := len(t.byPID)
	t.mu.Unlock()

	metrics.TrackedProcesses.Set(float64(count))
	logger.Info().Int("os_pid", osPID).Str("label", label).Int("port", port).Msg("process registered")

	go t.watchOwner(osPID, ownerDone)
}

// Unregister idempotently clears both indices for osPID.
func (t *Tracker) Unregister(osPID int) {
	t.mu.Lock()
	e, ok := t.byPID[osPID]
	if ok {
		delete(t.byPID, osPID)
		if e.proc.Port != 0 && t.byPort[e.proc.Port] == osPID {
			delete(t.byPort, e.proc.Port)
		}
	}
	count := len(t.byPID)
	t.mu.Unlock()

	if ok {
		metrics.TrackedProcesses.Set(float64(count))
	}
}

// FindByPort returns the owning PID for port, if tracked.
func (t *Tracker) FindByPort(port int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid, ok := t.byPort[port]
	return pid, ok
}

// KillByPort kills whatever process owns port and sleeps 500ms to let
// the OS release it.
func (t *Tracker) KillByPort(port int) (int, bool) {
	pid, ok := t.FindByPort(port)
	if !ok {
		return 0, false
	}
	killProcess(pid)
	time.Sleep(500 * time.Millisecond)
	return pid, true
}

// Kill sends the platform kill signal to osPID and unregisters it. Used
// by callers that hold the PID directly (e.g. pkg/oneshot) rather than a
// port, since one-shot processes are not port-addressed.
func (t *Tracker) Kill(osPID int) {
	killProcess(osPID)
	t.Unregister(osPID)
}

// Lookup returns the TrackedProcess info for osPID.
func (t *Tracker) Lookup(osPID int) (types.TrackedProcess, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byPID[osPID]
	if !ok {
		return types.TrackedProcess{}, false
	}
	return e.proc, true
}

func (t *Tracker) run() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.healthCheck()
		case <-t.stopCh:
			return
		}
	}
}

// healthCheck verifies every tracked PID is alive and drops dead entries.
func (t *Tracker) healthCheck() {
	t.mu.Lock()
	pids := make([]int, 0, len(t.byPID))
	for pid := range t.byPID {
		pids = append(pids, pid)
	}
	t.mu.Unlock()

	for _, pid := range pids {
		if processAlive(pid) {
			continue
		}
		t.Unregister(pid)
		metrics.ProcessReapsTotal.WithLabelValues("health_check").Inc()
		log.WithComponent("tracker").Warn().Int("os_pid", pid).Msg("reaped dead process on health check")
	}
}

func (t *Tracker) watchOwner(osPID int, ownerDone <-chan struct{}) {
	if ownerDone == nil {
		return
	}
	select {
	case <-ownerDone:
	case <-t.stopCh:
		return
	}

	t.mu.Lock()
	_, ok := t.byPID[osPID]
	t.mu.Unlock()
	if !ok {
		return
	}

	killProcess(osPID)
	t.Unregister(osPID)
	metrics.ProcessReapsTotal.WithLabelValues("owner_death").Inc()
	log.WithComponent("tracker").Warn().Int("os_pid", osPID).Msg("reaped process on owner death")
}

func (t *Tracker) sweepOrphans() {
	logger := log.WithComponent("tracker")
	pids := findProcessesByImagePrefixes(orphanImagePrefixes)
	for _, pid := range pids {
		killProcess(pid)
		logger.Warn().Int("os_pid", pid).Msg("killed orphaned process from previous run")
	}
}
