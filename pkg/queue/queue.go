// Package queue implements the Job Queue (spec §4.5): the top-level
// scheduler that accepts workflow snapshots, re-orders pending work to
// maximize model re-use, runs exactly one job at a time on a Graph
// Runtime, persists its job list, and fans state out to the Event Bus.
// Grounded on the teacher's pkg/manager (the single owning actor holding
// a storage.Store and an events.Broker) generalized from a mutex-guarded
// struct to a single-goroutine actor with a command inbox, since spec §5
// requires "Queue operations are linearizable w.r.t. themselves (single
// writer)" — a channel-owned-by-one-goroutine actor gives that for free
// without a mutex.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leaxer-ai/leaxer/pkg/events"
	"github.com/leaxer-ai/leaxer/pkg/execstate"
	"github.com/leaxer-ai/leaxer/pkg/graph"
	"github.com/leaxer-ai/leaxer/pkg/leaxerr"
	"github.com/leaxer-ai/leaxer/pkg/log"
	"github.com/leaxer-ai/leaxer/pkg/metrics"
	"github.com/leaxer-ai/leaxer/pkg/storage"
	"github.com/leaxer-ai/leaxer/pkg/types"
)

// processNextDelay is how long the Queue waits after a job ends before
// starting the next one (spec §4.5 step 5, §5 "Timeouts").
const processNextDelay = 100 * time.Millisecond

// crashRecoveryMessage is the fixed error text a job is rewritten to on
// restart if it was left "running" by a crash (spec §4.5, §8 scenario 4).
const crashRecoveryMessage = "Process terminated (server restart)"

// Aborter is anything the Queue tells to stop working when a running job
// is cancelled. *modelserver.Manager satisfies this.
type Aborter interface {
	Abort()
}

// QueueStateView is the client-facing snapshot returned by GetState.
type QueueStateView struct {
	Running      *types.Job
	Pending      []*types.Job
	Finished     []*types.Job
	PendingCount int
	TotalCount   int
}

// Config wires a Queue to its collaborators.
type Config struct {
	Store     storage.Store
	Bus       *events.Broker
	ExecState *execstate.Store
	Runtime   *graph.Runtime
	Servers   []Aborter

	// DisableBatching turns off the cached_model_path re-order, leaving
	// pending jobs strictly FIFO. Batching is on by default.
	DisableBatching bool
}

// Queue is the Job Queue actor.
type Queue struct {
	cfg    Config
	inbox  chan func()
	stopCh chan struct{}

	jobs            []*types.Job
	jobByID         map[string]*types.Job
	batchingEnabled bool
	enqueueSeq      int

	current       *types.Job
	currentCancel context.CancelFunc

	socket chan<- types.TopicEvent
}

// New creates a Queue and restores any persisted state, rewriting jobs
// left "running" by a crash to "error" (spec §4.5 Failure recovery).
func New(cfg Config) (*Queue, error) {
	q := &Queue{
		cfg:             cfg,
		inbox:           make(chan func(), 32),
		stopCh:          make(chan struct{}),
		jobByID:         make(map[string]*types.Job),
		batchingEnabled: !cfg.DisableBatching,
	}

	if err := q.restore(); err != nil {
		return nil, err
	}

	return q, nil
}

// Start begins the actor's serial command loop and, if restore left
// pending work with nothing running, kicks off processing.
func (q *Queue) Start() {
	go q.run()
	q.do(func() { q.processNext() })
}

// Stop halts the actor loop. In-flight jobs are left as-is; callers own
// their own shutdown sequencing.
func (q *Queue) Stop() {
	close(q.stopCh)
}

func (q *Queue) run() {
	for {
		select {
		case fn := <-q.inbox:
			fn()
		case <-q.stopCh:
			return
		}
	}
}

// do runs fn on the actor goroutine and blocks until it completes,
// giving callers from any goroutine a linearizable view of Queue state.
func (q *Queue) do(fn func()) {
	done := make(chan struct{})
	q.inbox <- func() {
		fn()
		close(done)
	}
	<-done
}

// Enqueue validates and creates a Job per snapshot, re-orders pending
// work, persists, publishes queue.updates, and starts the next job if
// the Queue is idle. Returns the new job ids in the same order as
// snapshots. No job is created for any snapshot if validation fails.
func (q *Queue) Enqueue(snapshots []types.WorkflowSnapshot) ([]string, error) {
	for i, snap := range snapshots {
		if err := q.cfg.Runtime.ValidateAgainstRegistry(snap); err != nil {
			return nil, leaxerr.Wrap(leaxerr.ValidationError, fmt.Sprintf("snapshot %d is invalid", i), err)
		}
	}

	var ids []string
	var err error
	q.do(func() {
		ids, err = q.enqueueLocked(snapshots)
	})
	return ids, err
}

func (q *Queue) enqueueLocked(snapshots []types.WorkflowSnapshot) ([]string, error) {
	logger := log.WithComponent("queue")

	ids := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		job := &types.Job{
			ID:              newJobID(),
			Snapshot:        snap,
			Status:          types.JobPending,
			CreatedAt:       time.Now(),
			CachedModelPath: computeCachedModelPath(snap),
			EnqueueSeq:      q.enqueueSeq,
		}
		q.enqueueSeq++
		q.jobs = append(q.jobs, job)
		q.jobByID[job.ID] = job
		ids = append(ids, job.ID)
	}

	logger.Info().Int("count", len(ids)).Msg("jobs enqueued")

	q.reorderPending()
	q.persistLogged()
	q.publishUpdates()
	q.processNext()

	return ids, nil
}

// Cancel cancels a pending or running job. Per spec §4.5: pending jobs
// are dropped outright; running jobs have their Graph Runtime and both
// model servers told to abort, their status set to cancelled, and their
// ExecutionState cleared, with the next job scheduled after 100ms.
func (q *Queue) Cancel(jobID string) error {
	var err error
	q.do(func() {
		err = q.cancelLocked(jobID)
	})
	return err
}

func (q *Queue) cancelLocked(jobID string) error {
	job, ok := q.jobByID[jobID]
	if !ok {
		return leaxerr.New(leaxerr.ValidationError, "unknown job id")
	}

	switch job.Status {
	case types.JobPending:
		q.finishJob(job, types.JobCancelled, "")
		q.reorderPending()
		q.persistLogged()
		q.publishUpdates()
		return nil

	case types.JobRunning:
		for _, s := range q.cfg.Servers {
			s.Abort()
		}
		if q.currentCancel != nil {
			q.currentCancel()
		}
		q.cfg.ExecState.CompleteExecution()
		q.finishJob(job, types.JobCancelled, "")
		q.current = nil
		q.currentCancel = nil
		q.reorderPending()
		q.persistLogged()
		q.publishUpdates()
		q.scheduleProcessNext()
		return nil

	default:
		return leaxerr.New(leaxerr.ValidationError, "invalid_state")
	}
}

// GetState returns the client view: the running job (if any), the first
// 10 pending, the last 20 finished, plus counts.
func (q *Queue) GetState() QueueStateView {
	var view QueueStateView
	q.do(func() {
		view = q.stateLocked()
	})
	return view
}

func (q *Queue) stateLocked() QueueStateView {
	var pending, finished []*types.Job
	for _, j := range q.jobs {
		switch j.Status {
		case types.JobPending:
			pending = append(pending, j)
		case types.JobCompleted, types.JobError, types.JobCancelled:
			finished = append(finished, j)
		}
	}

	if len(pending) > 10 {
		pending = pending[:10]
	}
	if len(finished) > 20 {
		finished = finished[len(finished)-20:]
	}

	return QueueStateView{
		Running:      q.current,
		Pending:      pending,
		Finished:     finished,
		PendingCount: countStatus(q.jobs, types.JobPending),
		TotalCount:   len(q.jobs),
	}
}

// ClearPending drops every pending job.
func (q *Queue) ClearPending() {
	q.do(func() {
		var kept []*types.Job
		for _, j := range q.jobs {
			if j.Status == types.JobPending {
				delete(q.jobByID, j.ID)
				continue
			}
			kept = append(kept, j)
		}
		q.jobs = kept
		q.persistLogged()
		q.publishUpdates()
	})
}

// SetSocket registers a direct-reply channel for completion notifications
// in addition to the Event Bus's publish/subscribe fan-out.
func (q *Queue) SetSocket(ch chan<- types.TopicEvent) {
	q.do(func() {
		q.socket = ch
	})
}

// processNext starts the first pending job if the Queue is idle.
func (q *Queue) processNext() {
	if q.current != nil {
		return
	}

	var next *types.Job
	for _, j := range q.jobs {
		if j.Status == types.JobPending {
			next = j
			break
		}
	}
	if next == nil {
		return
	}

	q.startJob(next)
}

func (q *Queue) scheduleProcessNext() {
	time.AfterFunc(processNextDelay, func() {
		q.do(func() { q.processNext() })
	})
}

func (q *Queue) startJob(job *types.Job) {
	logger := log.WithJobID(job.ID).With().Str("component", "queue").Logger()

	now := time.Now()
	job.Status = types.JobRunning
	job.StartedAt = &now
	q.current = job

	runCtx, cancel := context.WithCancel(context.Background())
	q.currentCancel = cancel

	q.persistLogged()
	q.publishUpdates()

	logger.Info().Msg("job started")

	go func() {
		err := q.cfg.Runtime.Run(runCtx, job)
		q.do(func() {
			q.onJobFinished(job, err)
		})
	}()
}

// onJobFinished runs on the actor goroutine: it finalizes job's terminal
// status (unless Cancel already finalized it), re-runs the batching
// re-order, persists, publishes, and schedules the next job.
func (q *Queue) onJobFinished(job *types.Job, runErr error) {
	if job.Status != types.JobRunning {
		// Cancel() already finalized this job; nothing further to do.
		return
	}

	if runErr != nil {
		q.finishJob(job, types.JobError, runErr.Error())
		q.cfg.Bus.Publish(types.TopicQueueJobError, struct {
			JobID string `json:"job_id"`
			Error string `json:"error"`
		}{JobID: job.ID, Error: runErr.Error()})
	} else {
		q.finishJob(job, types.JobCompleted, "")
		q.cfg.Bus.Publish(types.TopicQueueJobCompleted, struct {
			JobID string `json:"job_id"`
		}{JobID: job.ID})
	}

	q.current = nil
	q.currentCancel = nil
	q.reorderPending()
	q.persistLogged()
	q.publishUpdates()
	q.scheduleProcessNext()
}

// finishJob sets job's terminal status, timestamps it, and records
// metrics. It does not touch q.current/q.currentCancel or persistence —
// callers handle those since pending-cancel has none to clear.
func (q *Queue) finishJob(job *types.Job, status types.JobStatus, errMsg string) {
	now := time.Now()
	job.Status = status
	job.Error = errMsg
	job.CompletedAt = &now

	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	if job.StartedAt != nil {
		metrics.JobDuration.Observe(now.Sub(*job.StartedAt).Seconds())
	}

	if q.socket != nil {
		select {
		case q.socket <- types.TopicEvent{Topic: types.TopicQueueUpdates, Payload: job, Timestamp: now}:
		default:
		}
	}
}

// reorderPending partitions jobs into {non-pending, kept in place} and
// {pending, sorted by cached_model_path}, concatenating the two (spec
// §4.5). sort.SliceStable preserves FIFO order for equal or empty paths.
func (q *Queue) reorderPending() {
	if !q.batchingEnabled {
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	var nonPending, pending []*types.Job
	for _, j := range q.jobs {
		if j.Status == types.JobPending {
			pending = append(pending, j)
		} else {
			nonPending = append(nonPending, j)
		}
	}

	sort.SliceStable(pending, func(i, k int) bool {
		if pending[i].CachedModelPath != pending[k].CachedModelPath {
			return pending[i].CachedModelPath < pending[k].CachedModelPath
		}
		return pending[i].EnqueueSeq < pending[k].EnqueueSeq
	})

	q.jobs = append(nonPending, pending...)
}

func (q *Queue) publishUpdates() {
	q.updateDepthMetrics()
	q.cfg.Bus.Publish(types.TopicQueueUpdates, q.stateLocked())
}

var trackedJobStatuses = []types.JobStatus{
	types.JobPending, types.JobRunning, types.JobCompleted, types.JobError, types.JobCancelled,
}

func (q *Queue) updateDepthMetrics() {
	for _, status := range trackedJobStatuses {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(countStatus(q.jobs, status)))
	}
}

func countStatus(jobs []*types.Job, status types.JobStatus) int {
	n := 0
	for _, j := range jobs {
		if j.Status == status {
			n++
		}
	}
	return n
}

// newJobID returns a 16-hex job id (spec §3), derived from a random
// uuid the way the teacher derives entity ids, truncated to the shorter
// form spec.md specifies.
func newJobID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// computeCachedModelPath scans snap for LoadModel/GenerateImage nodes
// and returns the model path they reference, used solely to drive
// batching re-order (spec §3). Returns "" if none found.
func computeCachedModelPath(snap types.WorkflowSnapshot) string {
	for _, node := range snap.Nodes {
		switch node.Type {
		case "LoadModel", "GenerateImage":
			if v, ok := node.Data["model_path"].(string); ok {
				return v
			}
			if v, ok := node.Data["model"].(string); ok {
				return v
			}
		}
	}
	return ""
}

// wireEnvelope is the on-disk shape of a Queue's persisted state: the
// job list as a raw JSON blob alongside the batching flag (spec §4.5
// Failure recovery: "{jobs, batching_enabled}").
type wireEnvelope struct {
	Jobs            json.RawMessage `json:"jobs"`
	BatchingEnabled bool            `json:"batching_enabled"`
}

// persistLogged persists queue state, logging (but not propagating) any
// error — persistence failures must not block job processing.
func (q *Queue) persistLogged() {
	if err := q.persist(); err != nil {
		log.WithComponent("queue").Error().Err(err).Msg("failed to persist queue state")
	}
}

func (q *Queue) persist() error {
	jobsJSON, err := json.Marshal(q.jobs)
	if err != nil {
		return err
	}
	data, err := json.Marshal(wireEnvelope{Jobs: jobsJSON, BatchingEnabled: q.batchingEnabled})
	if err != nil {
		return err
	}
	return q.cfg.Store.SaveState(data)
}

// restore loads any persisted job list, rewriting jobs left "running" by
// a crash to "error" (spec §4.5, §8 scenario 4). Pending and finished
// jobs are preserved verbatim.
func (q *Queue) restore() error {
	data, err := q.cfg.Store.LoadState()
	if err != nil {
		return fmt.Errorf("failed to load queue state: %w", err)
	}
	if data == nil {
		return nil
	}

	var envelope wireEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("failed to decode queue state: %w", err)
	}

	var jobs []*types.Job
	if len(envelope.Jobs) > 0 {
		if err := json.Unmarshal(envelope.Jobs, &jobs); err != nil {
			return fmt.Errorf("failed to decode persisted jobs: %w", err)
		}
	}

	maxSeq := 0
	for _, j := range jobs {
		if j.Status == types.JobRunning {
			now := time.Now()
			j.Status = types.JobError
			j.Error = crashRecoveryMessage
			j.CompletedAt = &now
			log.WithComponent("queue").Warn().Str("job_id", j.ID).Msg("rewrote running job to error after restart")
		}
		q.jobByID[j.ID] = j
		if j.EnqueueSeq > maxSeq {
			maxSeq = j.EnqueueSeq
		}
	}

	q.jobs = jobs
	q.batchingEnabled = envelope.BatchingEnabled
	q.enqueueSeq = maxSeq + 1

	return nil
}
