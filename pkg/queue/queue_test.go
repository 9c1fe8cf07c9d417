package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/leaxer-ai/leaxer/pkg/events"
	"github.com/leaxer-ai/leaxer/pkg/execstate"
	"github.com/leaxer-ai/leaxer/pkg/graph"
	"github.com/leaxer-ai/leaxer/pkg/storage"
	"github.com/leaxer-ai/leaxer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingAborter lets a test hold a job "running" until it chooses to
// release it, and records whether Abort was called.
type blockingAborter struct {
	aborted chan struct{}
}

func newBlockingAborter() *blockingAborter {
	return &blockingAborter{aborted: make(chan struct{})}
}

func (b *blockingAborter) Abort() {
	select {
	case <-b.aborted:
	default:
		close(b.aborted)
	}
}

func snapshotWithModel(modelPath string) types.WorkflowSnapshot {
	return types.WorkflowSnapshot{
		Nodes: map[string]types.NodeSpec{
			"load": {Type: "LoadModel", Data: map[string]interface{}{"model_path": modelPath}},
		},
	}
}

func newTestQueue(t *testing.T, registry graph.Registry, servers []Aborter) (*Queue, *events.Broker) {
	t.Helper()
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	execState := execstate.New()
	rt := graph.New(registry, execState, bus)

	q, err := New(Config{
		Store:     storage.NewMemStore(),
		Bus:       bus,
		ExecState: execState,
		Runtime:   rt,
		Servers:   servers,
	})
	require.NoError(t, err)
	q.Start()
	t.Cleanup(q.Stop)
	return q, bus
}

func instantRegistry() graph.Registry {
	return graph.Registry{
		"LoadModel": func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
			return types.NodeOutput{}, nil
		},
	}
}

// TestSameModelBatchingOrdersPendingByModelPath is spec §8 scenario 1:
// enqueuing snapshots with cached_model_path "B", "A", "B" re-orders them
// to A, B, B before the idle Queue starts the first of them.
func TestSameModelBatchingOrdersPendingByModelPath(t *testing.T) {
	blocker := make(chan struct{})
	registry := graph.Registry{
		"LoadModel": func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
			<-blocker
			return types.NodeOutput{}, nil
		},
	}
	q, _ := newTestQueue(t, registry, nil)
	defer close(blocker)

	_, err := q.Enqueue([]types.WorkflowSnapshot{
		snapshotWithModel("B.safetensors"),
		snapshotWithModel("A.safetensors"),
		snapshotWithModel("B.safetensors"),
	})
	require.NoError(t, err)

	view := q.GetState()
	require.NotNil(t, view.Running)
	require.Len(t, view.Pending, 2)
	assert.Equal(t, "B.safetensors", view.Pending[0].CachedModelPath)
	assert.Equal(t, "B.safetensors", view.Pending[1].CachedModelPath)
	// The re-order runs before the first job starts, so the running job
	// is "A" and the effective model load order is A, B, B — never a
	// third distinct load.
	assert.Equal(t, "A.safetensors", view.Running.CachedModelPath)
}

// TestAbortDuringGenerationKillsServersAndClearsExecState is spec §8
// scenario 3.
func TestAbortDuringGenerationKillsServersAndClearsExecState(t *testing.T) {
	blocker := make(chan struct{})
	registry := graph.Registry{
		"LoadModel": func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
			select {
			case <-blocker:
			case <-ctx.Done():
			}
			return types.NodeOutput{}, ctx.Err()
		},
	}
	aborter := newBlockingAborter()
	q, _ := newTestQueue(t, registry, []Aborter{aborter})

	ids, err := q.Enqueue([]types.WorkflowSnapshot{snapshotWithModel("m.safetensors")})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.Eventually(t, func() bool {
		return q.GetState().Running != nil
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, q.Cancel(ids[0]))

	select {
	case <-aborter.aborted:
	case <-time.After(time.Second):
		t.Fatal("expected model server Abort() to be called")
	}

	view := q.GetState()
	require.Len(t, view.Finished, 1)
	assert.Equal(t, types.JobCancelled, view.Finished[0].Status)
	assert.Nil(t, view.Running)
	close(blocker)
}

// TestEnqueueRejectsCyclicSnapshot verifies ValidationError is surfaced
// synchronously at enqueue time, before any job is created.
func TestEnqueueRejectsCyclicSnapshot(t *testing.T) {
	q, _ := newTestQueue(t, instantRegistry(), nil)

	_, err := q.Enqueue([]types.WorkflowSnapshot{{
		Nodes: map[string]types.NodeSpec{"A": {Type: "LoadModel"}, "B": {Type: "LoadModel"}},
		Edges: []types.Edge{
			{SourceNodeID: "A", TargetNodeID: "B"},
			{SourceNodeID: "B", TargetNodeID: "A"},
		},
	}})
	require.Error(t, err)

	view := q.GetState()
	assert.Equal(t, 0, view.TotalCount)
}

// TestEnqueueRejectsUnknownNodeType verifies a node type with no
// registered executor is rejected at enqueue time rather than failing
// mid-job.
func TestEnqueueRejectsUnknownNodeType(t *testing.T) {
	q, _ := newTestQueue(t, instantRegistry(), nil)

	_, err := q.Enqueue([]types.WorkflowSnapshot{{
		Nodes: map[string]types.NodeSpec{"A": {Type: "NoSuchNodeType"}},
	}})
	require.Error(t, err)

	view := q.GetState()
	assert.Equal(t, 0, view.TotalCount)
}

// TestCrashRecoveryRewritesRunningJobToError is spec §8 scenario 4: a
// persisted running job is rewritten to error on restart, and a pending
// job with nothing running begins processing.
func TestCrashRecoveryRewritesRunningJobToError(t *testing.T) {
	store := storage.NewMemStore()

	seedJobs := []*types.Job{
		{ID: "j1", Status: types.JobRunning, CreatedAt: time.Now(), Snapshot: snapshotWithModel("x.safetensors")},
		{ID: "j2", Status: types.JobPending, CreatedAt: time.Now(), EnqueueSeq: 1, Snapshot: snapshotWithModel("y.safetensors")},
	}
	seedJobsJSON, err := marshalJobsForTest(seedJobs)
	require.NoError(t, err)
	require.NoError(t, store.SaveState(seedJobsJSON))

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()
	execState := execstate.New()

	ran := make(chan string, 1)
	registry := graph.Registry{
		"LoadModel": func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
			ran <- job.ID
			return types.NodeOutput{}, nil
		},
	}
	rt := graph.New(registry, execState, bus)

	q, err := New(Config{Store: store, Bus: bus, ExecState: execState, Runtime: rt})
	require.NoError(t, err)
	q.Start()
	defer q.Stop()

	view := q.GetState()
	require.Len(t, view.Finished, 1)
	assert.Equal(t, types.JobError, view.Finished[0].Status)
	assert.Equal(t, "Process terminated (server restart)", view.Finished[0].Error)

	select {
	case jobID := <-ran:
		assert.Equal(t, "j2", jobID)
	case <-time.After(time.Second):
		t.Fatal("expected pending job j2 to begin processing after restart")
	}
}

func marshalJobsForTest(jobs []*types.Job) ([]byte, error) {
	jobsJSON, err := json.Marshal(jobs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Jobs: jobsJSON, BatchingEnabled: true})
}
