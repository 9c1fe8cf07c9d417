package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/leaxer-ai/leaxer/pkg/events"
	"github.com/leaxer-ai/leaxer/pkg/execstate"
	"github.com/leaxer-ai/leaxer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T, registry Registry) *Runtime {
	t.Helper()
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)
	return New(registry, execstate.New(), bus)
}

func passthroughExecutor(value string) NodeExecutor {
	return func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
		return types.NodeOutput{Value: value}, nil
	}
}

// TestConsumerCountingAcrossDiamond builds A->B, A->C, B->D (spec §8
// scenario 5) and verifies A's output survives until both B and C have
// consumed it, then is evicted on the second consume.
func TestConsumerCountingAcrossDiamond(t *testing.T) {
	var bCountAtRead, cCountAtRead int
	var bHasOutputA, cHasOutputA bool

	var rt *Runtime
	registry := Registry{
		"source": passthroughExecutor("a-out"),
		"sink_b": func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
			bCountAtRead = rt.ec.ConsumerCounts["A"]
			_, bHasOutputA = rt.ec.Outputs["A"]
			return types.NodeOutput{Value: "b-out"}, nil
		},
		"sink_c": func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
			cCountAtRead = rt.ec.ConsumerCounts["A"]
			_, cHasOutputA = rt.ec.Outputs["A"]
			return types.NodeOutput{Value: "c-out"}, nil
		},
		"sink_d": passthroughExecutor("d-out"),
	}
	rt = newTestRuntime(t, registry)

	job := &types.Job{
		ID: "j1",
		Snapshot: types.WorkflowSnapshot{
			Nodes: map[string]types.NodeSpec{
				"A": {Type: "source"},
				"B": {Type: "sink_b"},
				"C": {Type: "sink_c"},
				"D": {Type: "sink_d"},
			},
			Edges: []types.Edge{
				{SourceNodeID: "A", SourcePort: "out", TargetNodeID: "B", TargetPort: "in"},
				{SourceNodeID: "A", SourcePort: "out", TargetNodeID: "C", TargetPort: "in"},
				{SourceNodeID: "B", SourcePort: "out", TargetNodeID: "D", TargetPort: "in"},
			},
		},
	}

	err := rt.Run(context.Background(), job)
	require.NoError(t, err)

	// B consumes A first (A had 2 consumers): count drops to 1, output retained.
	assert.Equal(t, 1, bCountAtRead)
	assert.True(t, bHasOutputA)

	// C consumes A second: count drops to 0, output evicted.
	assert.Equal(t, 0, cCountAtRead)
	assert.False(t, cHasOutputA)
}

func TestRunDispatchesInTopologicalOrder(t *testing.T) {
	var order []string
	rt := newTestRuntime(t, Registry{
		"n": func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
			order = append(order, nodeID)
			return types.NodeOutput{}, nil
		},
	})

	job := &types.Job{
		ID: "j2",
		Snapshot: types.WorkflowSnapshot{
			Nodes: map[string]types.NodeSpec{
				"A": {Type: "n"}, "B": {Type: "n"}, "C": {Type: "n"},
			},
			Edges: []types.Edge{
				{SourceNodeID: "A", TargetNodeID: "B"},
				{SourceNodeID: "B", TargetNodeID: "C"},
			},
		},
	}

	require.NoError(t, rt.Run(context.Background(), job))
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestRunFailsJobOnNodeErrorWithoutRunningDownstream(t *testing.T) {
	var ranC bool
	rt := newTestRuntime(t, Registry{
		"ok": passthroughExecutor("ok"),
		"fail": func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
			return types.NodeOutput{}, errors.New("boom")
		},
		"downstream": func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
			ranC = true
			return types.NodeOutput{}, nil
		},
	})

	job := &types.Job{
		ID: "j3",
		Snapshot: types.WorkflowSnapshot{
			Nodes: map[string]types.NodeSpec{
				"A": {Type: "ok"},
				"B": {Type: "fail"},
				"C": {Type: "downstream"},
			},
			Edges: []types.Edge{
				{SourceNodeID: "A", TargetNodeID: "B"},
				{SourceNodeID: "B", TargetNodeID: "C"},
			},
		},
	}

	err := rt.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node_error")
	assert.False(t, ranC)
}

func TestRunRejectsCyclicWorkflow(t *testing.T) {
	rt := newTestRuntime(t, Registry{"n": passthroughExecutor("x")})
	job := &types.Job{
		ID: "j4",
		Snapshot: types.WorkflowSnapshot{
			Nodes: map[string]types.NodeSpec{"A": {Type: "n"}, "B": {Type: "n"}},
			Edges: []types.Edge{
				{SourceNodeID: "A", TargetNodeID: "B"},
				{SourceNodeID: "B", TargetNodeID: "A"},
			},
		},
	}

	err := rt.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation_error")
}

func TestRunRejectsDanglingEdge(t *testing.T) {
	rt := newTestRuntime(t, Registry{"n": passthroughExecutor("x")})
	job := &types.Job{
		ID: "j5",
		Snapshot: types.WorkflowSnapshot{
			Nodes: map[string]types.NodeSpec{"A": {Type: "n"}},
			Edges: []types.Edge{{SourceNodeID: "A", TargetNodeID: "ghost"}},
		},
	}

	err := rt.Run(context.Background(), job)
	require.Error(t, err)
}

func TestValidateAcceptsAcyclicWorkflow(t *testing.T) {
	err := Validate(types.WorkflowSnapshot{
		Nodes: map[string]types.NodeSpec{"A": {Type: "n"}, "B": {Type: "n"}},
		Edges: []types.Edge{{SourceNodeID: "A", TargetNodeID: "B"}},
	})
	assert.NoError(t, err)
}

func TestRunReturnsAbortedWhenContextAlreadyCancelled(t *testing.T) {
	rt := newTestRuntime(t, Registry{"n": passthroughExecutor("x")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := &types.Job{
		ID: "j6",
		Snapshot: types.WorkflowSnapshot{
			Nodes: map[string]types.NodeSpec{"A": {Type: "n"}},
		},
	}

	err := rt.Run(ctx, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted")
}
