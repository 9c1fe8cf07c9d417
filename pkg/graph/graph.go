// Package graph implements the Graph Runtime (spec §4.5): given a single
// Job, it topologically layers the workflow's nodes, gathers each node's
// inputs from the ExecutionContext it owns exclusively for the job's
// lifetime, dispatches to the registered executor for the node's type,
// and evicts consumed outputs via ExecutionContext.ConsumeInput. Grounded
// on the teacher's pkg/scheduler.Scheduler.schedule() for the
// list-then-act loop shape, and on pkg/reconciler.Reconciler.reconcile()
// for sequential per-entity processing with per-entity logging — adapted
// so that, unlike the teacher's reconciler, a single node's failure
// terminates the whole job rather than being logged and swallowed (spec
// §7 NodeError: "downstream nodes are not attempted").
package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/leaxer-ai/leaxer/pkg/events"
	"github.com/leaxer-ai/leaxer/pkg/execstate"
	"github.com/leaxer-ai/leaxer/pkg/leaxerr"
	"github.com/leaxer-ai/leaxer/pkg/log"
	"github.com/leaxer-ai/leaxer/pkg/metrics"
	"github.com/leaxer-ai/leaxer/pkg/modelserver"
	"github.com/leaxer-ai/leaxer/pkg/types"
	"github.com/rs/zerolog"
)

// NodeExecutor runs one node given its gathered inputs and returns its
// output. inputs is keyed by target port name.
type NodeExecutor func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error)

// Registry maps a NodeSpec.Type to the executor that runs it.
type Registry map[string]NodeExecutor

// Runtime owns a single in-flight ExecutionContext at a time; a new one is
// constructed at the start of every Run and discarded at its end, per
// spec §3 "Graph Runtime exclusively owns its ExecutionContext; destroyed
// at job end".
type Runtime struct {
	registry  Registry
	execState *execstate.Store
	bus       *events.Broker

	mu     sync.Mutex
	ec     *types.ExecutionContext
	cancel context.CancelFunc
}

// New creates a Runtime dispatching node types via registry.
func New(registry Registry, execState *execstate.Store, bus *events.Broker) *Runtime {
	return &Runtime{registry: registry, execState: execState, bus: bus}
}

// Run executes job's workflow to completion or failure. It is not safe to
// call Run concurrently on the same Runtime; the Queue serializes calls
// since only one job runs at a time (spec §5).
func (rt *Runtime) Run(ctx context.Context, job *types.Job) error {
	logger := log.WithJobID(job.ID).With().Str("component", "graph").Logger()

	layers, err := topologicalLayers(job.Snapshot)
	if err != nil {
		return leaxerr.Wrap(leaxerr.ValidationError, "workflow is not a valid DAG", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.cancel = cancel
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		rt.cancel = nil
		rt.mu.Unlock()
	}()

	ec := types.NewExecutionContext(job.ID, job.Snapshot.Edges)
	rt.mu.Lock()
	rt.ec = ec
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		rt.ec = nil
		rt.mu.Unlock()
	}()

	var nodeIDs []string
	for _, layer := range layers {
		nodeIDs = append(nodeIDs, layer...)
	}
	rt.execState.StartExecution(nodeIDs)
	defer rt.execState.CompleteExecution()

	total := len(nodeIDs)
	index := 0
	for _, layer := range layers {
		for _, nodeID := range layer {
			select {
			case <-runCtx.Done():
				return leaxerr.New(leaxerr.Aborted, "aborted by user")
			default:
			}

			if err := rt.runNode(runCtx, job, ec, nodeID, index, total, logger); err != nil {
				return err
			}
			index++
		}
	}

	return nil
}

// Abort cancels the currently running Run, if any.
func (rt *Runtime) Abort() {
	rt.mu.Lock()
	cancel := rt.cancel
	rt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (rt *Runtime) runNode(ctx context.Context, job *types.Job, ec *types.ExecutionContext, nodeID string, index, total int, logger zerolog.Logger) error {
	spec, ok := job.Snapshot.Nodes[nodeID]
	if !ok {
		return leaxerr.New(leaxerr.NodeError, fmt.Sprintf("node %q not found in snapshot", nodeID))
	}

	executor, ok := rt.registry[spec.Type]
	if !ok {
		return leaxerr.New(leaxerr.NodeError, fmt.Sprintf("node %q has unknown type %q", nodeID, spec.Type))
	}

	rt.execState.SetCurrentNode(nodeID, index, total)
	ec.CurrentNode = nodeID
	inputs := gatherInputs(ec, job.Snapshot.Edges, nodeID)

	logger.Info().Str("node_id", nodeID).Str("node_type", spec.Type).Msg("dispatching node")

	stopProgress := rt.forwardStepProgress(job.ID, nodeID)

	timer := metrics.NewTimer()
	output, err := executor(ctx, job, nodeID, spec, inputs)
	timer.ObserveDurationVec(metrics.GenerationDuration, spec.Type)
	stopProgress()
	if err != nil {
		logger.Error().Err(err).Str("node_id", nodeID).Msg("node failed, terminating job")
		rt.bus.Publish(types.TopicGenerationError, struct {
			JobID  string `json:"job_id"`
			NodeID string `json:"node_id"`
			Error  string `json:"error"`
		}{JobID: job.ID, NodeID: nodeID, Error: err.Error()})
		return leaxerr.Wrap(leaxerr.NodeError, fmt.Sprintf("node %q failed", nodeID), err)
	}

	ec.Outputs[nodeID] = output
	rt.bus.Publish(types.TopicGenerationComplete, struct {
		JobID  string `json:"job_id"`
		NodeID string `json:"node_id"`
	}{JobID: job.ID, NodeID: nodeID})

	return nil
}

// forwardStepProgress relays generation.progress events for (jobID,
// nodeID) into the Execution State Store's step_progress field while
// the node's executor runs. rt.execState is the only writer to the
// store's slot, so this keeps that single-writer contract even though
// the events themselves originate from a model server or one-shot
// worker goroutine the Runtime does not otherwise own. Returns a stop
// func the caller must invoke once the executor returns.
func (rt *Runtime) forwardStepProgress(jobID, nodeID string) func() {
	sub := rt.bus.Subscribe(types.TopicGenerationProgress)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for v := range sub.C() {
			evt, ok := v.(modelserver.ProgressEvent)
			if !ok || evt.JobID != jobID || evt.NodeID != nodeID {
				continue
			}
			rt.execState.SetStepProgress(nodeID, evt.Current, evt.Total, evt.Percentage)
		}
	}()

	return func() {
		rt.bus.Unsubscribe(sub)
		<-done
	}
}

// gatherInputs reads nodeID's inputs from already-produced outputs and
// evicts each source's output once consumed (spec §3 invariant, §8
// scenario 5).
func gatherInputs(ec *types.ExecutionContext, edges []types.Edge, nodeID string) map[string]types.NodeOutput {
	inputs := make(map[string]types.NodeOutput)
	for _, e := range edges {
		if e.TargetNodeID != nodeID {
			continue
		}
		if out, ok := ec.Outputs[e.SourceNodeID]; ok {
			inputs[e.TargetPort] = out
		}
		ec.ConsumeInput(e.SourceNodeID)
	}
	return inputs
}

// topologicalLayers orders job.Snapshot's nodes into dependency layers via
// Kahn's algorithm: nodes in a layer have no unresolved dependencies on
// nodes outside prior layers. Go maps have no iteration order, so within a
// layer nodes are sorted by ID for determinism; this does not change the
// DAG semantics, only which equally-eligible node runs first.
func topologicalLayers(snapshot types.WorkflowSnapshot) ([][]string, error) {
	inDegree := make(map[string]int, len(snapshot.Nodes))
	dependents := make(map[string][]string, len(snapshot.Nodes))
	for id := range snapshot.Nodes {
		inDegree[id] = 0
	}
	for _, e := range snapshot.Edges {
		if _, ok := snapshot.Nodes[e.SourceNodeID]; !ok {
			return nil, fmt.Errorf("edge references unknown source node %q", e.SourceNodeID)
		}
		if _, ok := snapshot.Nodes[e.TargetNodeID]; !ok {
			return nil, fmt.Errorf("edge references unknown target node %q", e.TargetNodeID)
		}
		inDegree[e.TargetNodeID]++
		dependents[e.SourceNodeID] = append(dependents[e.SourceNodeID], e.TargetNodeID)
	}

	var layers [][]string
	remaining := len(snapshot.Nodes)
	for remaining > 0 {
		var layer []string
		for id, deg := range inDegree {
			if deg == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("workflow contains a cycle")
		}
		sort.Strings(layer)

		for _, id := range layer {
			delete(inDegree, id)
			for _, dep := range dependents[id] {
				inDegree[dep]--
			}
		}
		layers = append(layers, layer)
		remaining -= len(layer)
	}

	return layers, nil
}

// Validate reports whether snapshot forms an acyclic graph with every edge
// endpoint resolved, without running it. Used by the Job Queue at enqueue
// time (spec §7 ValidationError) so malformed workflows never reach a
// running job.
func Validate(snapshot types.WorkflowSnapshot) error {
	_, err := topologicalLayers(snapshot)
	return err
}

// ValidateAgainstRegistry additionally rejects a snapshot referencing a
// node type this Runtime has no executor for, catching a dispatch
// failure at enqueue time instead of mid-job (spec §7 ValidationError).
func (rt *Runtime) ValidateAgainstRegistry(snapshot types.WorkflowSnapshot) error {
	if err := Validate(snapshot); err != nil {
		return err
	}
	for id, node := range snapshot.Nodes {
		if _, ok := rt.registry[node.Type]; !ok {
			return fmt.Errorf("node %q has unknown type %q", id, node.Type)
		}
	}
	return nil
}
