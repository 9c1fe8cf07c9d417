package queue

import "github.com/leaxer-ai/leaxer/pkg/types"

// Frontend is the seam spec.md §6 names for an external client transport
// (REST/WebSocket) to drive the Job Queue without depending on *Queue's
// concrete type. No such transport is implemented in this repository
// (out of scope per spec.md §1); cmd/leaxer's own control-plane server
// (pkg/controlplane) adapts a *Queue to this interface locally. *Queue
// satisfies Frontend by its existing method set.
type Frontend interface {
	Enqueue(snapshots []types.WorkflowSnapshot) ([]string, error)
	Cancel(jobID string) error
	GetState() QueueStateView
	ClearPending()
}

var _ Frontend = (*Queue)(nil)
