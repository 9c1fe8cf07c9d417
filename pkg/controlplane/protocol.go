// Package controlplane is the local adapter cmd/leaxer uses to let its
// short-lived CLI subcommands (enqueue, cancel, status, watch) drive the
// Job Queue owned by a long-running "leaxer serve" process. spec.md §6
// names only a Frontend interface seam for an external REST/WebSocket
// transport and explicitly leaves it unimplemented; this package is the
// minimal newline-delimited-JSON-over-Unix-socket transport needed to
// make the CLI subcommands actually drive a running daemon, grounded on
// the teacher's client/server split (pkg/client talking to pkg/api) but
// simplified from gRPC to JSON since the gRPC stack was dropped (see
// DESIGN.md) along with the container/cluster features it served.
package controlplane

import "github.com/leaxer-ai/leaxer/pkg/types"

// Command names accepted by Server.
const (
	CmdEnqueue      = "enqueue"
	CmdCancel       = "cancel"
	CmdStatus       = "status"
	CmdClearPending = "clear_pending"
	CmdWatch        = "watch"
)

// Request is one newline-delimited-JSON request frame.
type Request struct {
	Command   string                   `json:"command"`
	Snapshots []types.WorkflowSnapshot `json:"snapshots,omitempty"`
	JobID     string                   `json:"job_id,omitempty"`
}

// Response is the single reply frame for every command except "watch",
// which instead streams Response frames tagged Event until the client
// disconnects.
type Response struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error,omitempty"`
	JobIDs  []string       `json:"job_ids,omitempty"`
	State   *StatusPayload `json:"state,omitempty"`
	Event   *types.TopicEvent `json:"event,omitempty"`
}

// StatusPayload is the wire shape of a queue.QueueStateView.
type StatusPayload struct {
	Running      *types.Job `json:"running,omitempty"`
	Pending      []*types.Job `json:"pending,omitempty"`
	Finished     []*types.Job `json:"finished,omitempty"`
	PendingCount int        `json:"pending_count"`
	TotalCount   int        `json:"total_count"`
}
