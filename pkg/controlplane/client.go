package controlplane

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/leaxer-ai/leaxer/pkg/types"
)

// Client is a short-lived connection to a Server, used by cmd/leaxer's
// one-shot subcommands (enqueue, cancel, status) and its long-lived
// watch subcommand.
type Client struct {
	conn net.Conn
}

// Dial connects to the Unix socket a "leaxer serve" process is listening
// on.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to leaxer serve at %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(req Request) (Response, error) {
	if err := json.NewEncoder(c.conn).Encode(req); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.NewDecoder(c.conn).Decode(&resp); err != nil {
		return Response{}, err
	}
	if !resp.OK {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

// Enqueue submits snapshots and returns their new job ids.
func (c *Client) Enqueue(snapshots []types.WorkflowSnapshot) ([]string, error) {
	resp, err := c.roundTrip(Request{Command: CmdEnqueue, Snapshots: snapshots})
	if err != nil {
		return nil, err
	}
	return resp.JobIDs, nil
}

// Cancel cancels jobID.
func (c *Client) Cancel(jobID string) error {
	_, err := c.roundTrip(Request{Command: CmdCancel, JobID: jobID})
	return err
}

// Status returns the current queue state.
func (c *Client) Status() (*StatusPayload, error) {
	resp, err := c.roundTrip(Request{Command: CmdStatus})
	if err != nil {
		return nil, err
	}
	return resp.State, nil
}

// ClearPending drops every pending job.
func (c *Client) ClearPending() error {
	_, err := c.roundTrip(Request{Command: CmdClearPending})
	return err
}

// Watch streams events until the connection fails to decode, which
// happens when the caller closes the Client or the server hangs up,
// invoking handler for each event in arrival order.
func (c *Client) Watch(handler func(types.TopicEvent)) error {
	if err := json.NewEncoder(c.conn).Encode(Request{Command: CmdWatch}); err != nil {
		return err
	}
	dec := json.NewDecoder(c.conn)
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			return err
		}
		if resp.Event != nil {
			handler(*resp.Event)
		}
	}
}
