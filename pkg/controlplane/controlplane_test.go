package controlplane

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/leaxer-ai/leaxer/pkg/events"
	"github.com/leaxer-ai/leaxer/pkg/queue"
	"github.com/leaxer-ai/leaxer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFrontend struct {
	enqueueIDs []string
	enqueueErr error
	cancelErr  error
	state      queue.QueueStateView
	cleared    bool
}

func (f *fakeFrontend) Enqueue(snapshots []types.WorkflowSnapshot) ([]string, error) {
	return f.enqueueIDs, f.enqueueErr
}
func (f *fakeFrontend) Cancel(jobID string) error        { return f.cancelErr }
func (f *fakeFrontend) GetState() queue.QueueStateView    { return f.state }
func (f *fakeFrontend) ClearPending()                     { f.cleared = true }

func newTestServer(t *testing.T, frontend queue.Frontend, bus *events.Broker) *Client {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "leaxer.sock")
	srv, err := Listen(socketPath, frontend, bus)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	client, err := Dial(socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestEnqueueRoundTrip(t *testing.T) {
	frontend := &fakeFrontend{enqueueIDs: []string{"abc123"}}
	client := newTestServer(t, frontend, events.NewBroker())

	ids, err := client.Enqueue([]types.WorkflowSnapshot{{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123"}, ids)
}

func TestCancelSurfacesFrontendError(t *testing.T) {
	frontend := &fakeFrontend{cancelErr: assertErr("unknown job id")}
	client := newTestServer(t, frontend, events.NewBroker())

	err := client.Cancel("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job id")
}

func TestStatusRoundTrip(t *testing.T) {
	frontend := &fakeFrontend{state: queue.QueueStateView{TotalCount: 3, PendingCount: 2}}
	client := newTestServer(t, frontend, events.NewBroker())

	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, 3, status.TotalCount)
	assert.Equal(t, 2, status.PendingCount)
}

func TestClearPendingRoundTrip(t *testing.T) {
	frontend := &fakeFrontend{}
	client := newTestServer(t, frontend, events.NewBroker())

	require.NoError(t, client.ClearPending())
	assert.True(t, frontend.cleared)
}

func TestWatchStreamsPublishedEvents(t *testing.T) {
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)
	frontend := &fakeFrontend{}
	client := newTestServer(t, frontend, bus)

	received := make(chan types.TopicEvent, 4)
	go func() {
		_ = client.Watch(func(evt types.TopicEvent) { received <- evt })
	}()

	time.Sleep(50 * time.Millisecond) // let the watch subscribe before publishing
	bus.Publish(types.TopicQueueUpdates, "hello")

	select {
	case evt := <-received:
		assert.Equal(t, types.TopicQueueUpdates, evt.Topic)
		assert.Equal(t, "hello", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected watch event")
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
