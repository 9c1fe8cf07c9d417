package controlplane

import (
	"bufio"
	"encoding/json"
	"net"
	"os"

	"github.com/leaxer-ai/leaxer/pkg/events"
	"github.com/leaxer-ai/leaxer/pkg/log"
	"github.com/leaxer-ai/leaxer/pkg/queue"
	"github.com/leaxer-ai/leaxer/pkg/types"
)

// Server accepts Unix-socket connections and dispatches each Request to
// the Frontend it wraps, one goroutine per connection, mirroring the
// teacher's pattern of a single long-lived component fanning work out
// per-request rather than per-resource.
type Server struct {
	frontend queue.Frontend
	bus      *events.Broker
	listener net.Listener
}

// Listen creates the Unix socket at socketPath, removing any stale file
// left by a previous crashed run first.
func Listen(socketPath string, frontend queue.Frontend, bus *events.Broker) (*Server, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return &Server{frontend: frontend, bus: bus, listener: ln}, nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() {
	logger := log.WithComponent("controlplane")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		logger.Debug().Msg("control client connected")
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}

	switch req.Command {
	case CmdEnqueue:
		ids, err := s.frontend.Enqueue(req.Snapshots)
		writeResponse(conn, responseFor(err, func(r *Response) { r.JobIDs = ids }))

	case CmdCancel:
		err := s.frontend.Cancel(req.JobID)
		writeResponse(conn, responseFor(err, nil))

	case CmdClearPending:
		s.frontend.ClearPending()
		writeResponse(conn, Response{OK: true})

	case CmdStatus:
		view := s.frontend.GetState()
		writeResponse(conn, Response{OK: true, State: &StatusPayload{
			Running:      view.Running,
			Pending:      view.Pending,
			Finished:     view.Finished,
			PendingCount: view.PendingCount,
			TotalCount:   view.TotalCount,
		}})

	case CmdWatch:
		s.streamEvents(conn)

	default:
		writeResponse(conn, Response{OK: false, Error: "unknown command"})
	}
}

// streamEvents subscribes to every topic and forwards each event as its
// own Response frame until the client disconnects.
func (s *Server) streamEvents(conn net.Conn) {
	subs := make([]*events.Subscription, 0, len(types.AllTopics()))
	for _, topic := range types.AllTopics() {
		subs = append(subs, s.bus.Subscribe(topic))
	}
	defer func() {
		for _, sub := range subs {
			s.bus.Unsubscribe(sub)
		}
	}()

	merged := make(chan types.TopicEvent, 64)
	for _, sub := range subs {
		go func(sub *events.Subscription) {
			for payload := range sub.C() {
				select {
				case merged <- types.TopicEvent{Topic: sub.Topic(), Payload: payload}:
				default:
				}
			}
		}(sub)
	}

	// Detect client disconnect by attempting to read; the CLI watcher
	// never sends anything further, so any read result ends the stream.
	disconnected := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		conn.Read(buf)
		close(disconnected)
	}()

	enc := json.NewEncoder(conn)
	for {
		select {
		case evt := <-merged:
			if err := enc.Encode(Response{OK: true, Event: &evt}); err != nil {
				return
			}
		case <-disconnected:
			return
		}
	}
}

func writeResponse(conn net.Conn, resp Response) {
	w := bufio.NewWriter(conn)
	_ = json.NewEncoder(w).Encode(resp)
	_ = w.Flush()
}

func responseFor(err error, fill func(*Response)) Response {
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	resp := Response{OK: true}
	if fill != nil {
		fill(&resp)
	}
	return resp
}
