package events

import (
	"sync"
	"time"

	"github.com/leaxer-ai/leaxer/pkg/types"
)

// LogBroadcaster is the Log Broadcaster specialization of spec §4.6: it
// installs itself as a secondary zerolog writer (see pkg/log.Init's
// variadic extra writers), buffers the most recent ring-size lines in a
// FIFO ring, and batches inbound lines on a coalescing timer before
// publishing on logs.stream — reducing fan-out cost the way the teacher's
// events.Broker reduces fan-out by buffering per-subscriber channels.
type LogBroadcaster struct {
	broker   *Broker
	ringSize int
	batch    time.Duration

	mu      sync.Mutex
	ring    []string
	ringPos int
	ringLen int

	pending []string
	flushCh chan struct{}
	stopCh  chan struct{}
	once    sync.Once
}

// NewLogBroadcaster creates a LogBroadcaster publishing onto broker.
func NewLogBroadcaster(broker *Broker, ringSize int, batch time.Duration) *LogBroadcaster {
	return &LogBroadcaster{
		broker:   broker,
		ringSize: ringSize,
		batch:    batch,
		ring:     make([]string, ringSize),
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the coalescing-timer flush loop.
func (lb *LogBroadcaster) Start() {
	go lb.run()
}

// Stop stops the flush loop, flushing any pending lines first.
func (lb *LogBroadcaster) Stop() {
	lb.once.Do(func() {
		close(lb.stopCh)
	})
}

// Write implements io.Writer so LogBroadcaster can be passed as an extra
// writer to pkg/log.Init.
func (lb *LogBroadcaster) Write(p []byte) (int, error) {
	line := string(p)

	lb.mu.Lock()
	lb.ring[lb.ringPos] = line
	lb.ringPos = (lb.ringPos + 1) % lb.ringSize
	if lb.ringLen < lb.ringSize {
		lb.ringLen++
	}
	lb.pending = append(lb.pending, line)
	lb.mu.Unlock()

	select {
	case lb.flushCh <- struct{}{}:
	default:
	}
	return len(p), nil
}

// GetRecentLogs returns up to count most-recent lines, oldest first, to
// seed a newly-connected subscriber.
func (lb *LogBroadcaster) GetRecentLogs(count int) []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if count > lb.ringLen {
		count = lb.ringLen
	}
	out := make([]string, count)
	start := (lb.ringPos - count + lb.ringSize) % lb.ringSize
	for i := 0; i < count; i++ {
		out[i] = lb.ring[(start+i)%lb.ringSize]
	}
	return out
}

func (lb *LogBroadcaster) run() {
	ticker := time.NewTicker(lb.batch)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lb.flush()
		case <-lb.flushCh:
			// coalesce: wait for the ticker rather than flushing
			// immediately, so a burst of lines is published as one batch.
		case <-lb.stopCh:
			lb.flush()
			return
		}
	}
}

func (lb *LogBroadcaster) flush() {
	lb.mu.Lock()
	if len(lb.pending) == 0 {
		lb.mu.Unlock()
		return
	}
	batch := lb.pending
	lb.pending = nil
	lb.mu.Unlock()

	lb.broker.Publish(types.TopicLogsStream, batch)
}
