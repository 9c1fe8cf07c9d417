package main

import (
	"fmt"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"github.com/leaxer-ai/leaxer/pkg/controlplane"
	"github.com/leaxer-ai/leaxer/pkg/types"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live queue and generation progress events from a running leaxer serve",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	socketPath, _ := cmd.Flags().GetString("socket")

	client, err := controlplane.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connecting to leaxer serve at %s: %w", socketPath, err)
	}
	defer client.Close()

	d := newDashboard()
	return client.Watch(d.handle)
}

// dashboard renders generation progress as terminal progress bars keyed
// by job+node, and everything else as a colorized log line, the way a
// "leaxer watch" user wants to eyeball both at once.
type dashboard struct {
	mu   sync.Mutex
	bars map[string]*pb.ProgressBar
}

func newDashboard() *dashboard {
	return &dashboard{bars: make(map[string]*pb.ProgressBar)}
}

func (d *dashboard) handle(evt types.TopicEvent) {
	payload, _ := evt.Payload.(map[string]interface{})

	switch evt.Topic {
	case types.TopicGenerationProgress:
		d.handleProgress(payload)
	case types.TopicQueueJobCompleted:
		color.New(color.FgGreen).Printf("job completed: %v\n", payload["job_id"])
	case types.TopicQueueJobError:
		color.New(color.FgRed).Printf("job error: %v  %v\n", payload["job_id"], payload["error"])
	case types.TopicQueueUpdates:
		color.New(color.FgCyan).Printf("queue updated: pending=%v running=%v\n", payload["pending_count"], payload["running"])
	default:
		color.New(color.FgWhite).Printf("[%s] %v\n", evt.Topic, payload)
	}
}

func (d *dashboard) handleProgress(payload map[string]interface{}) {
	jobID, _ := payload["job_id"].(string)
	nodeID, _ := payload["node_id"].(string)
	key := jobID + "/" + nodeID

	current := intFromAny(payload["current"])
	total := intFromAny(payload["total"])
	if total <= 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	bar, ok := d.bars[key]
	if !ok {
		bar = pb.New(total)
		bar.SetTemplateString(fmt.Sprintf(`{{ "%s" }} {{bar . }} {{percent . }}`, nodeID))
		bar.Start()
		d.bars[key] = bar
	}
	bar.SetCurrent(int64(current))
	if current >= total {
		bar.Finish()
		delete(d.bars, key)
	}
}

func intFromAny(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
