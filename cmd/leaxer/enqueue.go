package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/leaxer-ai/leaxer/pkg/controlplane"
	"github.com/leaxer-ai/leaxer/pkg/types"
	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <workflow.json>...",
	Short: "Submit one or more workflow snapshots to a running leaxer serve",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEnqueue,
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	socketPath, _ := cmd.Flags().GetString("socket")

	snapshots := make([]types.WorkflowSnapshot, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		var snapshot types.WorkflowSnapshot
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		snapshots = append(snapshots, snapshot)
	}

	client, err := controlplane.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connecting to leaxer serve at %s: %w", socketPath, err)
	}
	defer client.Close()

	ids, err := client.Enqueue(snapshots)
	if err != nil {
		return err
	}

	for _, id := range ids {
		color.New(color.FgGreen).Printf("enqueued job %s\n", id)
	}
	return nil
}
