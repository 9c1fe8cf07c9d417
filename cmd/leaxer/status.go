package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/leaxer-ai/leaxer/pkg/controlplane"
	"github.com/leaxer-ai/leaxer/pkg/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the job queue's current running, pending, and finished jobs",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	socketPath, _ := cmd.Flags().GetString("socket")

	client, err := controlplane.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connecting to leaxer serve at %s: %w", socketPath, err)
	}
	defer client.Close()

	state, err := client.Status()
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)

	bold.Println("Running:")
	if state.Running != nil {
		printJobLine(state.Running)
	} else {
		fmt.Println("  (none)")
	}

	bold.Printf("\nPending (%d):\n", state.PendingCount)
	for _, job := range state.Pending {
		printJobLine(job)
	}
	if len(state.Pending) == 0 {
		fmt.Println("  (none)")
	}

	bold.Printf("\nFinished (%d total jobs):\n", state.TotalCount)
	for _, job := range state.Finished {
		printJobLine(job)
	}

	return nil
}

func printJobLine(job *types.Job) {
	statusColor := color.New(color.FgWhite)
	switch job.Status {
	case types.JobCompleted:
		statusColor = color.New(color.FgGreen)
	case types.JobError:
		statusColor = color.New(color.FgRed)
	case types.JobRunning:
		statusColor = color.New(color.FgCyan)
	case types.JobCancelled:
		statusColor = color.New(color.FgYellow)
	}
	line := fmt.Sprintf("  %s  %s", job.ID, job.Status)
	if job.Error != "" {
		line += fmt.Sprintf("  (%s)", job.Error)
	}
	statusColor.Println(line)
}
