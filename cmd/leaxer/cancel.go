package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/leaxer-ai/leaxer/pkg/controlplane"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	socketPath, _ := cmd.Flags().GetString("socket")

	client, err := controlplane.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connecting to leaxer serve at %s: %w", socketPath, err)
	}
	defer client.Close()

	if err := client.Cancel(args[0]); err != nil {
		return err
	}

	color.New(color.FgYellow).Printf("cancelled job %s\n", args[0])
	return nil
}

var clearPendingCmd = &cobra.Command{
	Use:   "clear-pending",
	Short: "Drop every pending (not yet started) job from the queue",
	Args:  cobra.NoArgs,
	RunE:  runClearPending,
}

func runClearPending(cmd *cobra.Command, args []string) error {
	socketPath, _ := cmd.Flags().GetString("socket")

	client, err := controlplane.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connecting to leaxer serve at %s: %w", socketPath, err)
	}
	defer client.Close()

	if err := client.ClearPending(); err != nil {
		return err
	}

	color.New(color.FgYellow).Println("cleared pending jobs")
	return nil
}
