// Command leaxer is the execution substrate's entry point: "leaxer
// serve" boots the Process Tracker, Model Server Managers, Event Bus,
// Execution State Store, and Job Queue/Graph Runtime into one
// long-running process; the remaining subcommands are thin clients that
// dial its control-plane socket. Grounded on the teacher's cmd/warren
// (a single cobra root command wiring component lifecycles behind
// subcommands, with persistent flags for logging set up in
// cobra.OnInitialize).
package main

import (
	"fmt"
	"os"

	"github.com/leaxer-ai/leaxer/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "leaxer",
	Short: "Leaxer execution substrate: job queue, model servers, process tracker",
	Long: `Leaxer drives external AI inference binaries from a graph workflow.

This binary runs the execution substrate: the job queue and graph
runtime, the model server lifecycle managers, the process tracker, and
the event bus. The visual editor and REST/WebSocket transport are
external collaborators.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("leaxer version %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./leaxer-data", "Directory for persisted queue state and bbolt database")
	rootCmd.PersistentFlags().String("socket", "./leaxer-data/leaxer.sock", "Control-plane Unix socket path")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(clearPendingCmd)
	rootCmd.AddCommand(watchCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
