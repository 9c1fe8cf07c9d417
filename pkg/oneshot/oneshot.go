// Package oneshot implements the CLI One-Shot Worker (spec §4.4): a
// stateless executor that spawns a fresh external binary per request
// when no server binary exists, when a mode is unsupported by the
// server (video), or when the workflow explicitly requests one-shot
// mode. Grounded on pkg/launcher for process spawning. Progress events
// are published as pkg/modelserver's ProgressEvent type; the progress
// regexes and line matching are this package's own.
package oneshot

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/leaxer-ai/leaxer/pkg/events"
	"github.com/leaxer-ai/leaxer/pkg/launcher"
	"github.com/leaxer-ai/leaxer/pkg/leaxerr"
	"github.com/leaxer-ai/leaxer/pkg/log"
	"github.com/leaxer-ai/leaxer/pkg/modelserver"
	"github.com/leaxer-ai/leaxer/pkg/tracker"
	"github.com/leaxer-ai/leaxer/pkg/types"
)

// BinaryResolver locates the one-shot CLI executable for a backend.
type BinaryResolver func(backend types.ComputeBackend) (exePath string, ok bool)

// ArgsBuilder renders the binary's CLI flags for one generation request,
// including an output path the binary is expected to write its result to.
type ArgsBuilder func(req types.GenerationRequest, outPath string) []string

// OutputParser extracts the result from the process's stdout and/or the
// file at outPath once the process exits. exitErr is nil on a clean
// exit; some CLI tools overwrite a noisy nonzero exit code when the
// output file is nonetheless present (spec §6), so parsers receive both.
type OutputParser func(outPath string, stdout []string, exitErr error) (types.GenerationResult, error)

// Config wires a Worker to the binary and protocol it drives.
type Config struct {
	Variant       types.ServerVariant
	BinDir        string
	Resolve       BinaryResolver
	BuildArgs     ArgsBuilder
	ParseOutput   OutputParser
	ProgressRegex *regexp.Regexp
	TempDir       string
}

var backendFallbackOrder = []types.ComputeBackend{
	types.BackendCUDA, types.BackendMetal, types.BackendCPU,
}

// Worker is the stateless one-shot executor.
type Worker struct {
	cfg     Config
	tracker *tracker.Tracker
	bus     *events.Broker
}

// New creates a one-shot Worker.
func New(cfg Config, tr *tracker.Tracker, bus *events.Broker) *Worker {
	return &Worker{cfg: cfg, tracker: tr, bus: bus}
}

// Generate spawns a fresh process for req, streams its stdout (emitting
// progress events), awaits exit, parses the result, and returns it.
// Cancelling ctx kills the OS process via the Process Tracker and
// returns an Aborted error.
func (w *Worker) Generate(ctx context.Context, req types.GenerationRequest) (types.GenerationResult, error) {
	logger := log.WithJobID(req.JobID).With().Str("component", "oneshot").Logger()

	backend, exePath, ok := w.resolveBackend(req)
	if !ok {
		return types.GenerationResult{}, leaxerr.New(leaxerr.NotAvailable, "no one-shot binary for any backend")
	}

	outPath, cleanup, err := materializeOutputPath(w.cfg.TempDir, req.JobID, req.NodeID)
	if err != nil {
		return types.GenerationResult{}, leaxerr.Wrap(leaxerr.SpawnFailed, "failed to create output path", err)
	}
	defer cleanup()

	args := w.cfg.BuildArgs(req, outPath)
	h, pid, err := launcher.Spawn(exePath, args, launcher.Options{BinDir: w.cfg.BinDir})
	if err != nil {
		return types.GenerationResult{}, leaxerr.Wrap(leaxerr.SpawnFailed, "failed to spawn one-shot worker", err)
	}
	defer h.Close()

	logger.Info().Str("backend", string(backend)).Int("os_pid", pid).Msg("one-shot process spawned")

	ownerDone := make(chan struct{})
	w.tracker.Register(pid, fmt.Sprintf("%s-oneshot", w.cfg.Variant), 0, ownerDone)
	defer close(ownerDone)

	var stdout []string
	linesCh := make(chan string, 64)
	go func() {
		scanner := h.Lines()
		for scanner.Scan() {
			linesCh <- scanner.Text()
		}
		close(linesCh)
	}()

	for {
		select {
		case line, more := <-linesCh:
			if !more {
				linesCh = nil
				continue
			}
			stdout = append(stdout, line)
			w.publishProgress(req, line)

		case exitErr := <-h.Exit():
			if linesCh != nil {
				for line := range linesCh {
					stdout = append(stdout, line)
				}
			}
			return w.cfg.ParseOutput(outPath, stdout, exitErr)

		case <-ctx.Done():
			w.tracker.Kill(pid)
			return types.GenerationResult{}, leaxerr.New(leaxerr.Aborted, "aborted by user")
		}
	}
}

func (w *Worker) resolveBackend(req types.GenerationRequest) (types.ComputeBackend, string, bool) {
	if exe, ok := w.cfg.Resolve(types.BackendCPU); ok {
		return types.BackendCPU, exe, true
	}
	for _, b := range backendFallbackOrder {
		if exe, ok := w.cfg.Resolve(b); ok {
			return b, exe, true
		}
	}
	return "", "", false
}

func (w *Worker) publishProgress(req types.GenerationRequest, line string) {
	if w.cfg.ProgressRegex == nil {
		return
	}
	match := w.cfg.ProgressRegex.FindStringSubmatch(line)
	if match == nil {
		return
	}
	var current, total int
	fmt.Sscanf(match[1], "%d", &current)
	fmt.Sscanf(match[2], "%d", &total)
	percentage := 0.0
	if total > 0 {
		percentage = float64(current) / float64(total) * 100
	}
	w.bus.Publish(types.TopicGenerationProgress, modelserver.ProgressEvent{
		JobID: req.JobID, NodeID: req.NodeID,
		Current: current, Total: total, Percentage: percentage,
		Phase: "inference",
	})
}

func materializeOutputPath(dir, jobID, nodeID string) (string, func(), error) {
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, fmt.Sprintf("leaxer-%s-%s-*.out", jobID, nodeID))
	if err != nil {
		return "", func() {}, err
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	return path, func() { os.Remove(path) }, nil
}
