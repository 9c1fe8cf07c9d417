package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/leaxer-ai/leaxer/pkg/config"
	"github.com/leaxer-ai/leaxer/pkg/controlplane"
	"github.com/leaxer-ai/leaxer/pkg/events"
	"github.com/leaxer-ai/leaxer/pkg/execstate"
	"github.com/leaxer-ai/leaxer/pkg/graph"
	"github.com/leaxer-ai/leaxer/pkg/log"
	"github.com/leaxer-ai/leaxer/pkg/metrics"
	"github.com/leaxer-ai/leaxer/pkg/modelserver"
	"github.com/leaxer-ai/leaxer/pkg/nodes"
	"github.com/leaxer-ai/leaxer/pkg/oneshot"
	"github.com/leaxer-ai/leaxer/pkg/queue"
	"github.com/leaxer-ai/leaxer/pkg/storage"
	"github.com/leaxer-ai/leaxer/pkg/tracker"
	"github.com/leaxer-ai/leaxer/pkg/types"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the execution substrate (job queue, model servers, process tracker)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file overlaying the defaults")
	serveCmd.Flags().String("image-binary", "sd-server", "Image model server binary name (resolved via PATH)")
	serveCmd.Flags().String("text-binary", "llama-server", "Text model server binary name (resolved via PATH)")
	serveCmd.Flags().String("video-binary", "sd-server-video", "One-shot video generation binary name (resolved via PATH)")
	serveCmd.Flags().String("bin-dir", "", "Directory holding server binaries and their shared libraries")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("serve")

	dataDir, _ := cmd.Flags().GetString("data-dir")
	socketPath, _ := cmd.Flags().GetString("socket")
	configPath, _ := cmd.Flags().GetString("config")
	imageBinary, _ := cmd.Flags().GetString("image-binary")
	textBinary, _ := cmd.Flags().GetString("text-binary")
	videoBinary, _ := cmd.Flags().GetString("video-binary")
	binDir, _ := cmd.Flags().GetString("bin-dir")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	proc := tracker.New(cfg.HealthCheckInterval())
	proc.Start()

	bus := events.NewBroker()
	bus.Start()

	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	logBroadcaster := events.NewLogBroadcaster(bus, cfg.Log.RingSize, cfg.LogBatchInterval())
	logBroadcaster.Start()
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON}, logBroadcaster)

	videoWorker := oneshot.New(oneshot.DefaultVideoConfig(binDir, videoBinary, filepath.Join(dataDir, "tmp")), proc, bus)
	imageOneShotWorker := oneshot.New(oneshot.DefaultImageOneShotConfig(binDir, imageBinary, filepath.Join(dataDir, "tmp")), proc, bus)
	textOneShotWorker := oneshot.New(oneshot.DefaultTextOneShotConfig(binDir, textBinary, filepath.Join(dataDir, "tmp")), proc, bus)

	imageMgr := modelserver.New(modelserver.DefaultImageConfig(cfg.Server.ListenPortImage, binDir, imageBinary, imageOneShotWorker), proc, bus)
	textMgr := modelserver.New(modelserver.DefaultTextConfig(cfg.Server.ListenPortText, binDir, textBinary, textOneShotWorker), proc, bus)

	execState := execstate.New()
	registry := nodes.NewRegistry(nodes.Servers{Image: imageMgr, Text: textMgr, VideoWorker: videoWorker})
	runtime := graph.New(registry, execState, bus)

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}

	q, err := queue.New(queue.Config{
		Store:     store,
		Bus:       bus,
		ExecState: execState,
		Runtime:   runtime,
		Servers:   []queue.Aborter{imageMgr, textMgr},
	})
	if err != nil {
		return err
	}
	q.Start()

	stopIdleWatch := watchIdleServers(cfg, imageMgr, textMgr)

	metricsSrv := startMetricsServer(cfg.Server.MetricsPort)

	cp, err := controlplane.Listen(socketPath, q, bus)
	if err != nil {
		return err
	}
	go cp.Serve()

	logger.Info().Str("socket", socketPath).Str("data_dir", dataDir).Msg("leaxer serve started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")

	close(stopIdleWatch)
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	cp.Close()
	q.Stop()
	runtime.Abort()
	imageMgr.Abort()
	textMgr.Abort()
	proc.Stop()
	logBroadcaster.Stop()
	bus.Stop()
	store.Close()

	return nil
}

// startMetricsServer binds pkg/metrics.Handler() to /metrics on port,
// grounded on the teacher's boot sequence starting a metrics+health HTTP
// server alongside the main daemon loop. A zero port disables it.
func startMetricsServer(port int) *http.Server {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("serve").Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	return srv
}

// watchIdleServers enforces spec §9(c): a server whose current model was
// loaded under the "unload_after" caching strategy is stopped once it has
// sat idle past UnloadAfterIdle. Returns a channel whose close stops the
// watch loop.
func watchIdleServers(cfg *config.Config, servers ...*modelserver.Manager) chan struct{} {
	stop := make(chan struct{})
	idleAfter := cfg.UnloadAfterIdle()
	if idleAfter <= 0 {
		return stop
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, mgr := range servers {
					if mgr.State().CachingStrategy != types.CachingUnloadAfter {
						continue
					}
					if mgr.IdleFor() >= idleAfter {
						mgr.Abort()
					}
				}
			case <-stop:
				return
			}
		}
	}()

	return stop
}
