// Package modelserver implements the Model Server Manager (spec §4.3): a
// per-server singleton state machine (idle -> starting -> ready ->
// {stopping -> idle, crashed -> idle}) that owns a native inference
// process, parses its stdout for readiness banners and progress, and
// serializes generate requests against it. Grounded on the teacher's
// pkg/worker.Worker for the "single owning goroutine plus
// mutex-guarded map" composition shape, adapted from a gRPC/containerd
// task lifecycle to an HTTP-server-over-spawned-native-process
// lifecycle, and on pkg/health.HTTPChecker for readiness/liveness
// probing.
package modelserver

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/leaxer-ai/leaxer/pkg/events"
	"github.com/leaxer-ai/leaxer/pkg/health"
	"github.com/leaxer-ai/leaxer/pkg/launcher"
	"github.com/leaxer-ai/leaxer/pkg/leaxerr"
	"github.com/leaxer-ai/leaxer/pkg/log"
	"github.com/leaxer-ai/leaxer/pkg/metrics"
	"github.com/leaxer-ai/leaxer/pkg/tracker"
	"github.com/leaxer-ai/leaxer/pkg/types"
)

// Backend resolution order: requested backend first, then this
// fall-through order (spec §4.3).
var backendFallbackOrder = []types.ComputeBackend{
	types.BackendCUDA, types.BackendMetal, types.BackendCPU,
}

// BinaryResolver locates the executable for a backend, returning ok=false
// when no compatible binary is installed.
type BinaryResolver func(backend types.ComputeBackend) (exePath string, ok bool)

// ArgsBuilder renders the binary's CLI flags for a model and startup
// parameters.
type ArgsBuilder func(model string, params types.StartupParams, port int) []string

// OneShotFallback is delegated to when no server binary exists for any
// backend (spec §4.3's idempotent fall-back to §4.4).
type OneShotFallback interface {
	Generate(ctx context.Context, req types.GenerationRequest) (types.GenerationResult, error)
}

// Config wires a Manager to its variant-specific behavior.
type Config struct {
	Variant          types.ServerVariant
	ListenPort       int
	BinDir           string
	Resolve          BinaryResolver
	BuildArgs        ArgsBuilder
	ProgressRegex    *regexp.Regexp
	BannerPatterns   []*regexp.Regexp
	HealthURL        func(port int) string
	DispatchRequest  func(ctx context.Context, port int, req types.GenerationRequest) (types.GenerationResult, error)
	OneShot          OneShotFallback
	RestartOnBackend bool
}

type pendingRequest struct {
	req   types.GenerationRequest
	reply chan<- generateReply
}

type generateReply struct {
	result types.GenerationResult
	err    error
}

// Manager is the per-server-variant singleton state machine.
type Manager struct {
	cfg     Config
	tracker *tracker.Tracker
	bus     *events.Broker

	mu              sync.Mutex
	phase           types.ServerPhase
	currentModel    string
	startupParams   types.StartupParams
	backend         types.ComputeBackend
	osPID           int
	handle          *launcher.Handle
	startTime       time.Time
	lastActivity    time.Time
	pending         []pendingRequest
	inFlight        int
	generation      int // bumped on every stop, guards stale readiness/exit signals
	ownerDone       chan struct{}
	wantBackend     types.ComputeBackend
	cachingStrategy types.ModelCachingStrategy
	currentJobID    string
	currentNodeID   string
}

// New creates a Manager for one server variant.
func New(cfg Config, tr *tracker.Tracker, bus *events.Broker) *Manager {
	return &Manager{
		cfg:     cfg,
		tracker: tr,
		bus:     bus,
		phase:   types.PhaseIdle,
	}
}

// State returns a snapshot of the current server state.
func (m *Manager) State() types.ServerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.ServerState{
		Phase:           m.phase,
		OSPID:           m.osPID,
		CurrentModel:    m.currentModel,
		ComputeBackend:  m.backend,
		ListenPort:      m.cfg.ListenPort,
		StartupParams:   m.startupParams,
		StartTime:       m.startTime,
		CachingStrategy: m.cachingStrategy,
	}
}

// startupParamsOf extracts the comparable startup-parameter subset of a
// generation request.
func startupParamsOf(req types.GenerationRequest) types.StartupParams {
	return req.StartupParams
}

// Generate implements the request lifecycle of spec §4.3. It blocks
// until the request has a result or an error, or ctx is done: a ready
// server with the same model and startup params is dispatched to
// directly; otherwise the server is (re)started and the request waits as
// pending until the server becomes ready, crashes, or is aborted.
func (m *Manager) Generate(ctx context.Context, req types.GenerationRequest) (types.GenerationResult, error) {
	newParams := startupParamsOf(req)

	m.mu.Lock()
	sameServer := m.phase == types.PhaseReady && m.currentModel == req.Model && m.startupParams == newParams
	m.mu.Unlock()

	if sameServer {
		if m.probeHealthy(ctx) {
			return m.dispatchSync(ctx, req)
		}
	}

	m.mu.Lock()
	needsRestart := m.phase == types.PhaseReady
	m.mu.Unlock()
	if needsRestart {
		m.stop(leaxerr.New(leaxerr.Aborted, "restarting for new model or startup params"))
	}

	m.mu.Lock()
	if m.phase == types.PhaseIdle {
		m.wantBackend = req.ComputeBackend
		m.cachingStrategy = req.ModelCachingStrategy
		m.mu.Unlock()

		if _, _, ok := m.resolveBackend(); !ok && m.cfg.OneShot != nil {
			log.WithServerVariant(string(m.cfg.Variant)).Warn().Msg("no server binary for any backend, delegating to one-shot worker")
			return m.cfg.OneShot.Generate(ctx, req)
		}

		if err := m.start(req.Model, newParams); err != nil {
			return types.GenerationResult{}, err
		}
		m.mu.Lock()
	}

	replyCh := make(chan generateReply, 1)
	m.pending = append(m.pending, pendingRequest{req: req, reply: replyCh})
	m.mu.Unlock()

	select {
	case r := <-replyCh:
		return r.result, r.err
	case <-ctx.Done():
		return types.GenerationResult{}, ctx.Err()
	}
}

func (m *Manager) probeHealthy(ctx context.Context) bool {
	checker := health.NewHTTPChecker(m.cfg.HealthURL(m.cfg.ListenPort)).WithTimeout(15 * time.Second)
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return checker.Check(probeCtx).Healthy
}

// start transitions idle -> starting: kills any zombie on the
// listen port, resolves the backend binary (falling back cuda -> metal
// -> cpu), spawns via the Native Launcher, registers with the Process
// Tracker, and schedules the readiness probe.
func (m *Manager) start(model string, params types.StartupParams) error {
	logger := log.WithServerVariant(string(m.cfg.Variant))

	if pid, ok := m.tracker.FindByPort(m.cfg.ListenPort); ok {
		logger.Warn().Int("os_pid", pid).Msg("killing zombie on listen port before start")
		m.tracker.KillByPort(m.cfg.ListenPort)
	}

	backend, exePath, ok := m.resolveBackend()
	if !ok {
		return leaxerr.New(leaxerr.NotAvailable, "no server binary for any backend")
	}
	if backend != m.requestedBackend() {
		logger.Warn().Str("requested", string(m.requestedBackend())).Str("substituted", string(backend)).Msg("backend substitution")
	}

	args := m.cfg.BuildArgs(model, params, m.cfg.ListenPort)
	h, pid, err := launcher.Spawn(exePath, args, launcher.Options{BinDir: m.cfg.BinDir})
	if err != nil {
		return leaxerr.Wrap(leaxerr.SpawnFailed, "failed to spawn model server", err)
	}

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.phase = types.PhaseStarting
	m.currentModel = model
	m.startupParams = params
	m.backend = backend
	m.osPID = pid
	m.handle = h
	m.startTime = time.Now()
	m.ownerDone = make(chan struct{})
	ownerDone := m.ownerDone
	m.mu.Unlock()

	m.tracker.Register(pid, fmt.Sprintf("%s-server", m.cfg.Variant), m.cfg.ListenPort, ownerDone)
	metrics.ModelServerRestartsTotal.WithLabelValues(string(m.cfg.Variant)).Inc()

	go m.readStdout(gen, h)
	go m.awaitExit(gen, h, ownerDone)
	go m.pollReadiness(gen)

	return nil
}

// requestedBackend returns the compute backend the triggering workflow
// asked for, defaulting to CPU when the workflow left it unset.
func (m *Manager) requestedBackend() types.ComputeBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wantBackend == "" {
		return types.BackendCPU
	}
	return m.wantBackend
}

func (m *Manager) resolveBackend() (types.ComputeBackend, string, bool) {
	if exe, ok := m.cfg.Resolve(m.requestedBackend()); ok {
		return m.requestedBackend(), exe, true
	}
	for _, b := range backendFallbackOrder {
		if exe, ok := m.cfg.Resolve(b); ok {
			return b, exe, true
		}
	}
	return "", "", false
}

func (m *Manager) readStdout(gen int, h *launcher.Handle) {
	scanner := h.Lines()
	for scanner.Scan() {
		line := scanner.Text()
		m.handleLine(gen, line)
	}
}

func (m *Manager) handleLine(gen int, line string) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	starting := m.phase == types.PhaseStarting
	m.mu.Unlock()

	if starting {
		for _, pattern := range m.cfg.BannerPatterns {
			if pattern.MatchString(line) {
				m.becomeReady(gen)
				break
			}
		}
	}

	if m.cfg.ProgressRegex != nil {
		if match := m.cfg.ProgressRegex.FindStringSubmatch(line); match != nil {
			var current, total int
			fmt.Sscanf(match[1], "%d", &current)
			fmt.Sscanf(match[2], "%d", &total)
			m.publishProgress(current, total)
		}
	}
}

func (m *Manager) publishProgress(current, total int) {
	percentage := 0.0
	if total > 0 {
		percentage = float64(current) / float64(total) * 100
	}
	m.mu.Lock()
	jobID, nodeID := m.currentJobID, m.currentNodeID
	m.mu.Unlock()
	m.bus.Publish(types.TopicGenerationProgress, ProgressEvent{
		JobID: jobID, NodeID: nodeID,
		Current: current, Total: total, Percentage: percentage, Phase: phaseFor(total),
	})
}

func (m *Manager) pollReadiness(gen int) {
	deadline := time.Now().Add(120 * time.Second)
	softDeadline := time.Now().Add(30 * time.Second)
	interval := 2 * time.Second

	for time.Now().Before(deadline) {
		m.mu.Lock()
		stillStarting := m.phase == types.PhaseStarting && m.generation == gen
		port := m.cfg.ListenPort
		m.mu.Unlock()
		if !stillStarting {
			return
		}

		checker := health.NewHTTPChecker(m.cfg.HealthURL(port)).WithTimeout(2 * time.Second)
		if checker.Check(context.Background()).Healthy {
			m.becomeReady(gen)
			return
		}

		if time.Now().After(softDeadline) {
			interval = 5 * time.Second
		}
		time.Sleep(interval)
	}

	m.mu.Lock()
	timedOut := m.phase == types.PhaseStarting && m.generation == gen
	m.mu.Unlock()
	if timedOut {
		m.failAll(gen, leaxerr.New(leaxerr.StartupTimeout, "server did not become ready in 120s"))
		m.resetToIdle(gen)
	}
}

func (m *Manager) becomeReady(gen int) {
	m.mu.Lock()
	if gen != m.generation || m.phase != types.PhaseStarting {
		m.mu.Unlock()
		return
	}
	m.phase = types.PhaseReady
	m.lastActivity = time.Now()
	drained := m.pending
	m.pending = nil
	m.mu.Unlock()

	log.WithServerVariant(string(m.cfg.Variant)).Info().Msg("server ready")

	for _, p := range drained {
		go m.dispatchAsync(p)
	}

	go m.monitorLiveness(gen)
}

// livenessConfig governs the liveness poll loop: spec §4.3's "any ->
// crashed: ... HTTP probe fails twice" transition.
var livenessConfig = health.Config{
	Interval: 10 * time.Second,
	Timeout:  3 * time.Second,
	Retries:  2,
}

// monitorLiveness polls a ready server's health endpoint on an interval
// until it stops being gen's ready server. Two consecutive probe
// failures (tracked by health.Status) transition it to crashed,
// matching the "HTTP probe fails twice" rule.
func (m *Manager) monitorLiveness(gen int) {
	status := health.NewStatus()

	ticker := time.NewTicker(livenessConfig.Interval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		ready := m.phase == types.PhaseReady && m.generation == gen
		port := m.cfg.ListenPort
		m.mu.Unlock()
		if !ready {
			return
		}

		status.Update(m.probeLiveness(port), livenessConfig)

		if !status.Healthy {
			log.WithServerVariant(string(m.cfg.Variant)).Warn().Msg("liveness probe failed twice, treating server as crashed")
			m.stop(leaxerr.New(leaxerr.ServerCrashed, "liveness probe failed twice"))
			return
		}
	}
}

// probeLiveness dials the listen port before issuing the authoritative
// HTTP health check; see monitorLiveness.
func (m *Manager) probeLiveness(port int) health.Result {
	tcp := health.NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", port)).WithTimeout(2 * time.Second)
	if result := tcp.Check(context.Background()); !result.Healthy {
		return result
	}
	return health.NewHTTPChecker(m.cfg.HealthURL(port)).WithTimeout(livenessConfig.Timeout).Check(context.Background())
}

func (m *Manager) dispatchSync(ctx context.Context, req types.GenerationRequest) (types.GenerationResult, error) {
	m.mu.Lock()
	m.inFlight++
	m.currentJobID = req.JobID
	m.currentNodeID = req.NodeID
	port := m.cfg.ListenPort
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.lastActivity = time.Now()
		m.mu.Unlock()
	}()

	req = withRandomSeed(req)
	return m.cfg.DispatchRequest(ctx, port, req)
}

func (m *Manager) dispatchAsync(p pendingRequest) {
	ctx := context.Background()
	result, err := m.dispatchSync(ctx, p.req)
	p.reply <- generateReply{result: result, err: err}
}

func withRandomSeed(req types.GenerationRequest) types.GenerationRequest {
	if req.Seed == -1 {
		req.Seed = int64(rand.Int31())
	}
	return req
}

func (m *Manager) awaitExit(gen int, h *launcher.Handle, ownerDone chan struct{}) {
	err := <-h.Exit()
	close(ownerDone)

	m.mu.Lock()
	crashed := m.generation == gen && m.phase != types.PhaseStopping
	m.mu.Unlock()
	if !crashed {
		return
	}

	msg := "server exited"
	if err != nil {
		msg = fmt.Sprintf("Server crashed (exit code: %v)", err)
	}
	m.failAll(gen, leaxerr.New(leaxerr.ServerCrashed, msg))
	m.resetToIdle(gen)
}

func (m *Manager) failAll(gen int, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	drained := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, p := range drained {
		p.reply <- generateReply{err: err}
	}
}

func (m *Manager) resetToIdle(gen int) {
	m.mu.Lock()
	if gen == m.generation {
		m.phase = types.PhaseIdle
		m.currentModel = ""
		m.osPID = 0
		m.handle = nil
	}
	m.mu.Unlock()
}

// IdleFor reports how long the server has had zero in-flight requests
// while ready; zero while not ready or while a request is in flight.
// Used to drive the unload_after caching strategy (spec §9(c)).
func (m *Manager) IdleFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != types.PhaseReady || m.inFlight > 0 {
		return 0
	}
	return time.Since(m.lastActivity)
}

// Abort kills the OS process (image servers have no cancel endpoint) and
// resets to idle; pending requests receive "aborted by user". A request
// already dispatched to the process is not replied to by Abort; it ends
// with the HTTP error of the killed connection.
func (m *Manager) Abort() {
	m.stop(leaxerr.New(leaxerr.Aborted, "aborted by user"))
}

func (m *Manager) stop(err error) {
	m.mu.Lock()
	if m.phase == types.PhaseIdle {
		m.mu.Unlock()
		return
	}
	m.phase = types.PhaseStopping
	gen := m.generation
	port := m.cfg.ListenPort
	m.mu.Unlock()

	m.failAll(gen, err)
	m.tracker.KillByPort(port)
	m.resetToIdle(gen)
}
