package modelserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leaxer-ai/leaxer/pkg/events"
	"github.com/leaxer-ai/leaxer/pkg/tracker"
	"github.com/leaxer-ai/leaxer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func newTestManager(t *testing.T, scriptArgs []string, healthSrv *httptest.Server) (*Manager, *tracker.Tracker, *events.Broker) {
	t.Helper()
	tr := tracker.New(time.Hour)
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	cfg := Config{
		Variant:        types.VariantImage,
		ListenPort:     freePort(t),
		BannerPatterns: ImageBannerPatterns,
		ProgressRegex:  ImageProgressRegex,
		Resolve: func(backend types.ComputeBackend) (string, bool) {
			return "/bin/sh", true
		},
		BuildArgs: func(model string, params types.StartupParams, port int) []string {
			return scriptArgs
		},
		HealthURL: func(port int) string {
			return healthSrv.URL
		},
		DispatchRequest: func(ctx context.Context, port int, req types.GenerationRequest) (types.GenerationResult, error) {
			return types.GenerationResult{Text: "ok"}, nil
		},
	}
	return New(cfg, tr, bus), tr, bus
}

func TestReadinessViaBanner(t *testing.T) {
	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable) // probe never succeeds; banner must win
	}))
	defer healthSrv.Close()

	script := []string{"-c", "echo 'server is listening on http://127.0.0.1:8080'; sleep 5"}
	m, _, _ := newTestManager(t, script, healthSrv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := m.Generate(ctx, types.GenerationRequest{Model: "m1", Seed: -1})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, types.PhaseReady, m.State().Phase)
}

func TestStartupParamChangeForcesRestart(t *testing.T) {
	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthSrv.Close()

	script := []string{"-c", "echo 'listening on'; sleep 5"}
	m, _, _ := newTestManager(t, script, healthSrv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.Generate(ctx, types.GenerationRequest{Model: "m1"})
	require.NoError(t, err)
	firstPID := m.State().OSPID

	_, err = m.Generate(ctx, types.GenerationRequest{
		Model:         "m1",
		StartupParams: types.StartupParams{VAEPath: "foo.safetensors"},
	})
	require.NoError(t, err)

	secondState := m.State()
	assert.NotEqual(t, firstPID, secondState.OSPID)
	assert.Equal(t, "foo.safetensors", secondState.StartupParams.VAEPath)
}

func TestAbortKillsProcessAndResetsToIdle(t *testing.T) {
	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthSrv.Close()

	script := []string{"-c", "echo 'listening on'; sleep 5"}
	m, _, _ := newTestManager(t, script, healthSrv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.Generate(ctx, types.GenerationRequest{Model: "m1"})
	require.NoError(t, err)

	m.Abort()

	require.Eventually(t, func() bool {
		return m.State().Phase == types.PhaseIdle
	}, time.Second, 10*time.Millisecond)
}

func TestCrashFailsPendingRequests(t *testing.T) {
	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer healthSrv.Close()

	script := []string{"-c", "exit 3"}
	m, _, _ := newTestManager(t, script, healthSrv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.Generate(ctx, types.GenerationRequest{Model: "m1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crashed")
}

func TestGenerateRecordsRequestedBackendAndCachingStrategy(t *testing.T) {
	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthSrv.Close()

	script := []string{"-c", "echo 'listening on'; sleep 5"}
	m, _, _ := newTestManager(t, script, healthSrv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.Generate(ctx, types.GenerationRequest{
		Model:                "m1",
		ComputeBackend:       types.BackendCUDA,
		ModelCachingStrategy: types.CachingUnloadAfter,
	})
	require.NoError(t, err)

	assert.Equal(t, types.CachingUnloadAfter, m.State().CachingStrategy)
}

func TestRequestedBackendDefaultsToCPU(t *testing.T) {
	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthSrv.Close()

	m, _, _ := newTestManager(t, []string{"-c", "true"}, healthSrv)
	assert.Equal(t, types.BackendCPU, m.requestedBackend())
}

type stubOneShot struct {
	result types.GenerationResult
	err    error
	called types.GenerationRequest
}

func (s *stubOneShot) Generate(ctx context.Context, req types.GenerationRequest) (types.GenerationResult, error) {
	s.called = req
	return s.result, s.err
}

func TestGenerateDelegatesToOneShotWhenNoBackendBinary(t *testing.T) {
	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthSrv.Close()

	oneShot := &stubOneShot{result: types.GenerationResult{Text: "from one-shot"}}
	tr := tracker.New(time.Hour)
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	cfg := Config{
		Variant:    types.VariantImage,
		ListenPort: freePort(t),
		Resolve: func(backend types.ComputeBackend) (string, bool) {
			return "", false
		},
		HealthURL: func(port int) string { return healthSrv.URL },
		OneShot:   oneShot,
	}
	m := New(cfg, tr, bus)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := m.Generate(ctx, types.GenerationRequest{Model: "m1", Prompt: "a cat"})
	require.NoError(t, err)
	assert.Equal(t, "from one-shot", result.Text)
	assert.Equal(t, "a cat", oneShot.called.Prompt)
	assert.Equal(t, types.PhaseIdle, m.State().Phase, "delegating to the one-shot worker must not spawn a server")
}

func TestProgressLineIsPublished(t *testing.T) {
	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer healthSrv.Close()

	script := []string{"-c", fmt.Sprintf("echo 'server is listening'; echo '%s'; sleep 5", "|=====>   | 5/20")}
	m, _, bus := newTestManager(t, script, healthSrv)

	sub := bus.Subscribe(types.TopicGenerationProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.Generate(ctx, types.GenerationRequest{Model: "m1"})
	require.NoError(t, err)

	select {
	case v := <-sub.C():
		evt, ok := v.(ProgressEvent)
		require.True(t, ok)
		assert.Equal(t, 5, evt.Current)
		assert.Equal(t, 20, evt.Total)
		assert.Equal(t, "inference", evt.Phase)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for progress event")
	}
}
