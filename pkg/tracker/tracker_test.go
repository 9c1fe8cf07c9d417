package tracker

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLookupUnregister(t *testing.T) {
	tr := New(time.Hour)

	pid := os.Getpid()
	tr.Register(pid, "test-server", 9999, nil)

	info, ok := tr.Lookup(pid)
	require.True(t, ok)
	assert.Equal(t, "test-server", info.Label)
	assert.Equal(t, 9999, info.Port)

	foundPID, ok := tr.FindByPort(9999)
	require.True(t, ok)
	assert.Equal(t, pid, foundPID)

	tr.Unregister(pid)
	_, ok = tr.Lookup(pid)
	assert.False(t, ok)
	_, ok = tr.FindByPort(9999)
	assert.False(t, ok)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	tr := New(time.Hour)
	tr.Unregister(12345)
	tr.Unregister(12345)
}

func TestReRegisterSamePIDOverwrites(t *testing.T) {
	tr := New(time.Hour)
	pid := os.Getpid()

	tr.Register(pid, "first", 1111, nil)
	tr.Register(pid, "second", 2222, nil)

	info, ok := tr.Lookup(pid)
	require.True(t, ok)
	assert.Equal(t, "second", info.Label)

	_, ok = tr.FindByPort(1111)
	assert.False(t, ok)
	foundPID, ok := tr.FindByPort(2222)
	require.True(t, ok)
	assert.Equal(t, pid, foundPID)
}

func TestHealthCheckKeepsLiveProcess(t *testing.T) {
	tr := New(time.Hour)
	pid := os.Getpid()
	tr.Register(pid, "alive", 0, nil)

	tr.healthCheck()

	_, ok := tr.Lookup(pid)
	assert.True(t, ok)
}

func TestHealthCheckReapsDeadProcess(t *testing.T) {
	tr := New(time.Hour)
	// A PID astronomically unlikely to be alive on any test host.
	deadPID := 1 << 30
	tr.Register(deadPID, "dead", 0, nil)

	tr.healthCheck()

	_, ok := tr.Lookup(deadPID)
	assert.False(t, ok)
}

func TestOwnerDeathUnregisters(t *testing.T) {
	tr := New(time.Hour)
	// Use a PID unlikely to correspond to a real process so the reaping
	// kill signal this path sends is harmless.
	pid := 1 << 29
	ownerDone := make(chan struct{})

	tr.Register(pid, "owned", 0, ownerDone)
	close(ownerDone)

	require.Eventually(t, func() bool {
		_, ok := tr.Lookup(pid)
		return !ok
	}, time.Second, 10*time.Millisecond)
}
