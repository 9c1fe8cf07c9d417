//go:build !windows

package launcher

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnReadsStdoutLineByLine(t *testing.T) {
	h, pid, err := Spawn("/bin/sh", []string{"-c", "echo one; echo two"}, Options{})
	require.NoError(t, err)
	require.Greater(t, pid, 0)
	defer h.Close()

	var lines []string
	scanner := h.Lines()
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	assert.Equal(t, []string{"one", "two"}, lines)

	select {
	case err := <-h.Exit():
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit")
	}
}

func TestSpawnReportsNonZeroExit(t *testing.T) {
	h, _, err := Spawn("/bin/sh", []string{"-c", "exit 7"}, Options{})
	require.NoError(t, err)
	defer h.Close()

	for h.Lines().Scan() {
	}

	select {
	case err := <-h.Exit():
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit")
	}
}

func TestSpawnInvalidExecutableReturnsError(t *testing.T) {
	_, _, err := Spawn("/no/such/executable", nil, Options{})
	assert.Error(t, err)
}

func TestMergedEnvPrependsLibraryPath(t *testing.T) {
	env := mergedEnv([]string{"FOO=bar"}, "/opt/models")
	found := false
	foundLibPath := false
	for _, kv := range env {
		if kv == "GGML_BACKEND_DIR=/opt/models" {
			found = true
		}
		if strings.HasPrefix(kv, libraryPathVar()+"=/opt/models") {
			foundLibPath = true
		}
	}
	assert.True(t, found)
	assert.True(t, foundLibPath)
}
