//go:build windows

package launcher

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/leaxer-ai/leaxer/pkg/log"
)

// cudaDLLCandidates are logged, not required; their absence only means
// GPU acceleration is unavailable, not that the server cannot start.
var cudaDLLCandidates = []string{"cudart64_12.dll", "cublas64_12.dll", "cudnn64_9.dll"}

// configurePlatform ensures the working directory is set before the
// process is created, since DLL resolution happens during CreateProcess
// and Go's exec package sequences cmd.Dir ahead of the underlying call.
func configurePlatform(cmd *exec.Cmd) {
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(cmd.Path)
	}
}

// preflight verifies llama.dll is present in binDir (fatal if absent)
// and logs whether CUDA DLLs are present (diagnostic only).
func preflight(binDir string) error {
	if binDir == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(binDir, "llama.dll")); err != nil {
		return err
	}
	logger := log.WithComponent("launcher")
	for _, dll := range cudaDLLCandidates {
		if _, err := os.Stat(filepath.Join(binDir, dll)); err == nil {
			logger.Info().Str("dll", dll).Msg("cuda runtime dll present")
		}
	}
	return nil
}
