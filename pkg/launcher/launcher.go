// Package launcher implements the Native Launcher (spec §4.2): it spawns
// an external executable with environment and working directory
// configured so dynamic library search succeeds on the current
// platform, without any container runtime involved. Grounded on the
// provisr process supervisor's ConfigureCmd (other_examples) for the
// exec.Cmd configuration shape, adapted here to the library-path
// injection contract Leaxer's spec requires instead of provisr's
// logging-writer wiring.
package launcher

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Options configures a Spawn call.
type Options struct {
	// BinDir holds the native server binary and its shared libraries.
	BinDir string
	// Env holds additional KEY=VALUE pairs appended after the inherited
	// environment and the platform library-path variables, so an entry
	// here overrides either.
	Env []string
	// Dir is the process working directory.
	Dir string
}

// Handle is a running process: line-oriented stdout, an exit
// notification, and OS PID query.
type Handle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	exitCh chan error
}

// Spawn starts exePath with args and the platform library-search
// environment configured per spec §4.2. Process-creation errors are
// returned verbatim; the launcher never retries.
func Spawn(exePath string, args []string, opts Options) (*Handle, int, error) {
	if err := preflight(opts.BinDir); err != nil {
		return nil, 0, err
	}

	cmd := exec.Command(exePath, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Env = mergedEnv(opts.Env, opts.BinDir)
	configurePlatform(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, 0, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, 0, err
	}

	h := &Handle{
		cmd:    cmd,
		stdout: stdout,
		exitCh: make(chan error, 1),
	}
	go func() {
		h.exitCh <- cmd.Wait()
	}()

	return h, cmd.Process.Pid, nil
}

// mergedEnv prepends binDir to the platform's library-search variable
// (LD_LIBRARY_PATH/DYLD_LIBRARY_PATH/PATH) and sets GGML_BACKEND_DIR,
// then appends the caller's extra env on top of the inherited
// environment, per spec §4.2's per-platform contract.
func mergedEnv(extra []string, binDir string) []string {
	env := os.Environ()
	if binDir != "" {
		varName := libraryPathVar()
		env = append(env, varName+"="+joinPath(binDir, os.Getenv(varName)), "GGML_BACKEND_DIR="+binDir)
	}
	return append(env, extra...)
}

func libraryPathVar() string {
	switch runtime.GOOS {
	case "darwin":
		return "DYLD_LIBRARY_PATH"
	case "windows":
		return "PATH"
	default:
		return "LD_LIBRARY_PATH"
	}
}

// Lines returns a scanner over the handle's combined stdout/stderr,
// split line by line as spec §4.2 requires for progress parsing.
func (h *Handle) Lines() *bufio.Scanner {
	return bufio.NewScanner(h.stdout)
}

// Exit returns a channel that receives the process's exit error (nil on
// clean exit) exactly once.
func (h *Handle) Exit() <-chan error {
	return h.exitCh
}

// PID returns the OS process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Close releases the stdout pipe. It does not kill the process; callers
// own termination via pkg/tracker.
func (h *Handle) Close() error {
	return h.stdout.Close()
}

func joinPath(parts ...string) string {
	nonEmpty := parts[:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, string(os.PathListSeparator))
}
