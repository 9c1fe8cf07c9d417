package oneshot

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"

	"github.com/leaxer-ai/leaxer/pkg/types"
)

// resolveBinary looks up binaryName on PATH, ignoring backend; one-shot
// video tools ship a single binary per install.
func resolveBinary(binaryName string) BinaryResolver {
	return func(backend types.ComputeBackend) (string, bool) {
		path, err := exec.LookPath(binaryName)
		if err != nil {
			return "", false
		}
		return path, true
	}
}

// VideoProgressRegex matches frame-count progress lines CLI video tools
// commonly emit, e.g. "frame 12/30".
var VideoProgressRegex = regexp.MustCompile(`frame\s*(\d+)/(\d+)`)

// BuildVideoArgs renders a one-shot video binary's CLI flags: model,
// prompt, and the output path the binary is expected to write to.
func BuildVideoArgs(req types.GenerationRequest, outPath string) []string {
	args := []string{"--model", req.Model, "--prompt", req.Prompt, "--output", outPath}
	if req.Width > 0 {
		args = append(args, "--width", fmt.Sprintf("%d", req.Width))
	}
	if req.Height > 0 {
		args = append(args, "--height", fmt.Sprintf("%d", req.Height))
	}
	if req.Steps > 0 {
		args = append(args, "--steps", fmt.Sprintf("%d", req.Steps))
	}
	return args
}

// ParseVideoOutput reads outPath once the process exits. A present output
// file wins over a nonzero exit code (spec §6: some CLI tools report a
// noisy nonzero exit despite writing valid output).
func ParseVideoOutput(outPath string, stdout []string, exitErr error) (types.GenerationResult, error) {
	if _, statErr := os.Stat(outPath); statErr == nil {
		return types.GenerationResult{OutPath: outPath}, nil
	}
	if exitErr != nil {
		return types.GenerationResult{}, exitErr
	}
	return types.GenerationResult{}, fmt.Errorf("one-shot video worker produced no output file")
}

// DefaultVideoConfig wires a one-shot Worker's Config for video
// generation, the mode spec.md §4.3 says MUST route to this path rather
// than a resident server.
func DefaultVideoConfig(binDir, binaryName, tempDir string) Config {
	return Config{
		Variant:       types.ServerVariant("video"),
		BinDir:        binDir,
		Resolve:       resolveBinary(binaryName),
		BuildArgs:     BuildVideoArgs,
		ParseOutput:   ParseVideoOutput,
		ProgressRegex: VideoProgressRegex,
		TempDir:       tempDir,
	}
}
