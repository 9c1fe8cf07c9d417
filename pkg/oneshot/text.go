package oneshot

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/leaxer-ai/leaxer/pkg/types"
)

// resolveTextBinary looks up binaryName on PATH, ignoring backend; same
// rationale as resolveImageBinary.
func resolveTextBinary(binaryName string) BinaryResolver {
	return func(backend types.ComputeBackend) (string, bool) {
		path, err := exec.LookPath(binaryName)
		if err != nil {
			return "", false
		}
		return path, true
	}
}

// TextOneShotProgressRegex matches llama.cpp-family token-count progress
// lines, e.g. "[12/256]".
var TextOneShotProgressRegex = regexp.MustCompile(`\[(\d+)/(\d+)\]`)

// BuildTextOneShotArgs renders the llama.cpp-family CLI flags for a
// single completion. outPath is unused: llama.cpp's one-shot CLI mode
// writes its completion to stdout rather than a file.
func BuildTextOneShotArgs(req types.GenerationRequest, outPath string) []string {
	args := []string{"--model", req.Model, "--prompt", req.Prompt}
	if req.Steps > 0 {
		args = append(args, "-n", fmt.Sprintf("%d", req.Steps))
	}
	return args
}

// ParseTextOneShotOutput joins the process's stdout lines into the
// completion text. A nonzero exit with no captured output is still an
// error; llama.cpp's one-shot mode has no output-file precedence rule
// to apply (unlike image/video, spec §6's exit-code override is
// file-presence specific).
func ParseTextOneShotOutput(outPath string, stdout []string, exitErr error) (types.GenerationResult, error) {
	text := strings.Join(stdout, "\n")
	if text != "" {
		return types.GenerationResult{Text: text}, nil
	}
	if exitErr != nil {
		return types.GenerationResult{}, exitErr
	}
	return types.GenerationResult{}, fmt.Errorf("one-shot text worker produced no output")
}

// DefaultTextOneShotConfig wires a one-shot Worker's Config for the text
// server's fallback path; see DefaultImageOneShotConfig.
func DefaultTextOneShotConfig(binDir, binaryName, tempDir string) Config {
	return Config{
		Variant:       types.VariantText,
		BinDir:        binDir,
		Resolve:       resolveTextBinary(binaryName),
		BuildArgs:     BuildTextOneShotArgs,
		ParseOutput:   ParseTextOneShotOutput,
		ProgressRegex: TextOneShotProgressRegex,
		TempDir:       tempDir,
	}
}
