package oneshot

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"

	"github.com/leaxer-ai/leaxer/pkg/types"
)

// resolveImageBinary looks up binaryName on PATH, ignoring backend; the
// sd-server family's one-shot CLI mode ships in the same binary as its
// server mode, selecting its compute backend via build flags.
func resolveImageBinary(binaryName string) BinaryResolver {
	return func(backend types.ComputeBackend) (string, bool) {
		path, err := exec.LookPath(binaryName)
		if err != nil {
			return "", false
		}
		return path, true
	}
}

// ImageOneShotProgressRegex matches the sd-server family's step-count
// progress lines, e.g. "|====>   | 5/20".
var ImageOneShotProgressRegex = regexp.MustCompile(`\|[=>\s]+\|\s*(\d+)/(\d+)`)

// BuildImageOneShotArgs renders the sd-server family's CLI flags for a
// single txt2img/img2img invocation, writing its result to outPath.
func BuildImageOneShotArgs(req types.GenerationRequest, outPath string) []string {
	args := []string{"--model", req.Model, "--prompt", req.Prompt, "--output", outPath}
	if req.NegativePrompt != "" {
		args = append(args, "--negative-prompt", req.NegativePrompt)
	}
	if req.Width > 0 {
		args = append(args, "--width", fmt.Sprintf("%d", req.Width))
	}
	if req.Height > 0 {
		args = append(args, "--height", fmt.Sprintf("%d", req.Height))
	}
	if req.Steps > 0 {
		args = append(args, "--steps", fmt.Sprintf("%d", req.Steps))
	}
	if req.Seed >= 0 {
		args = append(args, "--seed", fmt.Sprintf("%d", req.Seed))
	}
	return args
}

// ParseImageOneShotOutput reads the rendered image file once the process
// exits. A present output file wins over a nonzero exit code, per spec
// §6.
func ParseImageOneShotOutput(outPath string, stdout []string, exitErr error) (types.GenerationResult, error) {
	data, err := os.ReadFile(outPath)
	if err == nil {
		return types.GenerationResult{Images: [][]byte{data}}, nil
	}
	if exitErr != nil {
		return types.GenerationResult{}, exitErr
	}
	return types.GenerationResult{}, fmt.Errorf("one-shot image worker produced no output file")
}

// DefaultImageOneShotConfig wires a one-shot Worker's Config for the
// image-server fallback path (spec §4.3's MUST: no server binary for
// any backend delegates here, not to an error).
func DefaultImageOneShotConfig(binDir, binaryName, tempDir string) Config {
	return Config{
		Variant:       types.VariantImage,
		BinDir:        binDir,
		Resolve:       resolveImageBinary(binaryName),
		BuildArgs:     BuildImageOneShotArgs,
		ParseOutput:   ParseImageOneShotOutput,
		ProgressRegex: ImageOneShotProgressRegex,
		TempDir:       tempDir,
	}
}
