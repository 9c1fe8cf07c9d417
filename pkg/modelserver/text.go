package modelserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/leaxer-ai/leaxer/pkg/types"
)

// TextBannerPatterns matches the llama.cpp-family listening banners
// (spec §6: "listening on" or "server is listening").
var TextBannerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)listening on`),
	regexp.MustCompile(`(?i)server is listening`),
}

// textRequestBody mirrors the OpenAI-compatible completions body.
type textRequestBody struct {
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Stop        string  `json:"stop,omitempty"`
}

// DispatchTextRequest POSTs to /v1/completions and returns the first
// choice's text.
func DispatchTextRequest(ctx context.Context, port int, req types.GenerationRequest) (types.GenerationResult, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/v1/completions", port)

	body := textRequestBody{
		Prompt:    req.Prompt,
		TopP:      req.Guidance,
		MaxTokens: req.Steps,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return types.GenerationResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, 300*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return types.GenerationResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return types.GenerationResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.GenerationResult{}, fmt.Errorf("text server returned HTTP %d", resp.StatusCode)
	}

	var decoded struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return types.GenerationResult{}, err
	}
	if len(decoded.Choices) == 0 {
		return types.GenerationResult{}, fmt.Errorf("text server returned no choices")
	}
	return types.GenerationResult{Text: decoded.Choices[0].Text}, nil
}

// TextHealthURL is the liveness probe endpoint for the text server.
func TextHealthURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", port)
}

// BuildTextArgs renders the llama.cpp-family CLI flags for model and
// context size; llama.cpp has no StartupParams-equivalent restart knobs,
// so params is unused beyond the shared ArgsBuilder signature.
func BuildTextArgs(model string, params types.StartupParams, port int) []string {
	return []string{"--model", model, "--port", fmt.Sprintf("%d", port), "--ctx-size", "8192"}
}

// DefaultTextConfig wires a text-variant Manager's Config; see
// DefaultImageConfig.
func DefaultTextConfig(listenPort int, binDir, binaryName string, oneShot OneShotFallback) Config {
	return Config{
		Variant:         types.VariantText,
		ListenPort:      listenPort,
		BinDir:          binDir,
		Resolve:         ResolveBackendBinary(binaryName),
		BuildArgs:       BuildTextArgs,
		ProgressRegex:   TextProgressRegex,
		BannerPatterns:  TextBannerPatterns,
		HealthURL:       TextHealthURL,
		DispatchRequest: DispatchTextRequest,
		OneShot:         oneShot,
	}
}
