package modelserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"regexp"
	"time"

	"github.com/leaxer-ai/leaxer/pkg/types"
)

// ImageBannerPatterns matches the sd-server family's listening banners
// across backends.
var ImageBannerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)listening on`),
	regexp.MustCompile(`(?i)server is listening`),
}

// imageRequestBody mirrors the A1111/Forge-compatible txt2img/img2img
// body (spec §4.3).
type imageRequestBody struct {
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt,omitempty"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	Steps             int      `json:"steps"`
	CFGScale          float64  `json:"cfg_scale"`
	Seed              int64    `json:"seed"`
	SamplerName       string   `json:"sampler_name,omitempty"`
	BatchSize         int      `json:"batch_size"`
	InitImages        []string `json:"init_images,omitempty"`
	DenoisingStrength float64  `json:"denoising_strength,omitempty"`
	Mask              string   `json:"mask,omitempty"`
	InpaintingFill    int      `json:"inpainting_fill,omitempty"`
	ResizeMode        int      `json:"resize_mode,omitempty"`
	MaskBlur          int      `json:"mask_blur,omitempty"`
	Scheduler         string   `json:"scheduler,omitempty"`
	Eta               float64  `json:"eta,omitempty"`
	Guidance          float64  `json:"guidance,omitempty"`
	ControlStrength   float64  `json:"control_strength,omitempty"`
	ControlImage      string   `json:"control_image,omitempty"`
	WeightType        string   `json:"weight_type,omitempty"`
	CacheMode         string   `json:"cache_mode,omitempty"`
	CachePreset       string   `json:"cache_preset,omitempty"`
	CacheThreshold    float64  `json:"cache_threshold,omitempty"`
	CacheWarmup       int      `json:"cache_warmup,omitempty"`
	CacheStartStep    int      `json:"cache_start_step,omitempty"`
	CacheEndStep      int      `json:"cache_end_step,omitempty"`
}

// BuildImageRequestBody renders req per spec §4.3's base/img2img fields.
func BuildImageRequestBody(req types.GenerationRequest) imageRequestBody {
	body := imageRequestBody{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		CFGScale:       req.CFGScale,
		Seed:           req.Seed,
		SamplerName:    req.SamplerName,
		BatchSize:      max(req.BatchSize, 1),
		Scheduler:      req.Scheduler,
		Eta:            req.Eta,
		Guidance:       req.Guidance,
		ControlStrength: req.ControlStrength,
		WeightType:      req.WeightType,
		CacheMode:       req.CacheMode,
		CachePreset:     req.CachePreset,
		CacheThreshold:  req.CacheThreshold,
		CacheWarmup:     req.CacheWarmup,
		CacheStartStep:  req.CacheStartStep,
		CacheEndStep:    req.CacheEndStep,
	}

	for _, img := range req.InitImages {
		body.InitImages = append(body.InitImages, base64.StdEncoding.EncodeToString(img))
	}
	if len(req.InitImages) > 0 {
		body.DenoisingStrength = req.DenoisingStrength
	}
	if req.Mask != nil {
		body.Mask = base64.StdEncoding.EncodeToString(req.Mask)
		body.InpaintingFill = 1
		body.ResizeMode = 1
		body.MaskBlur = 4
	}
	if req.ControlImage != nil {
		body.ControlImage = base64.StdEncoding.EncodeToString(req.ControlImage)
	}
	return body
}

// DispatchImageRequest POSTs to the img2img endpoint when init images are
// present, else txt2img, and decodes the base64 image payload.
func DispatchImageRequest(ctx context.Context, port int, req types.GenerationRequest) (types.GenerationResult, error) {
	path := "txt2img"
	if len(req.InitImages) > 0 {
		path = "img2img"
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/sdapi/v1/%s", port, path)

	body := BuildImageRequestBody(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return types.GenerationResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, 600*time.Second)
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
		return types.GenerationResult{}, fmt.Errorf("image server returned HTTP %d", resp.StatusCode)
	}

	var decoded struct {
		Images []string `json:"images"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return types.GenerationResult{}, err
	}

	result := types.GenerationResult{}
	for _, b64 := range decoded.Images {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return types.GenerationResult{}, err
		}
		result.Images = append(result.Images, data)
	}
	return result, nil
}

// ImageHealthURL is the liveness probe endpoint for the image server.
func ImageHealthURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/v1/models", port)
}

// BuildImageArgs renders the sd-server family's CLI flags for model and
// the subset of params that force a restart when changed (spec §3
// StartupParams).
func BuildImageArgs(model string, params types.StartupParams, port int) []string {
	args := []string{"--model", model, "--port", fmt.Sprintf("%d", port), "--listen"}
	if params.VAEPath != "" {
		args = append(args, "--vae", params.VAEPath)
	}
	if params.TilingEnabled {
		args = append(args, "--vae-tiling")
	}
	if params.ClipLPath != "" {
		args = append(args, "--clip_l", params.ClipLPath)
	}
	if params.ClipGPath != "" {
		args = append(args, "--clip_g", params.ClipGPath)
	}
	if params.T5Path != "" {
		args = append(args, "--t5xxl", params.T5Path)
	}
	if params.ControlNetPath != "" {
		args = append(args, "--control-net", params.ControlNetPath)
	}
	if params.PhotoMakerDir != "" {
		args = append(args, "--photo-maker", params.PhotoMakerDir)
	}
	if params.TAESDPath != "" {
		args = append(args, "--taesd", params.TAESDPath)
	}
	if params.CPUOffloadVAE {
		args = append(args, "--vae-on-cpu")
	}
	if params.CPUOffloadCLIP {
		args = append(args, "--clip-on-cpu")
	}
	if params.CPUOffloadUNet {
		args = append(args, "--diffusion-fa")
	}
	return args
}

// DefaultImageConfig wires an image-variant Manager's Config from the
// pieces cmd/leaxer supplies at startup: the binary to spawn, where its
// shared libraries live, and what to fall back to when no binary is
// installed for any backend.
func DefaultImageConfig(listenPort int, binDir, binaryName string, oneShot OneShotFallback) Config {
	return Config{
		Variant:         types.VariantImage,
		ListenPort:      listenPort,
		BinDir:          binDir,
		Resolve:         ResolveBackendBinary(binaryName),
		BuildArgs:       BuildImageArgs,
		ProgressRegex:   ImageProgressRegex,
		BannerPatterns:  ImageBannerPatterns,
		HealthURL:       ImageHealthURL,
		DispatchRequest: DispatchImageRequest,
		OneShot:         oneShot,
	}
}

// ResolveBackendBinary returns a BinaryResolver that looks up binaryName
// on PATH, ignoring backend (the sd-server family ships one binary per
// install, selecting its compute backend via build flags rather than a
// runtime switch).
func ResolveBackendBinary(binaryName string) BinaryResolver {
	return func(backend types.ComputeBackend) (string, bool) {
		path, err := exec.LookPath(binaryName)
		if err != nil {
			return "", false
		}
		return path, true
	}
}
