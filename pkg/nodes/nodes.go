// Package nodes bridges the Graph Runtime's generic dispatch
// (graph.NodeExecutor) to the concrete workers spec.md §4.5 step 3 names:
// the image server, the text server, the CLI one-shot worker, and a pure
// in-process transform. pkg/graph does not import pkg/oneshot and uses
// pkg/modelserver only for its ProgressEvent type; cmd/leaxer wires this registry once at startup the way the
// teacher's main.go wires concrete managers into its scheduler/reconciler.
package nodes

import (
	"context"

	"github.com/leaxer-ai/leaxer/pkg/graph"
	"github.com/leaxer-ai/leaxer/pkg/leaxerr"
	"github.com/leaxer-ai/leaxer/pkg/modelserver"
	"github.com/leaxer-ai/leaxer/pkg/oneshot"
	"github.com/leaxer-ai/leaxer/pkg/types"
)

// Servers wires a registry to the concrete workers it dispatches to.
// VideoWorker is optional; if nil, GenerateVideo nodes fail with
// NotAvailable instead of panicking.
type Servers struct {
	Image       *modelserver.Manager
	Text        *modelserver.Manager
	VideoWorker *oneshot.Worker
}

// NewRegistry returns the graph.Registry for spec.md's node types:
// LoadModel (records the model path for downstream consumers),
// GenerateImage (image server), GenerateText (text server), GenerateVideo
// (always one-shot per spec.md §4.3 "video requests MUST route to the CLI
// one-shot path"), and Transform (a pure in-process node performing no
// external dispatch, the fourth dispatch target spec.md §4.5 names).
func NewRegistry(s Servers) graph.Registry {
	return graph.Registry{
		"LoadModel":     loadModelExecutor,
		"GenerateImage": generateImageExecutor(s.Image),
		"GenerateText":  generateTextExecutor(s.Text),
		"GenerateVideo": generateVideoExecutor(s.VideoWorker),
		"Transform":     transformExecutor,
	}
}

func loadModelExecutor(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
	modelPath, _ := spec.Data["model_path"].(string)
	return types.NodeOutput{Value: modelPath}, nil
}

// transformExecutor implements the "pure in-process transform" dispatch
// target: it applies no external worker, simply forwarding its single
// input (or spec.Data["value"] when it has none) as its output. Concrete
// image/text transforms (crop, resize, format conversion) belong to the
// out-of-scope visual editor's node library; this is the seam a future
// one can hang off of.
func transformExecutor(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
	for _, in := range inputs {
		return in, nil
	}
	return types.NodeOutput{Value: spec.Data["value"]}, nil
}

func generateImageExecutor(mgr *modelserver.Manager) graph.NodeExecutor {
	return func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
		if mgr == nil {
			return types.NodeOutput{}, leaxerr.New(leaxerr.NotAvailable, "no image server manager configured")
		}
		req := buildGenerationRequest(job, nodeID, spec, inputs)
		result, err := mgr.Generate(ctx, req)
		if err != nil {
			return types.NodeOutput{}, err
		}
		return types.NodeOutput{Value: result}, nil
	}
}

func generateTextExecutor(mgr *modelserver.Manager) graph.NodeExecutor {
	return func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
		if mgr == nil {
			return types.NodeOutput{}, leaxerr.New(leaxerr.NotAvailable, "no text server manager configured")
		}
		req := buildGenerationRequest(job, nodeID, spec, inputs)
		result, err := mgr.Generate(ctx, req)
		if err != nil {
			return types.NodeOutput{}, err
		}
		return types.NodeOutput{Value: result}, nil
	}
}

func generateVideoExecutor(worker *oneshot.Worker) graph.NodeExecutor {
	return func(ctx context.Context, job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) (types.NodeOutput, error) {
		if worker == nil {
			return types.NodeOutput{}, leaxerr.New(leaxerr.NotAvailable, "no one-shot video worker configured")
		}
		req := buildGenerationRequest(job, nodeID, spec, inputs)
		req.OneShot = true
		result, err := worker.Generate(ctx, req)
		if err != nil {
			return types.NodeOutput{}, err
		}
		return types.NodeOutput{Value: result}, nil
	}
}

// buildGenerationRequest renders a NodeSpec's literal data plus whatever
// upstream outputs were wired into this node's input ports into one
// GenerationRequest. Image bytes arriving on the conventional "image"/
// "mask"/"control_image" ports override any literal of the same name in
// spec.Data, since an upstream node's output is always fresher than a
// node's own author-time default.
func buildGenerationRequest(job *types.Job, nodeID string, spec types.NodeSpec, inputs map[string]types.NodeOutput) types.GenerationRequest {
	req := types.GenerationRequest{
		JobID:          job.ID,
		NodeID:         nodeID,
		Prompt:         stringField(spec.Data, "prompt"),
		NegativePrompt: stringField(spec.Data, "negative_prompt"),
		Width:          intField(spec.Data, "width"),
		Height:         intField(spec.Data, "height"),
		Steps:          intField(spec.Data, "steps"),
		CFGScale:       floatField(spec.Data, "cfg_scale"),
		Seed:           int64(intFieldDefault(spec.Data, "seed", -1)),
		SamplerName:    stringField(spec.Data, "sampler_name"),
		BatchSize:      intField(spec.Data, "batch_size"),
		Scheduler:            stringField(spec.Data, "scheduler"),
		Model:                stringField(spec.Data, "model_path"),
		ComputeBackend:       job.Snapshot.ComputeBackend,
		ModelCachingStrategy: job.Snapshot.ModelCachingStrategy,
	}

	if img, ok := inputs["image"]; ok {
		if b, ok := img.Value.([]byte); ok {
			req.InitImages = [][]byte{b}
		}
	}
	if mask, ok := inputs["mask"]; ok {
		if b, ok := mask.Value.([]byte); ok {
			req.Mask = b
		}
	}
	if ctrl, ok := inputs["control_image"]; ok {
		if b, ok := ctrl.Value.([]byte); ok {
			req.ControlImage = b
		}
	}
	if model, ok := inputs["model"]; ok {
		if s, ok := model.Value.(string); ok && s != "" {
			req.Model = s
		}
	}

	return req
}

func stringField(data map[string]interface{}, key string) string {
	v, _ := data[key].(string)
	return v
}

func intField(data map[string]interface{}, key string) int {
	return intFieldDefault(data, key, 0)
}

func intFieldDefault(data map[string]interface{}, key string, def int) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

func floatField(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
