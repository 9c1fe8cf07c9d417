package nodes

import (
	"context"
	"testing"

	"github.com/leaxer-ai/leaxer/pkg/leaxerr"
	"github.com/leaxer-ai/leaxer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryHasAllNodeTypes(t *testing.T) {
	reg := NewRegistry(Servers{})
	for _, nodeType := range []string{"LoadModel", "GenerateImage", "GenerateText", "GenerateVideo", "Transform"} {
		_, ok := reg[nodeType]
		assert.True(t, ok, "missing executor for %s", nodeType)
	}
}

func TestLoadModelExecutorReturnsModelPath(t *testing.T) {
	out, err := loadModelExecutor(context.Background(), &types.Job{}, "n1",
		types.NodeSpec{Data: map[string]interface{}{"model_path": "m.safetensors"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "m.safetensors", out.Value)
}

func TestTransformExecutorForwardsSingleInput(t *testing.T) {
	inputs := map[string]types.NodeOutput{"in": {Value: "hello"}}
	out, err := transformExecutor(context.Background(), &types.Job{}, "n1", types.NodeSpec{}, inputs)
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Value)
}

func TestTransformExecutorFallsBackToLiteralValue(t *testing.T) {
	out, err := transformExecutor(context.Background(), &types.Job{}, "n1",
		types.NodeSpec{Data: map[string]interface{}{"value": 42}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, out.Value)
}

func TestGenerateImageExecutorFailsClosedWithoutManager(t *testing.T) {
	executor := generateImageExecutor(nil)
	_, err := executor(context.Background(), &types.Job{}, "n1", types.NodeSpec{}, nil)
	require.Error(t, err)
	assert.True(t, leaxerr.Of(err, leaxerr.NotAvailable))
}

func TestGenerateVideoExecutorFailsClosedWithoutWorker(t *testing.T) {
	executor := generateVideoExecutor(nil)
	_, err := executor(context.Background(), &types.Job{}, "n1", types.NodeSpec{}, nil)
	require.Error(t, err)
	assert.True(t, leaxerr.Of(err, leaxerr.NotAvailable))
}

func TestBuildGenerationRequestPrefersUpstreamImageOverLiteral(t *testing.T) {
	spec := types.NodeSpec{Data: map[string]interface{}{
		"prompt": "a cat", "width": 512, "height": float64(512), "steps": 20, "cfg_scale": 7.5, "seed": 123,
	}}
	inputs := map[string]types.NodeOutput{
		"image": {Value: []byte{1, 2, 3}},
	}
	req := buildGenerationRequest(&types.Job{ID: "j1"}, "n1", spec, inputs)

	assert.Equal(t, "a cat", req.Prompt)
	assert.Equal(t, 512, req.Width)
	assert.Equal(t, 512, req.Height)
	assert.Equal(t, 20, req.Steps)
	assert.Equal(t, 7.5, req.CFGScale)
	assert.Equal(t, int64(123), req.Seed)
	require.Len(t, req.InitImages, 1)
	assert.Equal(t, []byte{1, 2, 3}, req.InitImages[0])
}

func TestBuildGenerationRequestDefaultsSeedToRandomSentinel(t *testing.T) {
	req := buildGenerationRequest(&types.Job{ID: "j1"}, "n1", types.NodeSpec{}, nil)
	assert.Equal(t, int64(-1), req.Seed)
}

func TestBuildGenerationRequestCarriesWorkflowBackendAndCachingStrategy(t *testing.T) {
	job := &types.Job{ID: "j1", Snapshot: types.WorkflowSnapshot{
		ComputeBackend:       types.BackendCUDA,
		ModelCachingStrategy: types.CachingUnloadAfter,
	}}
	req := buildGenerationRequest(job, "n1", types.NodeSpec{}, nil)
	assert.Equal(t, types.BackendCUDA, req.ComputeBackend)
	assert.Equal(t, types.CachingUnloadAfter, req.ModelCachingStrategy)
}
