// Package types defines the value types shared across Leaxer's execution
// substrate: workflow snapshots submitted by callers, the jobs derived from
// them, the per-job execution context the Graph Runtime maintains, the
// process-tracking and model-server state owned by their respective
// components, and the event/topic vocabulary that binds everything
// together over the Event Bus.
package types

import "time"

// ComputeBackend is the numerical execution target of a spawned binary.
type ComputeBackend string

const (
	BackendCPU      ComputeBackend = "cpu"
	BackendCUDA     ComputeBackend = "cuda"
	BackendMetal    ComputeBackend = "metal"
	BackendDirectML ComputeBackend = "directml"
)

// ModelCachingStrategy controls whether a model server is kept resident
// across jobs.
type ModelCachingStrategy string

const (
	CachingAuto         ModelCachingStrategy = "auto"
	CachingKeepResident ModelCachingStrategy = "keep_resident"
	CachingUnloadAfter  ModelCachingStrategy = "unload_after"
)

// NodeSpec is one node of a WorkflowSnapshot's graph: its type, its
// author-supplied literal data, and the names of its declared input ports.
type NodeSpec struct {
	Type   string                 `json:"type"`
	Data   map[string]interface{} `json:"data"`
	Inputs map[string]interface{} `json:"inputs,omitempty"`
}

// Edge connects an output port of one node to an input port of another.
type Edge struct {
	SourceNodeID string `json:"source_node_id"`
	SourcePort   string `json:"source_port"`
	TargetNodeID string `json:"target_node_id"`
	TargetPort   string `json:"target_port"`
}

// WorkflowSnapshot is the immutable record the Job Queue consumes. Callers
// are responsible for nothing beyond producing a structurally valid
// snapshot; acyclicity and edge-endpoint resolution are verified by the
// Queue at enqueue time (spec §3, §7 ValidationError).
type WorkflowSnapshot struct {
	Nodes                map[string]NodeSpec  `json:"nodes"`
	Edges                []Edge               `json:"edges"`
	ComputeBackend       ComputeBackend       `json:"compute_backend"`
	ModelCachingStrategy ModelCachingStrategy `json:"model_caching_strategy"`
}

// JobStatus is the lifecycle stage of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobError     JobStatus = "error"
	JobCancelled JobStatus = "cancelled"
)

// Job is a submitted workflow instance with a lifecycle. CachedModelPath is
// computed once at enqueue time by scanning the snapshot for LoadModel/
// GenerateImage nodes and is used solely to drive batching re-order; it is
// never recomputed.
type Job struct {
	ID              string           `json:"id"`
	Snapshot        WorkflowSnapshot `json:"snapshot"`
	Status          JobStatus        `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	Error           string           `json:"error,omitempty"`
	CachedModelPath string           `json:"cached_model_path,omitempty"`

	// EnqueueSeq is the original FIFO insertion order, used as the stable
	// tie-breaker for batching re-order (spec §4.5, §9(b)).
	EnqueueSeq int `json:"enqueue_seq"`
}

// NodeOutput is the value produced by one node's execution, handed to
// downstream consumers through ExecutionContext.Outputs.
type NodeOutput struct {
	Value interface{}
}

// ExecutionContext is the per-running-job state the Graph Runtime owns
// exclusively; it is destroyed when the job ends.
type ExecutionContext struct {
	JobID          string
	Outputs        map[string]NodeOutput
	CurrentNode    string
	StartedAt      time.Time
	ConsumerCounts map[string]int
}

// NewExecutionContext builds an ExecutionContext with consumer counts
// derived from how many edges read each node's output.
func NewExecutionContext(jobID string, edges []Edge) *ExecutionContext {
	counts := make(map[string]int)
	for _, e := range edges {
		counts[e.SourceNodeID]++
	}
	return &ExecutionContext{
		JobID:          jobID,
		Outputs:        make(map[string]NodeOutput),
		StartedAt:      time.Now(),
		ConsumerCounts: counts,
	}
}

// ConsumeInput decrements the consumer count for sourceNodeID; when it
// reaches zero the corresponding output is deleted to bound memory for
// long pipelines (spec §3 invariant, §8 scenario 5). It is a no-op if the
// source has no tracked consumers (already evicted, or never produced).
func (ec *ExecutionContext) ConsumeInput(sourceNodeID string) {
	n, ok := ec.ConsumerCounts[sourceNodeID]
	if !ok || n <= 0 {
		return
	}
	n--
	if n == 0 {
		delete(ec.ConsumerCounts, sourceNodeID)
		delete(ec.Outputs, sourceNodeID)
		return
	}
	ec.ConsumerCounts[sourceNodeID] = n
}

// TrackedProcess is an OS-level child process registered with the Process
// Tracker, indexed by OS PID and optionally by listening port.
type TrackedProcess struct {
	OSPID        int
	Label        string
	OwnerHandle  string
	MonitorToken <-chan struct{}
	Port         int // 0 means "no port registered"
	RegisteredAt time.Time
}

// ServerVariant distinguishes the two Model Server Manager flavors.
type ServerVariant string

const (
	VariantImage ServerVariant = "image"
	VariantText  ServerVariant = "text"
)

// ServerPhase is one of the Model Server Manager's state machine states.
type ServerPhase string

const (
	PhaseIdle     ServerPhase = "idle"
	PhaseStarting ServerPhase = "starting"
	PhaseReady    ServerPhase = "ready"
	PhaseStopping ServerPhase = "stopping"
	PhaseCrashed  ServerPhase = "crashed"
)

// StartupParams is the fixed, comparable subset of request options that
// forces a process restart when changed (spec §3, §9 "replace dynamic
// configuration maps with explicit fields"). Two StartupParams values are
// compared with ==, so every field here must be a comparable type.
type StartupParams struct {
	VAEPath        string
	TilingEnabled  bool
	ClipLPath      string
	ClipGPath      string
	T5Path         string
	ControlNetPath string
	PhotoMakerDir  string
	TAESDPath      string
	CPUOffloadVAE  bool
	CPUOffloadCLIP bool
	CPUOffloadUNet bool
}

// ServerState is the state a Model Server Manager owns exclusively, and
// replaces atomically on restart.
type ServerState struct {
	Phase           ServerPhase
	OSPID           int
	CurrentModel    string
	ComputeBackend  ComputeBackend
	ListenPort      int
	StartupParams   StartupParams
	StartTime       time.Time
	CachingStrategy ModelCachingStrategy
}

// GenerationRequest is one request dispatched to a model server or
// one-shot worker. Not every field applies to every node type; unset
// fields are simply omitted from the outbound request body.
type GenerationRequest struct {
	JobID  string
	NodeID string

	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	CFGScale       float64
	Seed           int64
	SamplerName    string
	BatchSize      int

	InitImages        [][]byte
	DenoisingStrength float64
	Mask              []byte

	Scheduler       string
	Eta             float64
	Guidance        float64
	ControlStrength float64
	ControlImage    []byte
	WeightType      string

	CacheMode      string
	CachePreset    string
	CacheThreshold float64
	CacheWarmup    int
	CacheStartStep int
	CacheEndStep   int

	Model                string
	StartupParams        StartupParams
	OneShot              bool
	ComputeBackend       ComputeBackend
	ModelCachingStrategy ModelCachingStrategy
}

// GenerationResult is the reply to a dispatched GenerationRequest.
type GenerationResult struct {
	Images  [][]byte
	Text    string
	OutPath string
}

// StepProgress is the innermost progress detail of an ExecutionSnapshot.
type StepProgress struct {
	Current    int
	Total      int
	Percentage float64
}

// ExecutionSnapshot is the single-slot view of the currently executing
// job's progress, designed to survive subscriber reconnects.
type ExecutionSnapshot struct {
	IsExecuting  bool
	NodeIDs      []string
	CurrentNode  string
	CurrentIndex int
	TotalNodes   int
	StepProgress *StepProgress
	StartedAt    time.Time
}

// Topic is one of the closed set of Event Bus topics.
type Topic string

const (
	TopicQueueUpdates       Topic = "queue.updates"
	TopicQueueJobCompleted  Topic = "queue.job_completed"
	TopicQueueJobError      Topic = "queue.job_error"
	TopicGenerationProgress Topic = "generation.progress"
	TopicGenerationComplete Topic = "generation.complete"
	TopicGenerationError    Topic = "generation.error"
	TopicLLMStreaming       Topic = "llm.streaming"
	TopicLLMComplete        Topic = "llm.complete"
	TopicLLMError           Topic = "llm.error"
	TopicHardwareStats      Topic = "hardware.stats"
	TopicLogsStream         Topic = "logs.stream"
	TopicServerStatus       Topic = "server.status"
	TopicServerLogs         Topic = "server.logs"
)

// AllTopics enumerates the closed topic set, for subscription validation.
func AllTopics() []Topic {
	return []Topic{
		TopicQueueUpdates, TopicQueueJobCompleted, TopicQueueJobError,
		TopicGenerationProgress, TopicGenerationComplete, TopicGenerationError,
		TopicLLMStreaming, TopicLLMComplete, TopicLLMError,
		TopicHardwareStats, TopicLogsStream, TopicServerStatus, TopicServerLogs,
	}
}

// TopicEvent is one published message: a topic plus its payload.
type TopicEvent struct {
	Topic     Topic
	Payload   interface{}
	Timestamp time.Time
}
