package service

import (
	"context"
	"time"

	"github.com/relaygw/relay/internal/catalog"
	"github.com/relaygw/relay/internal/domain/entity"
	"github.com/relaygw/relay/internal/tool"
)

// Optimization is the client's cost/quality preference.
type Optimization string

const (
	OptimizeCheap    Optimization = "cheap"
	OptimizeQuality  Optimization = "quality"
	OptimizeFree     Optimization = "free"
	OptimizeBalanced Optimization = "balanced"
)

// Valid reports whether the optimization value is a member of the closed set.
func (o Optimization) Valid() bool {
	switch o {
	case OptimizeCheap, OptimizeQuality, OptimizeFree, OptimizeBalanced:
		return true
	}
	return false
}

// Candidate pairs a model with the credential that will call it.
type Candidate struct {
	Model      catalog.ModelDescriptor
	Credential catalog.ProviderCredential
}

// Requirements is everything the selector needs to rank candidates.
type Requirements struct {
	Optimization      Optimization
	RequiresTools     bool
	RequiresVision    bool
	RequiresJSONMode  bool
	RequiresStreaming bool
	RequiredCategory  catalog.Category // optional floor, empty = none
	ContextTokens     int              // prompt estimate
	MaxTokens         int              // completion budget
	Seed              string           // per-request tiebreak seed (deterministic)

	// ExtraCredentials are request-supplied providers. They union with the
	// environment pool and sort first in the candidate ordering.
	ExtraCredentials []catalog.ProviderCredential
}

// ModelSelector produces the fallback sequence and owns breaker/rate
// bookkeeping for the candidates it hands out.
type ModelSelector interface {
	// SelectSequence returns an ordered list of candidates to attempt.
	// Deterministic given the same world state and Seed.
	SelectSequence(req Requirements) ([]Candidate, error)

	// ReportSuccess records a successful call for breaker accounting.
	ReportSuccess(c Candidate)

	// ReportFailure records a failure; only breaker-tripping kinds count.
	ReportFailure(c Candidate, kind entity.ErrorKind)

	// CommitUsage adds actual token counts to the rate tracker.
	CommitUsage(c Candidate, promptTokens, completionTokens int)
}

// ModelRequest is the vendor-neutral chat request handed to an adapter.
type ModelRequest struct {
	Messages    []entity.Message
	Tools       []tool.Definition
	Model       string
	MaxTokens   int
	Temperature float64
	JSONMode    bool
	ToolChoice  string // "", "auto", "required", "none"
}

// StreamChunk is one normalized event from a streaming model call.
type StreamChunk struct {
	DeltaText     string
	DeltaToolCall *entity.ToolCall
	FinishReason  entity.FinishReason
}

// ModelResponse is the accumulated result of one model call.
type ModelResponse struct {
	Content          string
	ToolCalls        []entity.ToolCall
	FinishReason     entity.FinishReason
	PromptTokens     int
	CompletionTokens int
	ModelUsed        string
	Status           int
	Headers          map[string]string
}

// TotalTokens returns prompt + completion usage.
func (r *ModelResponse) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// ModelClient talks to one provider with one credential.
type ModelClient interface {
	// Generate performs a non-streaming call.
	Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error)

	// GenerateStream performs a streaming call, delivering chunks to
	// deltaCh as they arrive. The caller owns deltaCh; the client never
	// closes it. Returns the accumulated response after the stream ends.
	GenerateStream(ctx context.Context, req *ModelRequest, deltaCh chan<- StreamChunk) (*ModelResponse, error)
}

// ClientPool hands out (and caches) adapters per candidate.
type ClientPool interface {
	ClientFor(c Candidate) (ModelClient, error)
}

// Metrics is the orchestrator's view of the process-wide counters.
// *monitoring.Monitor satisfies it.
type Metrics interface {
	IncModelCall()
	IncModelCallFailed()
	AddTokensUsed(n int)
}

// ToolExecution is the ordered outcome of one tool call.
type ToolExecution struct {
	Call      entity.ToolCall
	Content   string
	Cached    bool
	ErrorKind entity.ErrorKind // empty on success
	Artifacts *entity.ExtractedArtifacts
	Duration  time.Duration
}

// ToolRunner executes one assistant turn's tool calls concurrently and
// returns results in the original call order.
type ToolRunner interface {
	ExecuteAll(ctx context.Context, calls []entity.ToolCall) []ToolExecution

	// Definitions lists tool definitions for the model. A nil filter means
	// all registered tools; otherwise only the named ones.
	Definitions(enabled []string) []tool.Definition
}
