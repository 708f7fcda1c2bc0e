package entity

import "time"

// EventName is an SSE event name. Names are part of the wire contract.
type EventName string

const (
	EventLLMRequest      EventName = "llm_request"
	EventLLMResponse     EventName = "llm_response"
	EventDelta           EventName = "delta"
	EventToolCall        EventName = "tool_call"
	EventToolResult      EventName = "tool_result"
	EventMessageComplete EventName = "message_complete"
	EventError           EventName = "error"
)

// CallPhase labels a provider call in the per-request log.
type CallPhase string

const (
	PhaseChatIteration   CallPhase = "chat_iteration"
	PhaseSelfEvaluation  CallPhase = "self_evaluation"
	PhaseGuardrailInput  CallPhase = "guardrail_input"
	PhaseGuardrailOutput CallPhase = "guardrail_output"
	PhaseFinalSynthesis  CallPhase = "final_synthesis"
	PhaseToolAuxiliary   CallPhase = "tool_auxiliary"
)

// ProviderCall is one record in the request's provider call log. The log
// is bounded by the iteration cap and surfaced in message_complete.
type ProviderCall struct {
	Phase            CallPhase         `json:"phase"`
	Provider         string            `json:"provider"`
	Model            string            `json:"model"`
	Iteration        int               `json:"iteration"`
	PromptTokens     int               `json:"promptTokens"`
	CompletionTokens int               `json:"completionTokens"`
	DurationMs       int64             `json:"durationMs"`
	Status           int               `json:"status"`
	Headers          map[string]string `json:"headers,omitempty"`
	ErrorKind        ErrorKind         `json:"errorKind,omitempty"`
}

// StreamEvent is one event on the gateway-to-client stream. Exactly one
// payload field is populated, matching Name.
type StreamEvent struct {
	Name EventName

	LLMRequest  *LLMRequestEvent
	LLMResponse *LLMResponseEvent
	Delta       *DeltaEvent
	ToolCall    *ToolCallEvent
	ToolResult  *ToolResultEvent
	Complete    *MessageCompleteEvent
	Error       *ErrorEvent
}

// LLMRequestEvent is emitted before each provider call.
type LLMRequestEvent struct {
	Phase     CallPhase   `json:"phase"`
	Provider  string      `json:"provider"`
	Model     string      `json:"model"`
	Iteration int         `json:"iteration"`
	Request   interface{} `json:"request,omitempty"` // sanitized body, no credentials
}

// LLMResponseEvent is emitted after each provider call.
type LLMResponseEvent struct {
	Phase        CallPhase         `json:"phase"`
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	Iteration    int               `json:"iteration"`
	FinishReason FinishReason      `json:"finishReason"`
	DurationMs   int64             `json:"durationMs"`
	Status       int               `json:"status"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// DeltaEvent carries one streamed text fragment.
type DeltaEvent struct {
	Text string `json:"text"`
}

// ToolCallEvent is emitted when a tool call is dispatched.
type ToolCallEvent struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolResultEvent is emitted when a tool call completes.
type ToolResultEvent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Cached    bool      `json:"cached"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
}

// MessageCompleteEvent terminates a successful stream.
type MessageCompleteEvent struct {
	Content          string              `json:"content"`
	LLMAPICalls      []ProviderCall      `json:"llmApiCalls"`
	ExtractedContent *ExtractedArtifacts `json:"extractedContent,omitempty"`
	Iterations       int                 `json:"iterations"`
	StartedAt        time.Time           `json:"startedAt"`
	DurationMs       int64               `json:"durationMs"`
}

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Kind          ErrorKind `json:"kind"`
	Code          string    `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlationId"`
}
