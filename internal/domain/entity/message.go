package entity

import "strings"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason is the terminal signal of one model call.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// ToolCall is a single tool invocation requested by the assistant.
// Arguments are decoded JSON conforming to the tool's input schema;
// validation happens in the executor, never here.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Message is one turn in a request's conversation.
//
// Invariants maintained by the orchestrator:
//   - every tool message's ToolCallID refers to exactly one preceding
//     assistant ToolCall.ID (no orphan tool replies)
//   - the conversation is append-only within a request
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// IsSubstantive reports whether the content is long enough to count as a
// real answer rather than plumbing. threshold <= 0 means any non-empty
// content qualifies.
func (m Message) IsSubstantive(threshold int) bool {
	trimmed := strings.TrimSpace(m.Content)
	if trimmed == "" {
		return false
	}
	return len(trimmed) > threshold
}

// SystemMessage is a convenience constructor for system turns.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage is a convenience constructor for user turns.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ToolReply builds the tool turn answering the given call.
func ToolReply(call ToolCall, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
	}
}
