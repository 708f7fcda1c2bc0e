package service

import (
	"github.com/relaygw/relay/internal/domain/entity"
)

// interruptedToolReply answers a tool call whose real result never
// arrived, typically after a client-side abort mid-execution.
const interruptedToolReply = `{"output": "[tool call interrupted before completion]", "success": false}`

// SanitizeMessages repairs an inbound history so that every assistant
// tool_call has a matching tool reply and every tool reply has a
// declaring call. Unanswered calls get a synthetic interruption reply
// injected right after the declaring assistant turn; tool replies whose
// call was never declared are dropped. Providers reject histories that
// violate either direction.
func SanitizeMessages(messages []entity.Message) []entity.Message {
	if len(messages) == 0 {
		return messages
	}

	replied := make(map[string]bool)
	declared := make(map[string]bool)
	for _, msg := range messages {
		switch {
		case msg.Role == entity.RoleTool && msg.ToolCallID != "":
			replied[msg.ToolCallID] = true
		case msg.Role == entity.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				declared[tc.ID] = true
			}
		}
	}

	out := make([]entity.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == entity.RoleTool && !declared[msg.ToolCallID] {
			// Residue of a truncated history.
			continue
		}
		out = append(out, msg)
		if msg.Role != entity.RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if !replied[tc.ID] {
				out = append(out, entity.ToolReply(tc, interruptedToolReply))
			}
		}
	}
	return out
}
