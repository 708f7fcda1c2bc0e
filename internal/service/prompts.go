package service

import (
	"fmt"
	"strings"
	"time"
)

// PromptOptions carries the request fields that shape the system prompt.
type PromptOptions struct {
	Planning       bool
	Language       string // ISO 639-1, empty = no language instruction
	VoiceMode      bool
	Location       *Location
	IsContinuation bool
}

// Location is optional client context injected as a system instruction.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

const chatSystemPrompt = `You are a helpful assistant with access to tools. Use tools when they genuinely help answer the question; answer directly when they don't. Cite information obtained from tools rather than inventing it. When a tool fails, adapt: correct your arguments, try another tool, or explain the limitation.`

const planningSystemPrompt = `You are a planning assistant. Break the user's goal into concrete, ordered steps. Prefer research tools over speculation for facts you are unsure about. Keep plans actionable and short; mark steps that depend on earlier results.`

const synthesisNote = `Tool use is no longer available for this request. Using the tool results already gathered above, write your best complete answer now. If information is missing, say so explicitly rather than guessing.`

// BuildSystemPrompt assembles the system message for one request.
func BuildSystemPrompt(opts PromptOptions) string {
	var b strings.Builder
	if opts.Planning {
		b.WriteString(planningSystemPrompt)
	} else {
		b.WriteString(chatSystemPrompt)
	}

	b.WriteString(fmt.Sprintf("\n\nCurrent date: %s.", time.Now().UTC().Format("2006-01-02")))

	if opts.Language != "" {
		b.WriteString(fmt.Sprintf("\nRespond in the language with ISO 639-1 code %q unless the user explicitly asks otherwise.", opts.Language))
	}
	if opts.Location != nil {
		if opts.Location.Address != "" {
			b.WriteString(fmt.Sprintf("\nThe user is located at: %s (%.4f, %.4f). Use this for location-dependent answers.",
				opts.Location.Address, opts.Location.Lat, opts.Location.Lng))
		} else {
			b.WriteString(fmt.Sprintf("\nThe user is located at coordinates (%.4f, %.4f). Use this for location-dependent answers.",
				opts.Location.Lat, opts.Location.Lng))
		}
	}
	if opts.VoiceMode {
		b.WriteString("\nRespond with a JSON object containing two fields: \"voiceResponse\" (a short spoken-style answer, no markdown) and \"fullResponse\" (the complete answer, markdown allowed).")
	}
	if opts.IsContinuation {
		b.WriteString("\nThis is a continuation of an earlier conversation; do not re-introduce yourself.")
	}
	return b.String()
}

const selfEvalPrompt = `You are evaluating an assistant's answer. Given the conversation and the final answer below, judge whether the answer is comprehensive: does it actually address what the user asked, with enough substance to be useful?

Reply with JSON: {"comprehensive": true|false, "reason": "<one sentence>"}

Final answer to evaluate:
%s`

// BuildSelfEvalPrompt renders the evaluation request for a candidate answer.
func BuildSelfEvalPrompt(answer string) string {
	return fmt.Sprintf(selfEvalPrompt, answer)
}

const guardrailPrompt = `You are a content safety reviewer. Examine the text below and decide whether it violates safety policy (instructions for serious harm, sexual content involving minors, or targeted harassment).

Reply with JSON: {"allowed": true|false, "reason": "<one sentence>"}

Text to review:
%s`

// BuildGuardrailPrompt renders the moderation request for one text.
func BuildGuardrailPrompt(text string) string {
	return fmt.Sprintf(guardrailPrompt, text)
}
