package openai

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/domain/entity"
	"github.com/relaygw/relay/internal/service"
)

func parseStream(t *testing.T, body string) (*service.ModelResponse, []service.StreamChunk) {
	t.Helper()
	deltaCh := make(chan service.StreamChunk, 64)
	resp, err := ParseSSEStream(context.Background(), strings.NewReader(body), deltaCh, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	close(deltaCh)
	var chunks []service.StreamChunk
	for c := range deltaCh {
		chunks = append(chunks, c)
	}
	return resp, chunks
}

func TestParseSSEStreamText(t *testing.T) {
	body := strings.Join([]string{
		`data: {"model":"gpt-4o","choices":[{"delta":{"content":"Hello"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":" world"}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	resp, chunks := parseStream(t, body)

	if resp.Content != "Hello world" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.FinishReason != entity.FinishStop {
		t.Fatalf("finish = %q", resp.FinishReason)
	}
	if resp.ModelUsed != "gpt-4o" {
		t.Fatalf("model = %q", resp.ModelUsed)
	}
	if resp.PromptTokens != 12 || resp.CompletionTokens != 3 {
		t.Fatalf("usage = %d/%d", resp.PromptTokens, resp.CompletionTokens)
	}

	var text string
	for _, c := range chunks {
		text += c.DeltaText
	}
	if text != "Hello world" {
		t.Fatalf("delta text = %q", text)
	}
}

func TestParseSSEStreamBreaksOnFinishReason(t *testing.T) {
	// No [DONE] at all: some providers never send it.
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"done"}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"IGNORED"}}]}`,
		``,
	}, "\n")

	resp, _ := parseStream(t, body)
	if resp.Content != "done" {
		t.Fatalf("content = %q, parsing must stop at finish_reason", resp.Content)
	}
}

func TestParseSSEStreamToolCallAccumulation(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"web_search","arguments":"{\"qu"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ery\":\"go\"}"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_2","function":{"name":"get_time","arguments":"{}"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
	}, "\n")

	resp, chunks := parseStream(t, body)

	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.ToolCalls))
	}
	first := resp.ToolCalls[0]
	if first.ID != "call_1" || first.Name != "web_search" {
		t.Fatalf("first call = %+v", first)
	}
	if got := first.Arguments["query"]; got != "go" {
		t.Fatalf("accumulated arguments = %v", first.Arguments)
	}
	if resp.ToolCalls[1].Name != "get_time" {
		t.Fatalf("second call = %+v", resp.ToolCalls[1])
	}
	if resp.FinishReason != entity.FinishToolCalls {
		t.Fatalf("finish = %q", resp.FinishReason)
	}

	var toolChunks int
	for _, c := range chunks {
		if c.DeltaToolCall != nil {
			toolChunks++
		}
	}
	if toolChunks != 2 {
		t.Fatalf("tool call chunks = %d, want 2", toolChunks)
	}
}

func TestParseSSEStreamNonContiguousToolCallIndices(t *testing.T) {
	// Some providers skip stream indices; assembly must follow the
	// indices that arrived, not assume 0..n-1.
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"web_search","arguments":"{}"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":2,"id":"call_c","function":{"name":"get_time","arguments":"{}"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
	}, "\n")

	resp, _ := parseStream(t, body)

	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "call_a" || resp.ToolCalls[1].ID != "call_c" {
		t.Fatalf("tool call order = %s, %s", resp.ToolCalls[0].ID, resp.ToolCalls[1].ID)
	}
}

func TestParseSSEStreamDropsOnlyUnparseableToolArgs(t *testing.T) {
	// A call with broken argument JSON is skipped; the others survive.
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"web_search","arguments":"{broken"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"get_time","arguments":"{}"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
	}, "\n")

	resp, _ := parseStream(t, body)

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "call_b" {
		t.Fatalf("surviving call = %s, want call_b", resp.ToolCalls[0].ID)
	}
}

func TestParseSSEStreamSkipsGarbageChunks(t *testing.T) {
	body := strings.Join([]string{
		`data: {not json`,
		``,
		`: comment line`,
		``,
		`data: {"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
		``,
	}, "\n")

	resp, _ := parseStream(t, body)
	if resp.Content != "ok" {
		t.Fatalf("content = %q, garbage chunks must be skipped", resp.Content)
	}
}

func TestParseSSEStreamEstimatesMissingUsage(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"some answer text"},"finish_reason":"stop"}]}`,
		``,
	}, "\n")

	resp, _ := parseStream(t, body)
	if resp.CompletionTokens <= 0 {
		t.Fatal("missing usage must fall back to an estimate")
	}
}

func TestFinishReasonFrom(t *testing.T) {
	cases := map[string]entity.FinishReason{
		"stop":          entity.FinishStop,
		"end_turn":      entity.FinishStop,
		"tool_calls":    entity.FinishToolCalls,
		"function_call": entity.FinishToolCalls,
		"length":        entity.FinishLength,
		"max_tokens":    entity.FinishLength,
		"":              "",
		"mystery":       entity.FinishStop,
	}
	for in, want := range cases {
		if got := FinishReasonFrom(in); got != want {
			t.Fatalf("FinishReasonFrom(%q) = %q, want %q", in, got, want)
		}
	}
}
