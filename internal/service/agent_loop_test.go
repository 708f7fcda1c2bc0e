package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/catalog"
	"github.com/relaygw/relay/internal/domain/entity"
	"github.com/relaygw/relay/internal/tool"
	apperrors "github.com/relaygw/relay/pkg/errors"
)

// --- fakes ---

type fakeSelector struct {
	mu        sync.Mutex
	seq       []Candidate
	err       error
	failures  []entity.ErrorKind
	successes int
}

func (f *fakeSelector) SelectSequence(req Requirements) ([]Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.seq, nil
}

func (f *fakeSelector) ReportSuccess(c Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
}

func (f *fakeSelector) ReportFailure(c Candidate, kind entity.ErrorKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, kind)
}

func (f *fakeSelector) CommitUsage(c Candidate, promptTokens, completionTokens int) {}

type scriptedClient struct {
	mu     sync.Mutex
	script []func(req *ModelRequest) (*ModelResponse, error)
}

func (c *scriptedClient) next() func(req *ModelRequest) (*ModelResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.script) == 0 {
		return func(req *ModelRequest) (*ModelResponse, error) {
			return &ModelResponse{Content: "fallthrough answer", FinishReason: entity.FinishStop}, nil
		}
	}
	step := c.script[0]
	c.script = c.script[1:]
	return step
}

func (c *scriptedClient) Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	return c.next()(req)
}

func (c *scriptedClient) GenerateStream(ctx context.Context, req *ModelRequest, deltaCh chan<- StreamChunk) (*ModelResponse, error) {
	resp, err := c.next()(req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" {
		deltaCh <- StreamChunk{DeltaText: resp.Content}
	}
	return resp, nil
}

type fakePool struct {
	clients map[string]ModelClient // keyed by credential API key
}

func (f *fakePool) ClientFor(c Candidate) (ModelClient, error) {
	return f.clients[c.Credential.APIKey], nil
}

type fakeRunner struct {
	mu    sync.Mutex
	runs  [][]entity.ToolCall
	reply func(call entity.ToolCall) ToolExecution
}

func (f *fakeRunner) ExecuteAll(ctx context.Context, calls []entity.ToolCall) []ToolExecution {
	f.mu.Lock()
	f.runs = append(f.runs, calls)
	f.mu.Unlock()

	out := make([]ToolExecution, len(calls))
	for i, call := range calls {
		if f.reply != nil {
			out[i] = f.reply(call)
		} else {
			out[i] = ToolExecution{Call: call, Content: "result:" + call.Name}
		}
	}
	return out
}

func (f *fakeRunner) Definitions(enabled []string) []tool.Definition {
	return []tool.Definition{{Name: "web_search"}, {Name: "get_time"}}
}

type fakeMetrics struct {
	mu          sync.Mutex
	modelCalls  int
	modelFailed int
	tokens      int
}

func (f *fakeMetrics) IncModelCall() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modelCalls++
}

func (f *fakeMetrics) IncModelCallFailed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modelFailed++
}

func (f *fakeMetrics) AddTokensUsed(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens += n
}

// --- helpers ---

func candidate(key string) Candidate {
	return Candidate{
		Model:      catalog.ModelDescriptor{ProviderType: "openai", ModelID: "gpt-4o"},
		Credential: catalog.ProviderCredential{APIKey: key, Type: "openai"},
	}
}

func answer(text string) func(*ModelRequest) (*ModelResponse, error) {
	return func(req *ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{Content: text, FinishReason: entity.FinishStop}, nil
	}
}

func toolTurn(calls ...entity.ToolCall) func(*ModelRequest) (*ModelResponse, error) {
	return func(req *ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{ToolCalls: calls, FinishReason: entity.FinishToolCalls}, nil
	}
}

func newTestOrchestrator(sel ModelSelector, pool ClientPool, runner ToolRunner, cfg LoopConfig) *Orchestrator {
	return NewOrchestrator(sel, pool, runner, nil, nil, cfg, zap.NewNop())
}

func collect(t *testing.T, ch <-chan entity.StreamEvent) []entity.StreamEvent {
	t.Helper()
	var events []entity.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining event channel")
		}
	}
}

func terminal(t *testing.T, events []entity.StreamEvent) entity.StreamEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	last := events[len(events)-1]
	if last.Name != entity.EventMessageComplete && last.Name != entity.EventError {
		t.Fatalf("last event = %s, want a terminal event", last.Name)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Name == entity.EventMessageComplete || ev.Name == entity.EventError {
			t.Fatal("terminal event emitted before the end of the stream")
		}
	}
	return last
}

var longAnswer = strings.Repeat("An adequately detailed answer. ", 10)

// --- tests ---

func TestLoopSimpleAnswer(t *testing.T) {
	client := &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){answer(longAnswer)}}
	sel := &fakeSelector{seq: []Candidate{candidate("k1")}}
	o := newTestOrchestrator(sel, &fakePool{clients: map[string]ModelClient{"k1": client}}, &fakeRunner{}, LoopConfig{})

	events := collect(t, o.Run(context.Background(), &ChatRequest{
		Messages: []entity.Message{entity.UserMessage("hello")},
	}))

	last := terminal(t, events)
	if last.Name != entity.EventMessageComplete {
		t.Fatalf("terminal = %s: %+v", last.Name, last.Error)
	}
	if last.Complete.Content != longAnswer {
		t.Fatal("final content does not match the model answer")
	}
	if last.Complete.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", last.Complete.Iterations)
	}
	if len(last.Complete.LLMAPICalls) != 1 {
		t.Fatalf("call log has %d entries, want 1", len(last.Complete.LLMAPICalls))
	}
}

func TestLoopToolRoundEventOrder(t *testing.T) {
	calls := []entity.ToolCall{
		{ID: "c1", Name: "web_search", Arguments: map[string]interface{}{"query": "go"}},
		{ID: "c2", Name: "get_time", Arguments: map[string]interface{}{}},
	}
	client := &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){
		toolTurn(calls...),
		answer(longAnswer),
	}}
	sel := &fakeSelector{seq: []Candidate{candidate("k1")}}
	runner := &fakeRunner{}
	o := newTestOrchestrator(sel, &fakePool{clients: map[string]ModelClient{"k1": client}}, runner, LoopConfig{})

	events := collect(t, o.Run(context.Background(), &ChatRequest{
		Messages: []entity.Message{entity.UserMessage("look things up")},
	}))

	// tool_call events precede tool_result events, both in call order.
	var callIDs, resultIDs []string
	for _, ev := range events {
		switch ev.Name {
		case entity.EventToolCall:
			callIDs = append(callIDs, ev.ToolCall.ID)
			if len(resultIDs) > 0 {
				t.Fatal("tool_call emitted after a tool_result of the same round")
			}
		case entity.EventToolResult:
			resultIDs = append(resultIDs, ev.ToolResult.ID)
		}
	}
	if len(callIDs) != 2 || callIDs[0] != "c1" || callIDs[1] != "c2" {
		t.Fatalf("tool_call order = %v", callIDs)
	}
	if len(resultIDs) != 2 || resultIDs[0] != "c1" || resultIDs[1] != "c2" {
		t.Fatalf("tool_result order = %v", resultIDs)
	}

	last := terminal(t, events)
	if last.Complete.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", last.Complete.Iterations)
	}
}

func TestLoopIterationCapForcesSynthesis(t *testing.T) {
	call := entity.ToolCall{ID: "c", Name: "web_search", Arguments: map[string]interface{}{}}
	synthesized := "Synthesized from gathered context: " + longAnswer
	client := &scriptedClient{}
	// Always request tools during chat; answer only when tools are withheld
	// (the synthesis call).
	client.script = []func(*ModelRequest) (*ModelResponse, error){}
	always := func(req *ModelRequest) (*ModelResponse, error) {
		if len(req.Tools) == 0 {
			return &ModelResponse{Content: synthesized, FinishReason: entity.FinishStop}, nil
		}
		return &ModelResponse{ToolCalls: []entity.ToolCall{call}, FinishReason: entity.FinishToolCalls}, nil
	}
	for i := 0; i < 10; i++ {
		client.script = append(client.script, always)
	}

	sel := &fakeSelector{seq: []Candidate{candidate("k1")}}
	o := newTestOrchestrator(sel, &fakePool{clients: map[string]ModelClient{"k1": client}}, &fakeRunner{},
		LoopConfig{MaxToolIterations: 3, SafetyIteration: 3, SubstantiveChars: 10})

	events := collect(t, o.Run(context.Background(), &ChatRequest{
		Messages: []entity.Message{entity.UserMessage("keep digging")},
	}))

	last := terminal(t, events)
	if last.Name != entity.EventMessageComplete {
		t.Fatalf("terminal = %s: %+v", last.Name, last.Error)
	}
	if last.Complete.Content != synthesized {
		t.Fatalf("content = %q, want the synthesis answer", last.Complete.Content)
	}
	if last.Complete.Iterations > 3 {
		t.Fatalf("iterations = %d, must never exceed the cap", last.Complete.Iterations)
	}
}

func TestLoopSafetyCutoff(t *testing.T) {
	call := entity.ToolCall{ID: "c", Name: "web_search", Arguments: map[string]interface{}{}}
	var chatCalls, synthCalls int
	step := func(req *ModelRequest) (*ModelResponse, error) {
		if len(req.Tools) == 0 {
			synthCalls++
			return &ModelResponse{Content: longAnswer, FinishReason: entity.FinishStop}, nil
		}
		chatCalls++
		return &ModelResponse{ToolCalls: []entity.ToolCall{call}, FinishReason: entity.FinishToolCalls}, nil
	}
	client := &scriptedClient{}
	for i := 0; i < 12; i++ {
		client.script = append(client.script, step)
	}

	sel := &fakeSelector{seq: []Candidate{candidate("k1")}}
	o := newTestOrchestrator(sel, &fakePool{clients: map[string]ModelClient{"k1": client}}, &fakeRunner{},
		LoopConfig{MaxToolIterations: 10, SafetyIteration: 2, SubstantiveChars: 50})

	events := collect(t, o.Run(context.Background(), &ChatRequest{
		Messages: []entity.Message{entity.UserMessage("spiral")},
	}))

	last := terminal(t, events)
	if last.Name != entity.EventMessageComplete {
		t.Fatalf("terminal = %s", last.Name)
	}
	if chatCalls != 2 {
		t.Fatalf("chat calls = %d, want the cutoff to fire at the safety iteration", chatCalls)
	}
	if synthCalls != 1 {
		t.Fatalf("synthesis calls = %d, want 1", synthCalls)
	}
}

func TestLoopFallbackWithinIteration(t *testing.T) {
	failing := &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){
		func(req *ModelRequest) (*ModelResponse, error) {
			return nil, apperrors.New(entity.KindUpstream5xx, "upstream exploded")
		},
	}}
	healthy := &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){answer(longAnswer)}}

	sel := &fakeSelector{seq: []Candidate{candidate("bad"), candidate("good")}}
	o := newTestOrchestrator(sel, &fakePool{clients: map[string]ModelClient{
		"bad":  failing,
		"good": healthy,
	}}, &fakeRunner{}, LoopConfig{})

	events := collect(t, o.Run(context.Background(), &ChatRequest{
		Messages: []entity.Message{entity.UserMessage("hi")},
	}))

	last := terminal(t, events)
	if last.Name != entity.EventMessageComplete {
		t.Fatalf("terminal = %s, fallback should have recovered", last.Name)
	}
	if last.Complete.Iterations != 1 {
		t.Fatalf("iterations = %d, fallback must stay within one iteration", last.Complete.Iterations)
	}
	if len(sel.failures) != 1 || sel.failures[0] != entity.KindUpstream5xx {
		t.Fatalf("reported failures = %v", sel.failures)
	}
	// Both attempts are in the call log: the failed one with its kind.
	if len(last.Complete.LLMAPICalls) != 2 {
		t.Fatalf("call log = %d entries, want 2", len(last.Complete.LLMAPICalls))
	}
	if last.Complete.LLMAPICalls[0].ErrorKind != entity.KindUpstream5xx {
		t.Fatal("failed attempt missing its error kind in the call log")
	}
}

func TestLoop4xxNoFallback(t *testing.T) {
	failing := &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){
		func(req *ModelRequest) (*ModelResponse, error) {
			return nil, apperrors.New(entity.KindUpstream4xx, "bad request")
		},
	}}
	healthy := &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){answer(longAnswer)}}

	sel := &fakeSelector{seq: []Candidate{candidate("bad"), candidate("good")}}
	o := newTestOrchestrator(sel, &fakePool{clients: map[string]ModelClient{
		"bad":  failing,
		"good": healthy,
	}}, &fakeRunner{}, LoopConfig{})

	events := collect(t, o.Run(context.Background(), &ChatRequest{
		Messages: []entity.Message{entity.UserMessage("hi")},
	}))

	last := terminal(t, events)
	if last.Name != entity.EventError {
		t.Fatal("4xx must surface immediately, not fall back")
	}
	if last.Error.Kind != entity.KindUpstream4xx {
		t.Fatalf("error kind = %s, want UPSTREAM_4XX", last.Error.Kind)
	}
	if last.Error.CorrelationID == "" {
		t.Fatal("terminal error missing correlation id")
	}
}

func TestLoopNoModelAvailable(t *testing.T) {
	sel := &fakeSelector{err: apperrors.New(entity.KindNoModelAvailable, "pool empty")}
	o := newTestOrchestrator(sel, &fakePool{}, &fakeRunner{}, LoopConfig{})

	events := collect(t, o.Run(context.Background(), &ChatRequest{
		Messages: []entity.Message{entity.UserMessage("hi")},
	}))

	last := terminal(t, events)
	if last.Name != entity.EventError || last.Error.Kind != entity.KindNoModelAvailable {
		t.Fatalf("terminal = %+v, want NO_MODEL_AVAILABLE error", last)
	}
}

func TestLoopClientCancellationIsSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocked := &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){
		func(req *ModelRequest) (*ModelResponse, error) {
			cancel()
			return nil, ctx.Err()
		},
	}}
	sel := &fakeSelector{seq: []Candidate{candidate("k1")}}
	o := newTestOrchestrator(sel, &fakePool{clients: map[string]ModelClient{"k1": blocked}}, &fakeRunner{}, LoopConfig{})

	events := collect(t, o.Run(ctx, &ChatRequest{
		Messages: []entity.Message{entity.UserMessage("hi")},
	}))

	for _, ev := range events {
		if ev.Name == entity.EventError || ev.Name == entity.EventMessageComplete {
			t.Fatalf("cancellation must close the stream silently, got %s", ev.Name)
		}
	}
}

func TestLoopDeadlineStillEmitsComplete(t *testing.T) {
	// The answer lands after the wall clock expired. The terminal event
	// must be delivered every time, not subject to a select race against
	// the closed done channel.
	for run := 0; run < 30; run++ {
		client := &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){
			func(req *ModelRequest) (*ModelResponse, error) {
				time.Sleep(30 * time.Millisecond)
				return &ModelResponse{Content: longAnswer, FinishReason: entity.FinishStop}, nil
			},
		}}
		sel := &fakeSelector{seq: []Candidate{candidate("k1")}}
		o := newTestOrchestrator(sel, &fakePool{clients: map[string]ModelClient{"k1": client}}, &fakeRunner{},
			LoopConfig{RequestDeadline: 10 * time.Millisecond})

		events := collect(t, o.Run(context.Background(), &ChatRequest{
			Messages: []entity.Message{entity.UserMessage("hi")},
		}))

		last := terminal(t, events)
		if last.Name != entity.EventMessageComplete {
			t.Fatalf("run %d: terminal = %s, want message_complete", run, last.Name)
		}
	}
}

func TestLoopDeadlineExceededErrorEmitted(t *testing.T) {
	// The deadline fires between iterations with no text produced yet:
	// the client must still receive the DEADLINE_EXCEEDED terminal.
	call := entity.ToolCall{ID: "c", Name: "web_search", Arguments: map[string]interface{}{}}
	for run := 0; run < 20; run++ {
		client := &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){
			func(req *ModelRequest) (*ModelResponse, error) {
				time.Sleep(30 * time.Millisecond)
				return &ModelResponse{ToolCalls: []entity.ToolCall{call}, FinishReason: entity.FinishToolCalls}, nil
			},
		}}
		sel := &fakeSelector{seq: []Candidate{candidate("k1")}}
		o := newTestOrchestrator(sel, &fakePool{clients: map[string]ModelClient{"k1": client}}, &fakeRunner{},
			LoopConfig{RequestDeadline: 10 * time.Millisecond})

		events := collect(t, o.Run(context.Background(), &ChatRequest{
			Messages: []entity.Message{entity.UserMessage("hi")},
		}))

		last := terminal(t, events)
		if last.Name != entity.EventError {
			t.Fatalf("run %d: terminal = %s, want error", run, last.Name)
		}
		if last.Error.Kind != entity.KindDeadlineExceeded {
			t.Fatalf("run %d: kind = %s, want DEADLINE_EXCEEDED", run, last.Error.Kind)
		}
	}
}

func TestLoopRecordsModelMetrics(t *testing.T) {
	failing := &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){
		func(req *ModelRequest) (*ModelResponse, error) {
			return nil, apperrors.New(entity.KindUpstream5xx, "upstream exploded")
		},
	}}
	healthy := &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){
		func(req *ModelRequest) (*ModelResponse, error) {
			return &ModelResponse{Content: longAnswer, FinishReason: entity.FinishStop, PromptTokens: 10, CompletionTokens: 5}, nil
		},
	}}

	sel := &fakeSelector{seq: []Candidate{candidate("bad"), candidate("good")}}
	o := newTestOrchestrator(sel, &fakePool{clients: map[string]ModelClient{
		"bad":  failing,
		"good": healthy,
	}}, &fakeRunner{}, LoopConfig{})
	metrics := &fakeMetrics{}
	o.SetMetrics(metrics)

	events := collect(t, o.Run(context.Background(), &ChatRequest{
		Messages: []entity.Message{entity.UserMessage("hi")},
	}))
	terminal(t, events)

	if metrics.modelCalls != 2 {
		t.Fatalf("model calls = %d, want 2", metrics.modelCalls)
	}
	if metrics.modelFailed != 1 {
		t.Fatalf("failed model calls = %d, want 1", metrics.modelFailed)
	}
	if metrics.tokens != 15 {
		t.Fatalf("tokens = %d, want 15", metrics.tokens)
	}
}

func TestLoopStreamDeltasArriveBeforeComplete(t *testing.T) {
	client := &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){answer(longAnswer)}}
	sel := &fakeSelector{seq: []Candidate{candidate("k1")}}
	o := newTestOrchestrator(sel, &fakePool{clients: map[string]ModelClient{"k1": client}}, &fakeRunner{}, LoopConfig{})

	events := collect(t, o.Run(context.Background(), &ChatRequest{
		Messages: []entity.Message{entity.UserMessage("hi")},
		Stream:   true,
	}))

	sawDelta := false
	for _, ev := range events {
		if ev.Name == entity.EventDelta {
			sawDelta = true
		}
		if ev.Name == entity.EventMessageComplete && !sawDelta {
			t.Fatal("message_complete before any delta on a streaming request")
		}
	}
	if !sawDelta {
		t.Fatal("no delta events on a streaming request")
	}
}

func TestLoopEmptyContentAfterToolsSynthesizes(t *testing.T) {
	call := entity.ToolCall{ID: "c", Name: "web_search", Arguments: map[string]interface{}{}}
	client := &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){
		toolTurn(call),
		answer(""), // model returns nothing after the tool round
		answer(longAnswer),
	}}
	sel := &fakeSelector{seq: []Candidate{candidate("k1")}}
	o := newTestOrchestrator(sel, &fakePool{clients: map[string]ModelClient{"k1": client}}, &fakeRunner{}, LoopConfig{})

	events := collect(t, o.Run(context.Background(), &ChatRequest{
		Messages: []entity.Message{entity.UserMessage("hi")},
	}))

	last := terminal(t, events)
	if last.Name != entity.EventMessageComplete {
		t.Fatalf("terminal = %s", last.Name)
	}
	if last.Complete.Content != longAnswer {
		t.Fatal("empty post-tool content should trigger one synthesis call")
	}
}
