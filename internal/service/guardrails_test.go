package service

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/domain/entity"
	apperrors "github.com/relaygw/relay/pkg/errors"
)

func moderationClient(reply string) *scriptedClient {
	return &scriptedClient{script: []func(*ModelRequest) (*ModelResponse, error){
		func(req *ModelRequest) (*ModelResponse, error) {
			return &ModelResponse{Content: reply, FinishReason: entity.FinishStop}, nil
		},
	}}
}

func newTestGuardrail(mode GuardrailMode, client ModelClient, err error) *Guardrail {
	sel := &fakeSelector{seq: []Candidate{candidate("mod")}, err: err}
	pool := &fakePool{clients: map[string]ModelClient{"mod": client}}
	return NewGuardrail(mode, sel, pool, zap.NewNop())
}

func TestGuardrailOffSkipsModeration(t *testing.T) {
	// A client that would block everything; it must never be consulted.
	g := newTestGuardrail(GuardrailOff, moderationClient(`{"allowed": false}`), nil)
	if v := g.CheckInput(context.Background(), "anything at all"); !v.Allowed {
		t.Fatal("off mode must allow without calling moderation")
	}
}

func TestGuardrailEmptyTextAllowed(t *testing.T) {
	g := newTestGuardrail(GuardrailClosed, moderationClient(`{"allowed": false}`), nil)
	if v := g.CheckOutput(context.Background(), "   "); !v.Allowed {
		t.Fatal("empty text must pass without a moderation call")
	}
}

func TestGuardrailBlocksOnVerdict(t *testing.T) {
	g := newTestGuardrail(GuardrailOpen, moderationClient(`{"allowed": false, "reason": "disallowed topic"}`), nil)

	v := g.CheckInput(context.Background(), "something objectionable")
	if v.Allowed {
		t.Fatal("explicit deny verdict must block")
	}
	if v.Reason != "disallowed topic" {
		t.Fatalf("reason = %q", v.Reason)
	}
	if v.Call == nil {
		t.Fatal("moderation verdict must carry the provider call record")
	}
	if v.Call.Phase != entity.PhaseGuardrailInput {
		t.Fatalf("call phase = %s", v.Call.Phase)
	}
}

func TestGuardrailAllowsOnVerdict(t *testing.T) {
	g := newTestGuardrail(GuardrailClosed, moderationClient(`{"allowed": true}`), nil)
	if v := g.CheckInput(context.Background(), "benign question"); !v.Allowed {
		t.Fatal("explicit allow verdict must pass even in closed mode")
	}
}

func TestGuardrailFailOpenOnModerationError(t *testing.T) {
	g := newTestGuardrail(GuardrailOpen, nil,
		apperrors.New(entity.KindNoModelAvailable, "no small model"))
	if v := g.CheckInput(context.Background(), "question"); !v.Allowed {
		t.Fatal("open mode must allow when moderation is unavailable")
	}
}

func TestGuardrailFailClosedOnModerationError(t *testing.T) {
	g := newTestGuardrail(GuardrailClosed, nil,
		apperrors.New(entity.KindNoModelAvailable, "no small model"))
	if v := g.CheckInput(context.Background(), "question"); v.Allowed {
		t.Fatal("closed mode must block when moderation is unavailable")
	}
}

func TestGuardrailUnparseableReplyUsesMode(t *testing.T) {
	open := newTestGuardrail(GuardrailOpen, moderationClient("I cannot judge this."), nil)
	v := open.CheckInput(context.Background(), "question")
	if !v.Allowed {
		t.Fatal("open mode must allow on an unparseable verdict")
	}
	if v.Call == nil {
		t.Fatal("an unparseable verdict still cost a provider call; the record must survive")
	}
	if v.Call.Phase != entity.PhaseGuardrailInput {
		t.Fatalf("call phase = %s", v.Call.Phase)
	}

	closed := newTestGuardrail(GuardrailClosed, moderationClient("I cannot judge this."), nil)
	v = closed.CheckInput(context.Background(), "question")
	if v.Allowed {
		t.Fatal("closed mode must block on an unparseable verdict")
	}
	if v.Call == nil {
		t.Fatal("blocked verdict must keep the provider call record")
	}
}

func TestGuardrailFencedJSONVerdict(t *testing.T) {
	g := newTestGuardrail(GuardrailOpen, moderationClient("```json\n{\"allowed\": false, \"reason\": \"nope\"}\n```"), nil)
	if v := g.CheckInput(context.Background(), "question"); v.Allowed {
		t.Fatal("fenced JSON verdict must be parsed")
	}
}

func TestOrchestratorInputGuardrailBlocks(t *testing.T) {
	guard := newTestGuardrail(GuardrailOpen, moderationClient(`{"allowed": false, "reason": "no"}`), nil)
	sel := &fakeSelector{seq: []Candidate{candidate("k1")}}
	pool := &fakePool{clients: map[string]ModelClient{"k1": &scriptedClient{}}}
	o := NewOrchestrator(sel, pool, &fakeRunner{}, guard, nil, LoopConfig{}, zap.NewNop())

	events := collect(t, o.Run(context.Background(), &ChatRequest{
		Messages: []entity.Message{entity.UserMessage("blocked content")},
	}))

	last := terminal(t, events)
	if last.Name != entity.EventError || last.Error.Kind != entity.KindGuardrailBlocked {
		t.Fatalf("terminal = %+v, want GUARDRAIL_BLOCKED", last)
	}
	for _, ev := range events {
		if ev.Name == entity.EventLLMRequest && ev.LLMRequest.Phase == entity.PhaseChatIteration {
			t.Fatal("chat model called despite a blocked input")
		}
	}
}
