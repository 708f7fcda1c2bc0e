package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/catalog"
	"github.com/relaygw/relay/internal/domain/entity"
	apperrors "github.com/relaygw/relay/pkg/errors"
)

// GuardrailMode controls what happens when moderation cannot run.
type GuardrailMode string

const (
	GuardrailOff    GuardrailMode = "off"    // no moderation calls at all
	GuardrailOpen   GuardrailMode = "open"   // moderation failure → request proceeds
	GuardrailClosed GuardrailMode = "closed" // moderation failure → request blocked
)

// GuardrailVerdict is the outcome of one moderation check.
type GuardrailVerdict struct {
	Allowed bool
	Reason  string
	Call    *entity.ProviderCall // nil when no model call was made
}

// Guardrail moderates request input and response output through a cheap
// model chosen by the normal selector. Moderation calls bypass the tool
// loop entirely.
type Guardrail struct {
	mode     GuardrailMode
	selector ModelSelector
	pool     ClientPool
	logger   *zap.Logger
}

// NewGuardrail creates the moderation filter.
func NewGuardrail(mode GuardrailMode, selector ModelSelector, pool ClientPool, logger *zap.Logger) *Guardrail {
	if mode == "" {
		mode = GuardrailOpen
	}
	return &Guardrail{
		mode:     mode,
		selector: selector,
		pool:     pool,
		logger:   logger.With(zap.String("component", "guardrail")),
	}
}

// CheckInput moderates the user's latest input before the loop starts.
func (g *Guardrail) CheckInput(ctx context.Context, text string) GuardrailVerdict {
	return g.check(ctx, text, entity.PhaseGuardrailInput)
}

// CheckOutput moderates the model's final content.
func (g *Guardrail) CheckOutput(ctx context.Context, text string) GuardrailVerdict {
	return g.check(ctx, text, entity.PhaseGuardrailOutput)
}

func (g *Guardrail) check(ctx context.Context, text string, phase entity.CallPhase) GuardrailVerdict {
	if g.mode == GuardrailOff || strings.TrimSpace(text) == "" {
		return GuardrailVerdict{Allowed: true}
	}

	verdict, err := g.moderate(ctx, text, phase)
	if err != nil {
		// verdict.Call may carry a real billed call (unparseable reply);
		// it belongs in the request's call log either way.
		if g.mode == GuardrailClosed {
			g.logger.Warn("Moderation unavailable, blocking (fail-closed)",
				zap.String("phase", string(phase)),
				zap.Error(err),
			)
			return GuardrailVerdict{Allowed: false, Reason: "moderation unavailable", Call: verdict.Call}
		}
		g.logger.Warn("Moderation unavailable, proceeding (fail-open)",
			zap.String("phase", string(phase)),
			zap.Error(err),
		)
		return GuardrailVerdict{Allowed: true, Call: verdict.Call}
	}
	return verdict
}

var errUnparseableVerdict = errors.New("unparseable moderation reply")

type moderationReply struct {
	Allowed *bool  `json:"allowed"`
	Reason  string `json:"reason"`
}

func (g *Guardrail) moderate(ctx context.Context, text string, phase entity.CallPhase) (GuardrailVerdict, error) {
	candidates, err := g.selector.SelectSequence(Requirements{
		Optimization:     OptimizeCheap,
		RequiredCategory: catalog.CategorySmall,
		MaxTokens:        256,
		Seed:             string(phase),
	})
	if err != nil {
		return GuardrailVerdict{}, err
	}

	var lastErr error
	for _, cand := range candidates {
		client, err := g.pool.ClientFor(cand)
		if err != nil {
			lastErr = err
			continue
		}

		start := time.Now()
		resp, err := client.Generate(ctx, &ModelRequest{
			Messages: []entity.Message{
				entity.UserMessage(BuildGuardrailPrompt(text)),
			},
			Model:     cand.Model.ModelID,
			MaxTokens: 256,
			JSONMode:  cand.Model.SupportsJSONMode,
		})
		if err != nil {
			g.selector.ReportFailure(cand, apperrors.KindOf(err))
			lastErr = err
			continue
		}
		g.selector.ReportSuccess(cand)
		g.selector.CommitUsage(cand, resp.PromptTokens, resp.CompletionTokens)

		call := &entity.ProviderCall{
			Phase:            phase,
			Provider:         cand.Model.ProviderType,
			Model:            cand.Model.ModelID,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			DurationMs:       time.Since(start).Milliseconds(),
			Status:           resp.Status,
			Headers:          resp.Headers,
		}

		var reply moderationReply
		if err := json.Unmarshal([]byte(stripCodeFence(strings.TrimSpace(resp.Content))), &reply); err != nil || reply.Allowed == nil {
			// Unparseable verdict counts as moderation unavailable; the
			// configured mode decides what happens next.
			g.logger.Warn("Unparseable moderation reply",
				zap.String("content", resp.Content),
			)
			return GuardrailVerdict{Call: call}, errUnparseableVerdict
		}
		return GuardrailVerdict{Allowed: *reply.Allowed, Reason: reply.Reason, Call: call}, nil
	}
	return GuardrailVerdict{}, lastErr
}
