package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/catalog"
	"github.com/relaygw/relay/internal/domain/entity"
	"github.com/relaygw/relay/internal/tool"
	apperrors "github.com/relaygw/relay/pkg/errors"
)

// LoopConfig bounds one request's agentic loop.
type LoopConfig struct {
	MaxToolIterations int           // hard cap (default 10)
	SafetyIteration   int           // strip tool calls and synthesize from here (default 8)
	SubstantiveChars  int           // minimum chars for a "substantive" answer (default 200)
	RequestDeadline   time.Duration // wall clock per request (default 10m)
	SelfEvalEnabled   bool          // grant one extra iteration on a thin answer
	Temperature       float64
}

// DefaultLoopConfig returns production defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxToolIterations: 10,
		SafetyIteration:   8,
		SubstantiveChars:  200,
		RequestDeadline:   10 * time.Minute,
		SelfEvalEnabled:   true,
		Temperature:       0.7,
	}
}

func (c *LoopConfig) applyDefaults() {
	d := DefaultLoopConfig()
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = d.MaxToolIterations
	}
	if c.SafetyIteration <= 0 || c.SafetyIteration > c.MaxToolIterations {
		c.SafetyIteration = d.SafetyIteration
	}
	if c.SubstantiveChars <= 0 {
		c.SubstantiveChars = d.SubstantiveChars
	}
	if c.RequestDeadline <= 0 {
		c.RequestDeadline = d.RequestDeadline
	}
	if c.Temperature == 0 {
		c.Temperature = d.Temperature
	}
}

// ChatRequest is one inbound chat or planning request after transport
// decoding. UserID is attribution only; no policy hangs off it.
type ChatRequest struct {
	Messages         []entity.Message
	Optimization     Optimization
	Temperature      float64
	MaxTokens        int
	Stream           bool
	Planning         bool
	Language         string
	VoiceMode        bool
	Location         *Location
	IsContinuation   bool
	RequiresVision   bool     // inline image content in the history
	EnabledTools     []string // nil = all registered tools
	ExtraCredentials []catalog.ProviderCredential
	UserID           string
	Seed             string
}

// TokenEstimator approximates the prompt token count of a message list.
type TokenEstimator func([]entity.Message) int

// Orchestrator drives the agentic loop for one request at a time. It is
// stateless across requests; all per-request state lives on the stack of
// Run's goroutine.
type Orchestrator struct {
	selector  ModelSelector
	pool      ClientPool
	tools     ToolRunner
	guardrail *Guardrail
	estimate  TokenEstimator
	metrics   Metrics // optional
	config    LoopConfig
	logger    *zap.Logger
}

// NewOrchestrator wires the loop to its collaborators.
func NewOrchestrator(selector ModelSelector, pool ClientPool, tools ToolRunner, guardrail *Guardrail, estimate TokenEstimator, config LoopConfig, logger *zap.Logger) *Orchestrator {
	config.applyDefaults()
	if estimate == nil {
		estimate = func(msgs []entity.Message) int {
			n := 0
			for _, m := range msgs {
				n += len(m.Content)/4 + 4
			}
			return n
		}
	}
	return &Orchestrator{
		selector:  selector,
		pool:      pool,
		tools:     tools,
		guardrail: guardrail,
		estimate:  estimate,
		config:    config,
		logger:    logger.With(zap.String("component", "orchestrator")),
	}
}

// SetMetrics attaches a provider-call counter sink. Safe to leave unset;
// must be called before the first Run.
func (o *Orchestrator) SetMetrics(m Metrics) {
	o.metrics = m
}

// Run executes the loop, emitting events to the returned channel. The
// channel is closed after exactly one terminal event (message_complete or
// error), except on client cancellation, which closes it silently.
func (o *Orchestrator) Run(ctx context.Context, req *ChatRequest) <-chan entity.StreamEvent {
	eventCh := make(chan entity.StreamEvent, 64)

	go func() {
		defer close(eventCh)
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("Agent loop panicked",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				appErr := apperrors.New(entity.KindInternal, "internal error")
				o.emitTerminal(ctx, eventCh, entity.StreamEvent{
					Name:  entity.EventError,
					Error: errorEvent(appErr),
				})
			}
		}()

		runCtx, cancel := context.WithTimeout(ctx, o.config.RequestDeadline)
		defer cancel()
		o.runLoop(runCtx, req, eventCh)
	}()

	return eventCh
}

// loopState is the request-scoped mutable state, exclusively owned by the
// Run goroutine.
type loopState struct {
	messages   []entity.Message
	callsLog   []entity.ProviderCall
	executions []ToolExecution
	iteration  int
	startedAt  time.Time
	lastText   string // most recent non-empty assistant text
}

func (o *Orchestrator) runLoop(ctx context.Context, req *ChatRequest, eventCh chan<- entity.StreamEvent) {
	logger := o.logger.With(zap.String("user", req.UserID))
	state := &loopState{startedAt: time.Now()}

	// Input guardrail, before any model work.
	if o.guardrail != nil {
		verdict := o.guardrail.CheckInput(ctx, latestUserContent(req.Messages))
		if verdict.Call != nil {
			state.callsLog = append(state.callsLog, *verdict.Call)
		}
		if !verdict.Allowed {
			o.emitError(ctx, eventCh, apperrors.New(entity.KindGuardrailBlocked,
				"I can't help with that request."))
			return
		}
	}

	state.messages = append(state.messages, entity.SystemMessage(BuildSystemPrompt(PromptOptions{
		Planning:       req.Planning,
		Language:       req.Language,
		VoiceMode:      req.VoiceMode,
		Location:       req.Location,
		IsContinuation: req.IsContinuation,
	})))
	state.messages = append(state.messages, SanitizeMessages(req.Messages)...)

	toolDefs := o.tools.Definitions(req.EnabledTools)
	selfEvalUsed := false
	bonusIteration := 0

	for state.iteration = 1; state.iteration <= o.config.MaxToolIterations+bonusIteration; state.iteration++ {
		if err := ctx.Err(); err != nil {
			o.finishOnDeadline(ctx, req, state, eventCh)
			return
		}

		logger.Info("Loop iteration",
			zap.Int("iteration", state.iteration),
			zap.Int("messages", len(state.messages)),
		)

		resp, err := o.callWithFallback(ctx, req, state, toolDefs, entity.PhaseChatIteration, eventCh)
		if err != nil {
			if apperrors.KindOf(err) == entity.KindClientCanceled {
				return // silent: no further events
			}
			o.emitError(ctx, eventCh, err)
			return
		}

		if text := strings.TrimSpace(resp.Content); text != "" {
			state.lastText = text
		}

		substantive := len(strings.TrimSpace(resp.Content)) > o.config.SubstantiveChars

		// Safety cutoff: the model still wants tools but has produced
		// nothing usable. Discard the pending calls and ask for a final
		// non-tool answer instead of burning more iterations.
		if len(resp.ToolCalls) > 0 && state.iteration >= o.config.SafetyIteration && !substantive {
			logger.Warn("Safety iteration reached, forcing synthesis",
				zap.Int("iteration", state.iteration),
				zap.Int("pending_tool_calls", len(resp.ToolCalls)),
			)
			o.finishWithSynthesis(ctx, req, state, eventCh)
			return
		}

		if len(resp.ToolCalls) == 0 {
			content := strings.TrimSpace(resp.Content)

			// Empty terminal content after tool work: one synthesis call
			// recovers a usable answer more often than not.
			if content == "" && state.iteration > 1 {
				o.finishWithSynthesis(ctx, req, state, eventCh)
				return
			}

			// Self-evaluation, at most once per request.
			if o.config.SelfEvalEnabled && !selfEvalUsed && content != "" && !substantive {
				selfEvalUsed = true
				if !o.selfEvaluate(ctx, state, content) {
					logger.Info("Self-evaluation judged answer incomprehensive, granting one iteration")
					bonusIteration = 1
					state.messages = append(state.messages,
						entity.Message{Role: entity.RoleAssistant, Content: resp.Content},
						entity.UserMessage("Your previous answer was incomplete. Expand it into a full answer to my original question."),
					)
					continue
				}
			}

			o.finish(ctx, req, state, content, eventCh)
			return
		}

		// Tool round: announce, execute concurrently, append replies in
		// the original call order.
		state.messages = append(state.messages, entity.Message{
			Role:      entity.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			o.emit(ctx, eventCh, entity.StreamEvent{
				Name: entity.EventToolCall,
				ToolCall: &entity.ToolCallEvent{
					ID:        tc.ID,
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}

		executions := o.tools.ExecuteAll(ctx, resp.ToolCalls)
		if ctx.Err() != nil && apperrors.KindOf(ctx.Err()) == entity.KindClientCanceled {
			return
		}
		for _, exec := range executions {
			state.executions = append(state.executions, exec)
			o.emit(ctx, eventCh, entity.StreamEvent{
				Name: entity.EventToolResult,
				ToolResult: &entity.ToolResultEvent{
					ID:        exec.Call.ID,
					Name:      exec.Call.Name,
					Content:   exec.Content,
					Cached:    exec.Cached,
					ErrorKind: exec.ErrorKind,
				},
			})
			state.messages = append(state.messages, entity.ToolReply(exec.Call, exec.Content))
		}
	}

	// Iteration cap reached. Best effort: synthesize from what we have.
	state.iteration = o.config.MaxToolIterations
	logger.Warn("Iteration cap reached", zap.Int("max", o.config.MaxToolIterations))
	o.finishWithSynthesis(ctx, req, state, eventCh)
}

// callWithFallback walks the selector's candidate sequence until one
// model answers. Breaker-tripping failures advance to the next candidate
// within the same iteration; client-caused 4xx fails immediately.
func (o *Orchestrator) callWithFallback(ctx context.Context, req *ChatRequest, state *loopState, toolDefs []tool.Definition, phase entity.CallPhase, eventCh chan<- entity.StreamEvent) (*ModelResponse, error) {
	seq, err := o.selector.SelectSequence(Requirements{
		Optimization:      req.Optimization,
		RequiresTools:     len(toolDefs) > 0,
		RequiresVision:    req.RequiresVision,
		RequiresStreaming: req.Stream,
		RequiresJSONMode:  req.VoiceMode,
		ContextTokens:     o.estimate(state.messages),
		MaxTokens:         req.MaxTokens,
		Seed:              req.Seed,
		ExtraCredentials:  req.ExtraCredentials,
	})
	if err != nil {
		return nil, err
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = o.config.Temperature
	}

	var lastErr error
	for _, cand := range seq {
		client, err := o.pool.ClientFor(cand)
		if err != nil {
			lastErr = err
			continue
		}

		modelReq := &ModelRequest{
			Messages:    state.messages,
			Tools:       toolDefs,
			Model:       cand.Model.ModelID,
			MaxTokens:   req.MaxTokens,
			Temperature: temperature,
			JSONMode:    req.VoiceMode && len(toolDefs) == 0,
		}

		o.emit(ctx, eventCh, entity.StreamEvent{
			Name: entity.EventLLMRequest,
			LLMRequest: &entity.LLMRequestEvent{
				Phase:     phase,
				Provider:  cand.Model.ProviderType,
				Model:     cand.Model.ModelID,
				Iteration: state.iteration,
				Request:   sanitizeRequest(modelReq),
			},
		})

		start := time.Now()
		resp, err := o.callModel(ctx, client, modelReq, req.Stream, eventCh)
		duration := time.Since(start)
		o.recordModelCall(resp, err)

		call := entity.ProviderCall{
			Phase:      phase,
			Provider:   cand.Model.ProviderType,
			Model:      cand.Model.ModelID,
			Iteration:  state.iteration,
			DurationMs: duration.Milliseconds(),
		}

		if err != nil {
			kind := apperrors.KindOf(err)
			call.ErrorKind = kind
			state.callsLog = append(state.callsLog, call)
			o.selector.ReportFailure(cand, kind)

			switch {
			case kind == entity.KindClientCanceled:
				return nil, apperrors.Wrap(kind, "client canceled", err)
			case kind.TripsBreaker():
				o.logger.Warn("Provider call failed, advancing to next candidate",
					zap.String("provider", cand.Model.ProviderType),
					zap.String("model", cand.Model.ModelID),
					zap.String("kind", string(kind)),
					zap.Error(err),
				)
				lastErr = err
				continue
			default:
				// 4xx and friends: no fallback, surface with detail.
				return nil, apperrors.Wrap(kind, fmt.Sprintf("provider %s rejected the request", cand.Model.ProviderType), err)
			}
		}

		o.selector.ReportSuccess(cand)
		o.selector.CommitUsage(cand, resp.PromptTokens, resp.CompletionTokens)

		call.PromptTokens = resp.PromptTokens
		call.CompletionTokens = resp.CompletionTokens
		call.Status = resp.Status
		call.Headers = resp.Headers
		state.callsLog = append(state.callsLog, call)

		o.emit(ctx, eventCh, entity.StreamEvent{
			Name: entity.EventLLMResponse,
			LLMResponse: &entity.LLMResponseEvent{
				Phase:        phase,
				Provider:     cand.Model.ProviderType,
				Model:        cand.Model.ModelID,
				Iteration:    state.iteration,
				FinishReason: resp.FinishReason,
				DurationMs:   duration.Milliseconds(),
				Status:       resp.Status,
				Headers:      resp.Headers,
			},
		})
		return resp, nil
	}

	if lastErr == nil {
		lastErr = apperrors.New(entity.KindNoModelAvailable, "no candidate available")
	}
	return nil, apperrors.Wrap(apperrors.KindOf(lastErr), "fallback sequence exhausted", lastErr)
}

// callModel performs one provider call, pumping streamed deltas to the
// client as they arrive.
func (o *Orchestrator) callModel(ctx context.Context, client ModelClient, modelReq *ModelRequest, stream bool, eventCh chan<- entity.StreamEvent) (*ModelResponse, error) {
	if !stream {
		resp, err := client.Generate(ctx, modelReq)
		if err != nil {
			return nil, err
		}
		if resp.Content != "" {
			o.emit(ctx, eventCh, entity.StreamEvent{
				Name:  entity.EventDelta,
				Delta: &entity.DeltaEvent{Text: resp.Content},
			})
		}
		return resp, nil
	}

	deltaCh := make(chan StreamChunk, 32)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for chunk := range deltaCh {
			if chunk.DeltaText != "" {
				o.emit(ctx, eventCh, entity.StreamEvent{
					Name:  entity.EventDelta,
					Delta: &entity.DeltaEvent{Text: chunk.DeltaText},
				})
			}
		}
	}()

	resp, err := client.GenerateStream(ctx, modelReq, deltaCh)
	close(deltaCh)
	<-pumpDone
	return resp, err
}

// finishWithSynthesis strips any pending tool intent and requests one
// last non-tool completion over the gathered context. Not counted against
// the iteration cap.
func (o *Orchestrator) finishWithSynthesis(ctx context.Context, req *ChatRequest, state *loopState, eventCh chan<- entity.StreamEvent) {
	state.messages = SanitizeMessages(state.messages)
	state.messages = append(state.messages, entity.SystemMessage(synthesisNote))

	resp, err := o.callWithFallback(ctx, req, state, nil, entity.PhaseFinalSynthesis, eventCh)
	if err != nil {
		if apperrors.KindOf(err) == entity.KindClientCanceled {
			return
		}
		// Partial answer beats an error when we have one.
		if state.lastText != "" {
			o.finish(ctx, req, state, state.lastText, eventCh)
			return
		}
		o.emitError(ctx, eventCh, apperrors.Wrap(entity.KindMaxIterations,
			"could not produce a final answer", err))
		return
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		content = state.lastText
	}
	o.finish(ctx, req, state, content, eventCh)
}

// finishOnDeadline closes out a request whose wall clock expired.
func (o *Orchestrator) finishOnDeadline(ctx context.Context, req *ChatRequest, state *loopState, eventCh chan<- entity.StreamEvent) {
	if state.lastText != "" {
		o.finish(ctx, req, state, state.lastText, eventCh)
		return
	}
	o.emitError(ctx, eventCh, apperrors.New(entity.KindDeadlineExceeded,
		"request deadline exceeded before an answer was produced"))
}

// finish runs the output guardrail and emits message_complete.
func (o *Orchestrator) finish(ctx context.Context, req *ChatRequest, state *loopState, content string, eventCh chan<- entity.StreamEvent) {
	if o.guardrail != nil {
		verdict := o.guardrail.CheckOutput(ctx, content)
		if verdict.Call != nil {
			state.callsLog = append(state.callsLog, *verdict.Call)
		}
		if !verdict.Allowed {
			o.emitError(ctx, eventCh, apperrors.New(entity.KindGuardrailBlocked,
				"I can't share that response."))
			return
		}
	}

	o.emitTerminal(ctx, eventCh, entity.StreamEvent{
		Name: entity.EventMessageComplete,
		Complete: &entity.MessageCompleteEvent{
			Content:          content,
			LLMAPICalls:      state.callsLog,
			ExtractedContent: ExtractArtifacts(state.executions),
			Iterations:       state.iteration,
			StartedAt:        state.startedAt,
			DurationMs:       time.Since(state.startedAt).Milliseconds(),
		},
	})
}

// selfEvaluate asks a cheap model whether the candidate answer is
// comprehensive. Any failure counts as comprehensive (fail-open).
func (o *Orchestrator) selfEvaluate(ctx context.Context, state *loopState, answer string) bool {
	candidates, err := o.selector.SelectSequence(Requirements{
		Optimization:     OptimizeCheap,
		RequiredCategory: catalog.CategorySmall,
		MaxTokens:        128,
		Seed:             "self-eval",
	})
	if err != nil || len(candidates) == 0 {
		return true
	}
	cand := candidates[0]
	client, err := o.pool.ClientFor(cand)
	if err != nil {
		return true
	}

	start := time.Now()
	resp, err := client.Generate(ctx, &ModelRequest{
		Messages:  []entity.Message{entity.UserMessage(BuildSelfEvalPrompt(answer))},
		Model:     cand.Model.ModelID,
		MaxTokens: 128,
	})
	o.recordModelCall(resp, err)
	if err != nil {
		o.selector.ReportFailure(cand, apperrors.KindOf(err))
		return true
	}
	o.selector.ReportSuccess(cand)
	o.selector.CommitUsage(cand, resp.PromptTokens, resp.CompletionTokens)
	state.callsLog = append(state.callsLog, entity.ProviderCall{
		Phase:            entity.PhaseSelfEvaluation,
		Provider:         cand.Model.ProviderType,
		Model:            cand.Model.ModelID,
		Iteration:        state.iteration,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		DurationMs:       time.Since(start).Milliseconds(),
		Status:           resp.Status,
	})

	return ParseSelfEvaluation(resp.Content)
}

// emit delivers one event, blocking until the consumer accepts it or the
// request is canceled. Blocking is the back-pressure mechanism: a slow
// client pauses the loop rather than dropping events.
func (o *Orchestrator) emit(ctx context.Context, ch chan<- entity.StreamEvent, event entity.StreamEvent) {
	select {
	case ch <- event:
	case <-ctx.Done():
	}
}

// emitTerminal delivers the single terminal event with an unconditional
// send. After the request deadline expires ctx.Done() is closed, and a
// racing select would drop the terminal event; the stream contract says
// only client cancellation may end it silently.
func (o *Orchestrator) emitTerminal(ctx context.Context, ch chan<- entity.StreamEvent, event entity.StreamEvent) {
	if context.Cause(ctx) == context.Canceled {
		return
	}
	ch <- event
}

func (o *Orchestrator) emitError(ctx context.Context, ch chan<- entity.StreamEvent, err error) {
	appErr := apperrors.AsApp(err)
	o.logger.Error("Request failed",
		zap.String("kind", string(appErr.Kind)),
		zap.String("correlation_id", appErr.CorrelationID),
		zap.Error(err),
	)
	o.emitTerminal(ctx, ch, entity.StreamEvent{
		Name:  entity.EventError,
		Error: errorEvent(appErr),
	})
}

// recordModelCall feeds the metrics sink, when one is attached.
func (o *Orchestrator) recordModelCall(resp *ModelResponse, err error) {
	if o.metrics == nil {
		return
	}
	o.metrics.IncModelCall()
	if err != nil {
		o.metrics.IncModelCallFailed()
		return
	}
	o.metrics.AddTokensUsed(resp.TotalTokens())
}

func errorEvent(e *apperrors.AppError) *entity.ErrorEvent {
	return &entity.ErrorEvent{
		Kind:          e.Kind,
		Code:          e.Code,
		Message:       e.Message,
		CorrelationID: e.CorrelationID,
	}
}

// sanitizeRequest is the llm_request payload: structure without secrets
// or full message bodies.
func sanitizeRequest(req *ModelRequest) map[string]interface{} {
	toolNames := make([]string, 0, len(req.Tools))
	for _, t := range req.Tools {
		toolNames = append(toolNames, t.Name)
	}
	return map[string]interface{}{
		"model":       req.Model,
		"messages":    len(req.Messages),
		"tools":       toolNames,
		"maxTokens":   req.MaxTokens,
		"temperature": req.Temperature,
		"jsonMode":    req.JSONMode,
	}
}

// latestUserContent returns the content of the newest user message.
func latestUserContent(messages []entity.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == entity.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
