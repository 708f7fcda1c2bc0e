package openai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/domain/entity"
	llm "github.com/relaygw/relay/internal/llm"
	"github.com/relaygw/relay/internal/service"
)

func init() {
	llm.RegisterFactory("openai", func(cfg llm.AdapterConfig, logger *zap.Logger) service.ModelClient {
		return New(cfg, logger)
	})
}

// Adapter is a Go-native OpenAI-compatible HTTP client.
// Compatible with: OpenAI, Groq, DeepSeek, Mistral, Ollama, vLLM, etc.
type Adapter struct {
	providerType string
	baseURL      string
	apiKey       string
	client       *http.Client
	logger       *zap.Logger
}

// New creates an OpenAI-compatible chat adapter.
func New(cfg llm.AdapterConfig, logger *zap.Logger) *Adapter {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Adapter{
		providerType: cfg.Type,
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		client: &http.Client{
			Transport: transport,
		},
		logger: logger.With(zap.String("provider", cfg.Type), zap.String("dialect", "openai")),
	}
}

// Compile-time interface check
var _ service.ModelClient = (*Adapter)(nil)

// Generate implements service.ModelClient (non-streaming).
func (a *Adapter) Generate(ctx context.Context, req *service.ModelRequest) (*service.ModelResponse, error) {
	apiReq := a.buildAPIRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, body, false)
	if err != nil {
		return nil, llm.NewTransportError(a.providerType, req.Model, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewTransportError(a.providerType, req.Model, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, llm.NewStatusError(a.providerType, req.Model, resp.StatusCode, TruncateForLog(string(respBody), 500))
	}

	parsed, err := a.parseAPIResponse(respBody)
	if err != nil {
		return nil, &llm.ProviderError{
			Provider: a.providerType,
			Model:    req.Model,
			Kind:     entity.KindProtocolError,
			Err:      err,
		}
	}
	parsed.Status = resp.StatusCode
	parsed.Headers = captureHeaders(resp.Header)
	return parsed, nil
}

// GenerateStream implements service.ModelClient with SSE streaming.
func (a *Adapter) GenerateStream(ctx context.Context, req *service.ModelRequest, deltaCh chan<- service.StreamChunk) (*service.ModelResponse, error) {
	apiReq := a.buildAPIRequest(req)

	streamBody := StreamRequest{
		Request:       apiReq,
		Stream:        true,
		StreamOptions: map[string]interface{}{"include_usage": true},
	}

	body, err := json.Marshal(streamBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, body, true)
	if err != nil {
		return nil, llm.NewTransportError(a.providerType, req.Model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, llm.NewStatusError(a.providerType, req.Model, resp.StatusCode, TruncateForLog(string(respBody), 500))
	}

	// Context cancellation body-close watchdog
	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.logger.Info("Context cancelled, force-closing SSE stream",
				zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	result, err := ParseSSEStream(ctx, resp.Body, deltaCh, a.logger)
	close(streamDone)
	if err != nil {
		if ctx.Err() != nil {
			return nil, llm.NewTransportError(a.providerType, req.Model, ctx.Err())
		}
		return nil, &llm.ProviderError{
			Provider: a.providerType,
			Model:    req.Model,
			Kind:     entity.KindProtocolError,
			Err:      err,
		}
	}
	result.Status = resp.StatusCode
	result.Headers = captureHeaders(resp.Header)
	return result, nil
}

func (a *Adapter) post(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	return a.client.Do(httpReq)
}

// --- Internal conversion methods ---

func (a *Adapter) buildAPIRequest(req *service.ModelRequest) *Request {
	// Strip provider prefix (e.g. "groq/llama-3.3-70b" → "llama-3.3-70b")
	model := req.Model
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	apiReq := &Request{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		ToolChoice:  req.ToolChoice,
	}
	if req.JSONMode {
		apiReq.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	for _, msg := range req.Messages {
		apiMsg := Message{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}

		for _, tc := range msg.ToolCalls {
			apiMsg.ToolCalls = append(apiMsg.ToolCalls, ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: ToolCallFunc{
					Name:      tc.Name,
					Arguments: MarshalToolCallArgs(tc.Arguments),
				},
			})
		}

		apiReq.Messages = append(apiReq.Messages, apiMsg)
	}

	for _, td := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  ConvertSchema(td.Parameters),
			},
		})
	}

	return apiReq
}

func (a *Adapter) parseAPIResponse(body []byte) (*service.ModelResponse, error) {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("empty response: no choices")
	}

	choice := apiResp.Choices[0]
	resp := &service.ModelResponse{
		Content:          choice.Message.Content,
		ModelUsed:        apiResp.Model,
		PromptTokens:     apiResp.Usage.Prompt(),
		CompletionTokens: apiResp.Usage.Completion(),
		FinishReason:     FinishReasonFrom(choice.FinishReason),
	}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("parse tool call arguments for %s: %w", tc.Function.Name, err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, entity.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	if len(resp.ToolCalls) > 0 && resp.FinishReason == "" {
		resp.FinishReason = entity.FinishToolCalls
	}
	return resp, nil
}

// captureHeaders keeps the rate-limit and request-id headers worth
// surfacing in call records.
func captureHeaders(h http.Header) map[string]string {
	keep := []string{
		"X-Request-Id",
		"X-Ratelimit-Remaining-Requests",
		"X-Ratelimit-Remaining-Tokens",
		"Retry-After",
	}
	out := make(map[string]string)
	for _, k := range keep {
		if v := h.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}
