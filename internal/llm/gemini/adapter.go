// Package gemini adapts the Gemini OpenAI-compatibility endpoint. The
// wire format is close enough to reuse the openai adapter wholesale; the
// differences are request-shape quirks handled here before dispatch.
package gemini

import (
	"context"
	"strings"

	"go.uber.org/zap"

	llm "github.com/relaygw/relay/internal/llm"
	"github.com/relaygw/relay/internal/llm/openai"
	"github.com/relaygw/relay/internal/service"
)

func init() {
	llm.RegisterFactory("gemini", func(cfg llm.AdapterConfig, logger *zap.Logger) service.ModelClient {
		return New(cfg, logger)
	})
}

// Adapter wraps the OpenAI-dialect client with Gemini request fixups:
//
//   - tool_choice "required" is not accepted; downgrade to "auto".
//   - response_format alongside tools returns a 400; JSON mode is dropped
//     when tools are present (the prompt still asks for JSON).
type Adapter struct {
	inner  *openai.Adapter
	logger *zap.Logger
}

// New creates a Gemini chat adapter.
func New(cfg llm.AdapterConfig, logger *zap.Logger) *Adapter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	}
	return &Adapter{
		inner:  openai.New(cfg, logger),
		logger: logger.With(zap.String("dialect", "gemini")),
	}
}

// Compile-time interface check
var _ service.ModelClient = (*Adapter)(nil)

// Generate implements service.ModelClient.
func (a *Adapter) Generate(ctx context.Context, req *service.ModelRequest) (*service.ModelResponse, error) {
	return a.inner.Generate(ctx, a.fixup(req))
}

// GenerateStream implements service.ModelClient.
func (a *Adapter) GenerateStream(ctx context.Context, req *service.ModelRequest, deltaCh chan<- service.StreamChunk) (*service.ModelResponse, error) {
	return a.inner.GenerateStream(ctx, a.fixup(req), deltaCh)
}

func (a *Adapter) fixup(req *service.ModelRequest) *service.ModelRequest {
	fixed := *req
	if fixed.ToolChoice == "required" {
		fixed.ToolChoice = "auto"
	}
	if len(fixed.Tools) > 0 && fixed.JSONMode {
		a.logger.Debug("Dropping JSON mode: Gemini rejects response_format with tools")
		fixed.JSONMode = false
	}
	return &fixed
}
