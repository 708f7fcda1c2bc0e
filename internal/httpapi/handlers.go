package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/catalog"
	"github.com/relaygw/relay/internal/domain/entity"
	"github.com/relaygw/relay/internal/service"
)

// chatPayload is the wire shape of POST /chat and POST /planning.
type chatPayload struct {
	Messages []struct {
		Role       string            `json:"role"`
		Content    string            `json:"content"`
		ToolCalls  []entity.ToolCall `json:"tool_calls,omitempty"`
		ToolCallID string            `json:"tool_call_id,omitempty"`
		Name       string            `json:"name,omitempty"`
	} `json:"messages"`
	Providers []struct {
		Type          string   `json:"type"`
		APIKey        string   `json:"apiKey"`
		BaseURL       string   `json:"baseUrl,omitempty"`
		AllowedModels []string `json:"allowedModels,omitempty"`
	} `json:"providers,omitempty"`
	Optimization   string            `json:"optimization,omitempty"`
	Temperature    float64           `json:"temperature,omitempty"`
	MaxTokens      int               `json:"maxTokens,omitempty"`
	Stream         *bool             `json:"stream,omitempty"`
	Language       string            `json:"language,omitempty"`
	VoiceMode      bool              `json:"voiceMode,omitempty"`
	Location       *service.Location `json:"location,omitempty"`
	IsContinuation bool              `json:"isContinuation,omitempty"`
	Tools          []string          `json:"tools,omitempty"`
}

type imagePayload struct {
	Prompt string `json:"prompt"`
}

// handleChat runs the full agentic loop over SSE.
func (s *Server) handleChat(c *gin.Context) {
	s.runAgent(c, false)
}

// handlePlanning is the chat loop with the planning system prompt and a
// reduced tool surface.
func (s *Server) handlePlanning(c *gin.Context) {
	s.runAgent(c, true)
}

func (s *Server) runAgent(c *gin.Context, planning bool) {
	var payload chatPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(payload.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must not be empty"})
		return
	}

	req := s.buildChatRequest(c, &payload, planning)

	s.monitor.IncRequestTotal()
	s.monitor.RequestStarted()
	started := time.Now()
	defer func() {
		s.monitor.RequestFinished()
		s.monitor.RecordRequestLatency(time.Since(started))
	}()

	ctx := c.Request.Context()
	eventCh := s.orchestrator.Run(ctx, req)

	if !req.Stream {
		s.respondBuffered(c, eventCh)
		return
	}

	writer, err := NewSSEWriter(c.Writer, s.logger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer writer.Close()

	succeeded := false
	for event := range eventCh {
		name, data := serializeEvent(event)
		if name == "" {
			continue
		}
		if err := writer.WriteEvent(name, data); err != nil {
			// Client gone. The request context will cancel the loop;
			// drain so the producer goroutine can exit.
			s.logger.Debug("Client disconnected mid-stream", zap.Error(err))
			for range eventCh {
			}
			return
		}
		if event.Name == entity.EventMessageComplete {
			succeeded = true
		}
		if event.Name == entity.EventError {
			s.monitor.IncError()
		}
	}

	if succeeded {
		s.monitor.IncRequestSuccess()
	} else {
		s.monitor.IncRequestFailed()
	}
}

// respondBuffered drains the event stream and answers with a single JSON
// body carrying the terminal event.
func (s *Server) respondBuffered(c *gin.Context, eventCh <-chan entity.StreamEvent) {
	var complete *entity.MessageCompleteEvent
	var failure *entity.ErrorEvent
	for event := range eventCh {
		switch event.Name {
		case entity.EventMessageComplete:
			complete = event.Complete
		case entity.EventError:
			failure = event.Error
		}
	}

	switch {
	case complete != nil:
		s.monitor.IncRequestSuccess()
		c.JSON(http.StatusOK, complete)
	case failure != nil:
		s.monitor.IncRequestFailed()
		s.monitor.IncError()
		c.JSON(statusForKind(failure.Kind), failure)
	default:
		// Channel closed without a terminal event: client cancellation.
		s.monitor.IncRequestFailed()
	}
}

func (s *Server) buildChatRequest(c *gin.Context, payload *chatPayload, planning bool) *service.ChatRequest {
	messages := make([]entity.Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		messages = append(messages, entity.Message{
			Role:       entity.Role(m.Role),
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		})
	}

	var extras []catalog.ProviderCredential
	for i, p := range payload.Providers {
		if p.Type == "" || p.APIKey == "" {
			continue
		}
		extras = append(extras, catalog.ProviderCredential{
			// Request-scoped credentials get indexes past the env pool
			// so breaker and rate keys never collide with it.
			Index:         1000 + i,
			Type:          strings.ToLower(p.Type),
			APIKey:        p.APIKey,
			BaseURL:       p.BaseURL,
			AllowedModels: p.AllowedModels,
			Capabilities:  []catalog.Capability{catalog.CapabilityChat},
		})
	}

	stream := true
	if payload.Stream != nil {
		stream = *payload.Stream
	}

	enabledTools := payload.Tools
	if planning && enabledTools == nil {
		enabledTools = planningTools
	}

	return &service.ChatRequest{
		Messages:         messages,
		Optimization:     parseOptimization(payload.Optimization),
		Temperature:      payload.Temperature,
		MaxTokens:        payload.MaxTokens,
		Stream:           stream,
		Planning:         planning,
		Language:         payload.Language,
		VoiceMode:        payload.VoiceMode,
		Location:         payload.Location,
		IsContinuation:   payload.IsContinuation,
		RequiresVision:   requiresVision(messages),
		EnabledTools:     enabledTools,
		ExtraCredentials: extras,
		UserID:           c.GetHeader("X-User-Id"),
		Seed:             latestUserSeed(messages),
	}
}

// planningTools is the reduced surface for /planning: research tools only,
// no side-effectful generation.
var planningTools = []string{"web_search", "scrape_page", "youtube_metadata", "get_time"}

func parseOptimization(s string) service.Optimization {
	switch service.Optimization(strings.ToLower(s)) {
	case service.OptimizeCheap, service.OptimizeQuality, service.OptimizeFree, service.OptimizeBalanced:
		return service.Optimization(strings.ToLower(s))
	default:
		return service.OptimizeBalanced
	}
}

// requiresVision reports whether the history carries inline image
// content. Only a vision-capable model can interpret an embedded data
// URI; a plain http link in prose does not force the constraint.
func requiresVision(messages []entity.Message) bool {
	for _, m := range messages {
		if m.Role == entity.RoleUser && strings.Contains(m.Content, "data:image/") {
			return true
		}
	}
	return false
}

// latestUserSeed derives the selection jitter seed from the newest user
// turn, so retries of the same question walk the same candidate order.
func latestUserSeed(messages []entity.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == entity.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// handleGenerateImage dispatches one prompt directly, outside the loop.
func (s *Server) handleGenerateImage(c *gin.Context) {
	var payload imagePayload
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	url, provider, err := s.images.GenerateImage(c.Request.Context(), payload.Prompt)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "provider": provider})
}

// handleImageProviderHealth reports breaker state per image credential.
func (s *Server) handleImageProviderHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.images.Health()})
}

// handleCacheStats exposes tool-cache hit and occupancy counters.
func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.Stats())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// serializeEvent maps a loop event to its wire name and payload. Exactly
// one payload pointer is set per event.
func serializeEvent(event entity.StreamEvent) (string, interface{}) {
	switch event.Name {
	case entity.EventLLMRequest:
		return string(event.Name), event.LLMRequest
	case entity.EventLLMResponse:
		return string(event.Name), event.LLMResponse
	case entity.EventDelta:
		return string(event.Name), event.Delta
	case entity.EventToolCall:
		return string(event.Name), event.ToolCall
	case entity.EventToolResult:
		return string(event.Name), event.ToolResult
	case entity.EventMessageComplete:
		return string(event.Name), event.Complete
	case entity.EventError:
		return string(event.Name), event.Error
	default:
		return "", nil
	}
}

// statusForKind maps terminal error kinds to HTTP statuses for the
// non-streaming path.
func statusForKind(kind entity.ErrorKind) int {
	switch kind {
	case entity.KindGuardrailBlocked:
		return http.StatusForbidden
	case entity.KindNoModelAvailable:
		return http.StatusServiceUnavailable
	case entity.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case entity.KindUpstream4xx, entity.KindInvalidArguments:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
