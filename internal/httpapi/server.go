package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/cache"
	"github.com/relaygw/relay/internal/config"
	"github.com/relaygw/relay/internal/llm"
	"github.com/relaygw/relay/internal/monitoring"
	"github.com/relaygw/relay/internal/service"
	"github.com/relaygw/relay/pkg/safego"
)

// Server is the HTTP front of the gateway.
type Server struct {
	server       *http.Server
	logger       *zap.Logger
	monitor      *monitoring.Monitor
	cache        *cache.Cache
	images       *llm.ImageDispatcher
	orchestrator *service.Orchestrator
}

// NewServer builds the router and binds the handlers.
func NewServer(
	cfg *config.Config,
	orchestrator *service.Orchestrator,
	images *llm.ImageDispatcher,
	toolCache *cache.Cache,
	monitor *monitoring.Monitor,
	logger *zap.Logger,
) *Server {
	if cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		logger:       logger.With(zap.String("component", "http")),
		monitor:      monitor,
		cache:        toolCache,
		images:       images,
		orchestrator: orchestrator,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.POST("/chat", s.handleChat)
	router.POST("/planning", s.handlePlanning)
	router.POST("/generate-image", s.handleGenerateImage)
	router.GET("/health-check/image-providers", s.handleImageProviderHealth)
	router.GET("/cache-stats", s.handleCacheStats)
	router.GET("/metrics", gin.WrapH(monitor.PrometheusHandler()))
	router.GET("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: chat streams run up to the request deadline.
	}
	return s
}

// Start begins serving in the background. Listen failures are fatal.
func (s *Server) Start() {
	safego.Go(s.logger, "http-server", func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("HTTP server failed", zap.Error(err))
		}
	})
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// requestLogger logs one line per request through zap. Streaming requests
// log at completion with their full duration.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if path == "/health" || path == "/metrics" {
			return
		}
		s.logger.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("clientIp", c.ClientIP()),
		)
	}
}
