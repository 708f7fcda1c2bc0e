package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/cache"
	"github.com/relaygw/relay/internal/catalog"
	"github.com/relaygw/relay/internal/config"
	"github.com/relaygw/relay/internal/httpapi"
	"github.com/relaygw/relay/internal/llm"
	"github.com/relaygw/relay/internal/logger"
	"github.com/relaygw/relay/internal/monitoring"
	"github.com/relaygw/relay/internal/service"
	"github.com/relaygw/relay/internal/tool"
	"github.com/relaygw/relay/internal/tool/builtin"
	"github.com/relaygw/relay/pkg/safego"

	// Provider adapters register themselves at init.
	_ "github.com/relaygw/relay/internal/llm/gemini"
	_ "github.com/relaygw/relay/internal/llm/openai"
)

const (
	appName    = "relay-gateway"
	appVersion = "0.1.0"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Relay — multi-provider LLM gateway with an agentic tool loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (optional, env-only without it)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting gateway",
		zap.String("name", appName),
		zap.String("version", appVersion),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	creds, err := catalog.LoadCredentials(os.LookupEnv)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if len(creds) == 0 {
		log.Warn("No provider credentials configured; only request-supplied providers will work")
	}

	cat, err := catalog.Load(cfg.ProviderCatalogPath, creds, log)
	if err != nil {
		return fmt.Errorf("load provider catalog: %w", err)
	}
	safego.Go(log, "catalog-watcher", func() {
		if err := cat.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("Catalog watcher stopped", zap.Error(err))
		}
	})

	toolCache, err := cache.New(cfg.CacheDir, cfg.CacheBytesBudget, log)
	if err != nil {
		return fmt.Errorf("init tool cache: %w", err)
	}

	breakers := llm.NewBreakerRegistry(0, 0, 0) // defaults
	rates := llm.NewRateTracker()
	selector := llm.NewSelector(cat, breakers, rates, log)
	pool := llm.NewPool(log)
	images := llm.NewImageDispatcher(cat, breakers, log)

	monitor := monitoring.NewMonitor(log)

	registry := tool.NewRegistry()
	registerBuiltins(registry, images, log)

	executor := tool.NewExecutor(registry, toolCache, cfg.ToolFanout, cfg.CacheTTLOverride, log)
	executor.SetMetrics(monitor)
	guardrail := service.NewGuardrail(service.GuardrailMode(cfg.GuardrailMode), selector, pool, log)

	orchestrator := service.NewOrchestrator(
		selector,
		pool,
		service.ExecutorRunner{Exec: executor},
		guardrail,
		llm.EstimateTokens,
		service.LoopConfig{
			MaxToolIterations: cfg.MaxToolIterations,
			SafetyIteration:   cfg.SafetyIteration,
			SubstantiveChars:  cfg.SubstantiveChars,
			RequestDeadline:   cfg.RequestDeadline(),
			SelfEvalEnabled:   cfg.SelfEvalMaxRetries > 0,
		},
		log,
	)
	orchestrator.SetMetrics(monitor)

	server := httpapi.NewServer(cfg, orchestrator, images, toolCache, monitor, log)
	server.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}

	log.Info("Gateway stopped")
	return nil
}

// registerBuiltins wires every built-in tool. Tools needing missing
// credentials are skipped with a warning rather than failing startup.
func registerBuiltins(registry *tool.Registry, images *llm.ImageDispatcher, log *zap.Logger) {
	mustRegister := func(t tool.Tool) {
		if err := registry.Register(t); err != nil {
			log.Fatal("Tool registration failed", zap.Error(err))
		}
	}

	if key := os.Getenv("BRAVE_SEARCH_API_KEY"); key != "" {
		mustRegister(builtin.NewWebSearchTool(key, log))
	} else {
		log.Warn("BRAVE_SEARCH_API_KEY not set, web_search disabled")
	}

	mustRegister(builtin.NewScrapePageTool(log))
	mustRegister(builtin.NewYoutubeTool(log))
	mustRegister(builtin.NewTimeTool())
	mustRegister(builtin.NewCalculateTool())
	mustRegister(builtin.NewGenerateImageTool(images, log))
}
