package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the gateway's full runtime configuration. Values come from an
// optional config file plus environment variables; the environment wins.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`

	// Agentic loop knobs
	MaxToolIterations  int `mapstructure:"max_tool_iterations"`
	SafetyIteration    int `mapstructure:"safety_iteration"`
	RequestDeadlineSec int `mapstructure:"request_deadline_seconds"`
	ToolFanout         int `mapstructure:"tool_fanout"`
	SubstantiveChars   int `mapstructure:"substantive_chars"`
	SelfEvalMaxRetries int `mapstructure:"self_eval_max_retries"`

	// Cache
	CacheBytesBudget int64             `mapstructure:"cache_bytes_budget"`
	CacheDir         string            `mapstructure:"cache_dir"`
	CacheTTLOverride map[string]int    `mapstructure:"-"` // tool name -> seconds, from CACHE_TTL_* env

	// Guardrails: off | open | closed
	GuardrailMode string `mapstructure:"guardrail_mode"`

	// Catalog
	ProviderCatalogPath string `mapstructure:"provider_catalog_path"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, production
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// recognizedKeys is the closed set of config-file options. Unknown keys are
// rejected at load rather than silently ignored.
var recognizedKeys = map[string]bool{
	"server.host":              true,
	"server.port":              true,
	"server.mode":              true,
	"log.level":                true,
	"log.format":               true,
	"max_tool_iterations":      true,
	"safety_iteration":         true,
	"request_deadline_seconds": true,
	"tool_fanout":              true,
	"substantive_chars":        true,
	"self_eval_max_retries":    true,
	"cache_bytes_budget":       true,
	"cache_dir":                true,
	"guardrail_mode":           true,
	"provider_catalog_path":    true,
}

// Load reads configuration from the optional file at path (empty = env
// only) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "production")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("max_tool_iterations", 10)
	v.SetDefault("safety_iteration", 8)
	v.SetDefault("request_deadline_seconds", 600)
	v.SetDefault("tool_fanout", 4)
	v.SetDefault("substantive_chars", 200)
	v.SetDefault("self_eval_max_retries", 1)
	v.SetDefault("cache_bytes_budget", int64(512*1024*1024))
	v.SetDefault("cache_dir", defaultCacheDir())
	v.SetDefault("guardrail_mode", "open")
	v.SetDefault("provider_catalog_path", "catalog.json")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		for _, key := range v.AllKeys() {
			if !recognizedKeys[key] {
				return nil, fmt.Errorf("unrecognized config key %q", key)
			}
		}
	}

	// Environment bindings. Names match the wire-contract variable set.
	bindings := map[string]string{
		"max_tool_iterations":      "MAX_TOOL_ITERATIONS",
		"safety_iteration":         "SAFETY_ITERATION",
		"request_deadline_seconds": "REQUEST_DEADLINE_SECONDS",
		"tool_fanout":              "TOOL_FANOUT",
		"cache_bytes_budget":       "CACHE_BYTES_BUDGET",
		"cache_dir":                "CACHE_DIR",
		"guardrail_mode":           "GUARDRAIL_MODE",
		"provider_catalog_path":    "PROVIDER_CATALOG_PATH",
		"server.host":              "SERVER_HOST",
		"server.port":              "SERVER_PORT",
		"log.level":                "LOG_LEVEL",
		"log.format":               "LOG_FORMAT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.CacheTTLOverride = cacheTTLsFromEnv(os.Environ())

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.GuardrailMode {
	case "off", "open", "closed":
	default:
		return fmt.Errorf("guardrail_mode must be off, open, or closed, got %q", c.GuardrailMode)
	}
	if c.SafetyIteration > c.MaxToolIterations {
		return fmt.Errorf("safety_iteration (%d) must not exceed max_tool_iterations (%d)",
			c.SafetyIteration, c.MaxToolIterations)
	}
	if c.ToolFanout <= 0 {
		return fmt.Errorf("tool_fanout must be positive, got %d", c.ToolFanout)
	}
	return nil
}

// RequestDeadline returns the per-request wall-clock budget.
func (c *Config) RequestDeadline() time.Duration {
	return time.Duration(c.RequestDeadlineSec) * time.Second
}

// cacheTTLsFromEnv collects CACHE_TTL_<TOOL>=<seconds> overrides. The tool
// name segment is lowercased: CACHE_TTL_SCRAPE_PAGE applies to scrape_page.
func cacheTTLsFromEnv(environ []string) map[string]int {
	const prefix = "CACHE_TTL_"
	out := make(map[string]int)
	for _, kv := range environ {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name := strings.ToLower(kv[len(prefix):eq])
		secs, err := strconv.Atoi(kv[eq+1:])
		if err != nil || secs <= 0 {
			continue
		}
		out[name] = secs
	}
	return out
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/relay-gateway"
	}
	return os.TempDir() + "/relay-gateway"
}
