package tool

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/domain/entity"
)

// truncationMarker is appended to tool output that exceeded its byte budget.
const truncationMarker = "\n…[output truncated]"

// ContentCache is the executor's view of the content-addressed cache.
// Implementations are best-effort: a miss is always a valid answer.
type ContentCache interface {
	Get(key string) ([]byte, bool)
	Put(key string, payload []byte, ttl time.Duration)
}

// Execution is the outcome of one tool call. Content is always populated,
// even on failure: errors become synthetic replies the model can react to.
type Execution struct {
	Call      entity.ToolCall
	Content   string
	Cached    bool
	ErrorKind entity.ErrorKind
	Artifacts *entity.ExtractedArtifacts
	Duration  time.Duration
}

// Metrics is the executor's view of the process-wide tool counters.
// *monitoring.Monitor satisfies it.
type Metrics interface {
	IncToolCall()
	IncToolCallCached()
	IncToolCallFailed()
}

// Executor dispatches validated tool calls with per-call budgets.
type Executor struct {
	registry *Registry
	cache    ContentCache
	fanout   int
	ttlOver  map[string]int // per-tool TTL overrides, seconds
	metrics  Metrics        // optional
	logger   *zap.Logger

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewExecutor creates an executor. cache may be nil (all tools treated as
// uncacheable). fanout caps concurrent executions per ExecuteAll.
func NewExecutor(registry *Registry, cache ContentCache, fanout int, ttlOverrides map[string]int, logger *zap.Logger) *Executor {
	if fanout <= 0 {
		fanout = 4
	}
	return &Executor{
		registry: registry,
		cache:    cache,
		fanout:   fanout,
		ttlOver:  ttlOverrides,
		logger:   logger.With(zap.String("component", "tool-executor")),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// SetMetrics attaches a counter sink. Safe to leave unset; must be
// called before the first ExecuteAll.
func (e *Executor) SetMetrics(m Metrics) {
	e.metrics = m
}

// Definitions lists tool definitions for the model. enabled == nil means
// all registered tools; otherwise only the named ones, in registry order.
func (e *Executor) Definitions(enabled []string) []Definition {
	all := e.registry.List()
	if enabled == nil {
		return all
	}
	allow := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allow[name] = true
	}
	out := make([]Definition, 0, len(all))
	for _, d := range all {
		if allow[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// ExecuteAll runs one assistant turn's tool calls concurrently under the
// fan-out cap and returns results in the original call order, regardless
// of completion order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []entity.ToolCall) []Execution {
	results := make([]Execution, len(calls))
	sem := make(chan struct{}, e.fanout)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call entity.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				results[idx] = e.executeOne(ctx, call)
				<-sem
			case <-ctx.Done():
				results[idx] = Execution{
					Call:      call,
					Content:   "Execution canceled before start.",
					ErrorKind: entity.KindClientCanceled,
				}
			}
			e.count(results[idx])
		}(i, call)
	}

	wg.Wait()
	return results
}

// executeOne runs a single call through the full dispatch pipeline:
// lookup, schema validation, cache consult, bounded execution, truncation,
// cache write.
func (e *Executor) executeOne(ctx context.Context, call entity.ToolCall) Execution {
	start := time.Now()

	t, ok := e.registry.Get(call.Name)
	if !ok {
		e.logger.Warn("Unknown tool requested", zap.String("tool", call.Name))
		return Execution{
			Call:      call,
			Content:   fmt.Sprintf("Error: unknown tool %q. Use only the tools provided.", call.Name),
			ErrorKind: entity.KindUnknownTool,
			Duration:  time.Since(start),
		}
	}
	desc := t.Descriptor()

	if err := e.validateArgs(desc, call.Arguments); err != nil {
		e.logger.Info("Tool arguments rejected",
			zap.String("tool", call.Name),
			zap.Error(err),
		)
		return Execution{
			Call:      call,
			Content:   fmt.Sprintf("Error: invalid arguments for %s: %v. Correct the arguments and retry.", call.Name, err),
			ErrorKind: entity.KindInvalidArguments,
			Duration:  time.Since(start),
		}
	}

	var cacheKey string
	if desc.Cacheable && e.cache != nil {
		cacheKey = CacheKey(desc, call.Arguments)
		if payload, hit := e.cache.Get(cacheKey); hit {
			e.logger.Debug("Tool cache hit", zap.String("tool", call.Name))
			return Execution{
				Call:     call,
				Content:  string(payload),
				Cached:   true,
				Duration: time.Since(start),
			}
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, desc.ExecutionTimeout())
	defer cancel()

	out, err := t.Execute(execCtx, call.Arguments)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("Tool timed out",
				zap.String("tool", call.Name),
				zap.Duration("budget", desc.ExecutionTimeout()),
			)
			return Execution{
				Call:      call,
				Content:   fmt.Sprintf("Error: %s did not complete within %v.", call.Name, desc.ExecutionTimeout()),
				ErrorKind: entity.KindToolTimeout,
				Duration:  duration,
			}
		}
		if ctx.Err() != nil {
			return Execution{
				Call:      call,
				Content:   "Execution canceled.",
				ErrorKind: entity.KindClientCanceled,
				Duration:  duration,
			}
		}
		e.logger.Error("Tool execution failed",
			zap.String("tool", call.Name),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return Execution{
			Call:      call,
			Content:   fmt.Sprintf("Error: %s failed: %v", call.Name, err),
			ErrorKind: entity.KindInternal,
			Duration:  duration,
		}
	}

	content, truncated := Truncate(out.Text, desc.MaxOutputBytes)
	result := Execution{
		Call:      call,
		Content:   content,
		Artifacts: out.Artifacts,
		Duration:  duration,
	}
	if truncated {
		result.ErrorKind = entity.KindToolOutputTooBig
	}

	if desc.Cacheable && e.cache != nil {
		e.cache.Put(cacheKey, []byte(content), e.ttlFor(desc))
	}
	return result
}

func (e *Executor) count(exec Execution) {
	if e.metrics == nil {
		return
	}
	e.metrics.IncToolCall()
	if exec.Cached {
		e.metrics.IncToolCallCached()
	}
	if exec.ErrorKind != "" {
		e.metrics.IncToolCallFailed()
	}
}

func (e *Executor) ttlFor(desc Descriptor) time.Duration {
	secs := desc.CacheTTLSeconds
	if over, ok := e.ttlOver[desc.Name]; ok {
		secs = over
	}
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// validateArgs checks arguments against the tool's input schema. Schemas
// are compiled once and reused.
func (e *Executor) validateArgs(desc Descriptor, args map[string]interface{}) error {
	if desc.InputSchema == nil {
		return nil
	}

	schema, err := e.compiledSchema(desc)
	if err != nil {
		return fmt.Errorf("schema compile: %w", err)
	}

	// Round-trip through JSON so numeric types match what the validator
	// expects from decoded documents.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytesReader(raw))
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(instance)
}

func (e *Executor) compiledSchema(desc Descriptor) (*jsonschema.Schema, error) {
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()

	if s, ok := e.schemas[desc.Name]; ok {
		return s, nil
	}

	raw, err := json.Marshal(desc.InputSchema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytesReader(raw))
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	url := desc.Name + ".schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	e.schemas[desc.Name] = schema
	return schema, nil
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// CacheKey derives the content address for a cacheable call:
// sha256(toolName, canonicalized idempotent argument subset).
func CacheKey(desc Descriptor, args map[string]interface{}) string {
	subset := args
	if len(desc.IdempotencyKeyFields) > 0 {
		subset = make(map[string]interface{}, len(desc.IdempotencyKeyFields))
		for _, field := range desc.IdempotencyKeyFields {
			if v, ok := args[field]; ok {
				subset[field] = v
			}
		}
	}

	h := sha256.New()
	h.Write([]byte(desc.Name))
	h.Write([]byte{0})
	// encoding/json sorts map keys, which gives canonical ordering.
	raw, _ := json.Marshal(subset)
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// Truncate clips s to maxBytes, appending the elision marker when content
// was dropped. maxBytes <= 0 means no limit.
func Truncate(s string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s, false
	}
	clipped := s[:maxBytes]
	// Avoid splitting a multi-byte rune at the cut point.
	for len(clipped) > 0 && clipped[len(clipped)-1]&0xC0 == 0x80 {
		clipped = clipped[:len(clipped)-1]
	}
	return clipped + truncationMarker, true
}
