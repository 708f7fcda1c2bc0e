package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relaygw/relay/internal/domain/entity"
)

// OutputKind classifies what a tool returns.
type OutputKind string

const (
	OutputText       OutputKind = "text"
	OutputStructured OutputKind = "structured"
	OutputMultimedia OutputKind = "multimedia"
)

// Descriptor is the execution contract of one tool. The gateway is
// agnostic to the specific tool list; it requires only that each tool
// obeys this contract.
type Descriptor struct {
	Name        string
	Description string

	// InputSchema is a JSON Schema document; arguments are validated
	// against it before dispatch.
	InputSchema map[string]interface{}

	OutputKind     OutputKind
	MaxExecutionMs int
	MaxOutputBytes int

	Cacheable       bool
	CacheTTLSeconds int
	// IdempotencyKeyFields is the subset of argument fields used to form
	// cache keys. Empty means all arguments.
	IdempotencyKeyFields []string
}

// ExecutionTimeout returns the wall-clock budget for one call.
func (d Descriptor) ExecutionTimeout() time.Duration {
	if d.MaxExecutionMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.MaxExecutionMs) * time.Millisecond
}

// Output is what a tool produces on success. Text goes back to the model;
// Artifacts are surfaced to the client only.
type Output struct {
	Text      string
	Artifacts *entity.ExtractedArtifacts
}

// Tool is the interface every executable tool implements.
type Tool interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, args map[string]interface{}) (*Output, error)
}

// Definition is the schema handed to the model.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Registry holds the registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Descriptor().Name
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns all definitions, sorted by name for stable prompts.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		d := t.Descriptor()
		defs = append(defs, Definition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.InputSchema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
