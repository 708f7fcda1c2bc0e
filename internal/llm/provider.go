package llm

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/catalog"
	"github.com/relaygw/relay/internal/service"
)

// AdapterConfig is everything an adapter needs to talk to one provider
// endpoint with one credential.
type AdapterConfig struct {
	Type    string // provider dialect, e.g. "openai", "gemini"
	APIKey  string
	BaseURL string
}

// --- Adapter Factory Registry ---
// Adapters register themselves via init() in their own package.
// Adding a new dialect = implement service.ModelClient + RegisterFactory.

// AdapterFactory creates a ModelClient from config.
type AdapterFactory func(cfg AdapterConfig, logger *zap.Logger) service.ModelClient

var (
	factoryMu sync.RWMutex
	factories = map[string]AdapterFactory{}
)

// RegisterFactory registers an adapter factory for the given dialect name.
// Called from init() in each adapter sub-package (e.g. llm/openai, llm/gemini).
func RegisterFactory(typeName string, factory AdapterFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// NewAdapter creates a ModelClient using the registered factory for cfg.Type.
// Unknown dialects fall back to the OpenAI-compatible adapter, since most
// aggregators speak that wire format.
func NewAdapter(cfg AdapterConfig, logger *zap.Logger) (service.ModelClient, error) {
	t := cfg.Type
	if t == "" {
		t = "openai"
	}

	factoryMu.RLock()
	factory, ok := factories[t]
	if !ok {
		factory, ok = factories["openai"]
	}
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider type %q", t)
	}
	return factory(cfg, logger), nil
}

// Pool caches one adapter per credential so HTTP clients and their
// connection pools are reused across requests.
type Pool struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]service.ModelClient
}

// NewPool creates an empty adapter pool.
func NewPool(logger *zap.Logger) *Pool {
	return &Pool{
		logger:  logger,
		clients: make(map[string]service.ModelClient),
	}
}

// ClientFor returns the adapter for a candidate's credential, creating it
// on first use.
func (p *Pool) ClientFor(c service.Candidate) (service.ModelClient, error) {
	key := poolKey(c.Credential)

	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[key]; ok {
		return client, nil
	}

	client, err := NewAdapter(AdapterConfig{
		Type:    c.Credential.Type,
		APIKey:  c.Credential.APIKey,
		BaseURL: c.Credential.BaseURL,
	}, p.logger)
	if err != nil {
		return nil, err
	}
	p.clients[key] = client
	return client, nil
}

func poolKey(cred catalog.ProviderCredential) string {
	return fmt.Sprintf("%s#%d#%s#%s", cred.Type, cred.Index, cred.BaseURL, cred.APIKey)
}
