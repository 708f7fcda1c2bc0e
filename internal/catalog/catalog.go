package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// deprecatedPrefix is the sentinel model-key prefix that marks an entry
// deprecated regardless of its boolean flag. The boolean is canonical;
// prefixed keys are normalized into it at load.
const deprecatedPrefix = "_deprecated_"

// Category buckets models by rough capability tier.
type Category string

const (
	CategorySmall     Category = "small"
	CategoryMedium    Category = "medium"
	CategoryLarge     Category = "large"
	CategoryReasoning Category = "reasoning"
)

// Rank orders categories for "at least this tier" comparisons.
func (c Category) Rank() int {
	switch c {
	case CategorySmall:
		return 0
	case CategoryMedium:
		return 1
	case CategoryLarge:
		return 2
	case CategoryReasoning:
		return 3
	}
	return -1
}

// Pricing is per-million-token cost in USD.
type Pricing struct {
	InputPer1M  float64 `json:"inputPer1M"`
	OutputPer1M float64 `json:"outputPer1M"`
}

// IsFree reports whether the model costs nothing on both sides.
func (p Pricing) IsFree() bool {
	return p.InputPer1M == 0 && p.OutputPer1M == 0
}

// RateLimits are the per-model request/token ceilings.
type RateLimits struct {
	RPM int `json:"rpm"`
	TPM int `json:"tpm"`
	RPD int `json:"rpd"`
	TPD int `json:"tpd"`
}

// ModelDescriptor describes one selectable model. Read-only after load.
type ModelDescriptor struct {
	ProviderType      string     `json:"-"`
	ModelID           string     `json:"-"`
	Category          Category   `json:"category"`
	ContextWindow     int        `json:"contextWindow"`
	SupportsTools     bool       `json:"supportsTools"`
	SupportsStreaming bool       `json:"supportsStreaming"`
	SupportsJSONMode  bool       `json:"supportsJsonMode"`
	SupportsVision    bool       `json:"supportsVision,omitempty"`
	Pricing           Pricing    `json:"pricing"`
	RateLimits        RateLimits `json:"rateLimits"`
	Deprecated        bool       `json:"deprecated"`
	Available         bool       `json:"available"`
}

// Key returns the canonical "provider/model" identifier.
func (d ModelDescriptor) Key() string {
	return d.ProviderType + "/" + d.ModelID
}

// Selectable reports whether the model may ever be offered by the
// selector: not deprecated and marked available.
func (d ModelDescriptor) Selectable() bool {
	return !d.Deprecated && d.Available
}

// Document is the on-disk catalog shape (spec wire contract).
type Document struct {
	Chat struct {
		Providers map[string]ProviderEntry `json:"providers"`
	} `json:"chat"`
}

// ProviderEntry is one provider's model map inside the document.
type ProviderEntry struct {
	Models map[string]ModelDescriptor `json:"models"`
}

// Filter narrows ListModels output. Zero value matches every selectable
// model.
type Filter struct {
	ProviderType      string
	RequiresTools     bool
	RequiresStreaming bool
	RequiresJSONMode  bool
	RequiresVision    bool
	MinCategory       Category // empty = no floor
	MinContextWindow  int
}

// Matches applies the filter to one descriptor.
func (f Filter) Matches(d ModelDescriptor) bool {
	if f.ProviderType != "" && f.ProviderType != d.ProviderType {
		return false
	}
	if f.RequiresTools && !d.SupportsTools {
		return false
	}
	if f.RequiresStreaming && !d.SupportsStreaming {
		return false
	}
	if f.RequiresJSONMode && !d.SupportsJSONMode {
		return false
	}
	if f.RequiresVision && !d.SupportsVision {
		return false
	}
	if f.MinCategory != "" && d.Category.Rank() < f.MinCategory.Rank() {
		return false
	}
	if f.MinContextWindow > 0 && d.ContextWindow < f.MinContextWindow {
		return false
	}
	return true
}

// Catalog is the process-wide model registry. The backing snapshot is
// immutable; Reload swaps it atomically so the request path never blocks
// on administration.
type Catalog struct {
	mu          sync.RWMutex
	models      []ModelDescriptor
	byKey       map[string]ModelDescriptor
	credentials map[string][]ProviderCredential
	path        string
	logger      *zap.Logger
}

// Load builds a catalog from the JSON document at path merged with
// credentials discovered from the environment.
func Load(path string, creds []ProviderCredential, logger *zap.Logger) (*Catalog, error) {
	c := &Catalog{
		path:   path,
		logger: logger.With(zap.String("component", "catalog")),
	}
	c.setCredentials(creds)
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the document. Administrative operation; not part of the
// request path.
func (c *Catalog) Reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	models, byKey := flatten(doc)

	c.mu.Lock()
	c.models = models
	c.byKey = byKey
	c.mu.Unlock()

	c.logger.Info("Catalog loaded",
		zap.Int("providers", len(doc.Chat.Providers)),
		zap.Int("models", len(models)),
	)
	return nil
}

// flatten normalizes the document into a sorted descriptor slice.
// Deprecated-prefixed keys are folded into the boolean flag; deprecated
// and unavailable models are dropped entirely so no later stage can see
// them.
func flatten(doc Document) ([]ModelDescriptor, map[string]ModelDescriptor) {
	var models []ModelDescriptor
	byKey := make(map[string]ModelDescriptor)

	for providerType, entry := range doc.Chat.Providers {
		for modelID, desc := range entry.Models {
			if strings.HasPrefix(modelID, deprecatedPrefix) {
				desc.Deprecated = true
				modelID = strings.TrimPrefix(modelID, deprecatedPrefix)
			}
			desc.ProviderType = providerType
			desc.ModelID = modelID
			if !desc.Selectable() {
				continue
			}
			models = append(models, desc)
			byKey[desc.Key()] = desc
		}
	}

	sort.Slice(models, func(i, j int) bool {
		return models[i].Key() < models[j].Key()
	})
	return models, byKey
}

// ListModels returns selectable models matching the filter.
func (c *Catalog) ListModels(f Filter) []ModelDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ModelDescriptor, 0, len(c.models))
	for _, m := range c.models {
		if f.Matches(m) {
			out = append(out, m)
		}
	}
	return out
}

// GetModel looks up one descriptor by provider type and model id.
func (c *Catalog) GetModel(providerType, modelID string) (ModelDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byKey[providerType+"/"+modelID]
	return d, ok
}

// Document serializes the current snapshot back into the wire shape.
// Load(Document(Load(x))) == Load(x) modulo stripped deprecated entries.
func (c *Catalog) Document() Document {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var doc Document
	doc.Chat.Providers = make(map[string]ProviderEntry)
	for _, m := range c.models {
		entry, ok := doc.Chat.Providers[m.ProviderType]
		if !ok {
			entry = ProviderEntry{Models: make(map[string]ModelDescriptor)}
		}
		entry.Models[m.ModelID] = m
		doc.Chat.Providers[m.ProviderType] = entry
	}
	return doc
}

// Credentials returns the credential pool for a provider type.
func (c *Catalog) Credentials(providerType string) []ProviderCredential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credentials[providerType]
}

// AllCredentials returns every loaded credential.
func (c *Catalog) AllCredentials() []ProviderCredential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ProviderCredential
	for _, pool := range c.credentials {
		out = append(out, pool...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (c *Catalog) setCredentials(creds []ProviderCredential) {
	byType := make(map[string][]ProviderCredential)
	for _, cred := range creds {
		byType[cred.Type] = append(byType[cred.Type], cred)
	}
	c.mu.Lock()
	c.credentials = byType
	c.mu.Unlock()
}
