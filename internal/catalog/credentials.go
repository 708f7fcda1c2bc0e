package catalog

import (
	"fmt"
	"strings"
)

// Capability names a provider-level feature a credential is good for.
type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityEmbeddings Capability = "embeddings"
	CapabilityImage      Capability = "image"
	CapabilityTTS        Capability = "tts"
)

// ProviderCredential is one entry of the indexed credential pool. Loaded
// once at startup; immutable during a request.
type ProviderCredential struct {
	Index         int
	Type          string
	APIKey        string
	BaseURL       string
	AllowedModels []string // empty = all models of the provider
	Capabilities  []Capability
}

// AllowsModel reports whether the credential may call the given model.
func (c ProviderCredential) AllowsModel(modelID string) bool {
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, m := range c.AllowedModels {
		if m == "all" || m == modelID {
			return true
		}
	}
	return false
}

// HasCapability reports whether the credential covers the capability.
// An empty capability list implies chat only.
func (c ProviderCredential) HasCapability(cap Capability) bool {
	if len(c.Capabilities) == 0 {
		return cap == CapabilityChat
	}
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// Env is the subset of the environment the credential loader reads.
type Env func(key string) (string, bool)

// LoadCredentials scans the indexed LP_* variable families:
//
//	LP_TYPE_<i>, LP_KEY_<i>, LP_BASE_URL_<i>, LP_ALLOWED_MODELS_<i>, LP_CAPABILITIES_<i>
//
// Indexing starts at 0 and stops at the first missing LP_TYPE_<i>.
func LoadCredentials(env Env) ([]ProviderCredential, error) {
	var creds []ProviderCredential

	for i := 0; ; i++ {
		typ, ok := env(fmt.Sprintf("LP_TYPE_%d", i))
		if !ok {
			break
		}
		typ = strings.TrimSpace(typ)
		if typ == "" {
			return nil, fmt.Errorf("LP_TYPE_%d is empty", i)
		}

		key, ok := env(fmt.Sprintf("LP_KEY_%d", i))
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("LP_KEY_%d missing for provider type %q", i, typ)
		}

		cred := ProviderCredential{
			Index:  i,
			Type:   typ,
			APIKey: strings.TrimSpace(key),
		}

		if base, ok := env(fmt.Sprintf("LP_BASE_URL_%d", i)); ok {
			cred.BaseURL = strings.TrimSpace(base)
		}
		if allowed, ok := env(fmt.Sprintf("LP_ALLOWED_MODELS_%d", i)); ok {
			cred.AllowedModels = splitList(allowed)
		}
		if caps, ok := env(fmt.Sprintf("LP_CAPABILITIES_%d", i)); ok {
			for _, c := range splitList(caps) {
				cred.Capabilities = append(cred.Capabilities, Capability(c))
			}
		}

		creds = append(creds, cred)
	}

	return creds, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
