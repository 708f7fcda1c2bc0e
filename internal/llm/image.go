package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/catalog"
	"github.com/relaygw/relay/internal/domain/entity"
	apperrors "github.com/relaygw/relay/pkg/errors"
)

// ImageProviderHealth is one row of the image health report.
type ImageProviderHealth struct {
	Provider     string `json:"provider"`
	Index        int    `json:"index"`
	Available    bool   `json:"available"`
	CircuitState string `json:"circuitState"`
}

// ImageDispatcher routes generation prompts across the image-capable
// credential pool, with per-credential breaker state. The wire format is
// the OpenAI images API, which the supported providers share.
type ImageDispatcher struct {
	catalog  *catalog.Catalog
	breakers *BreakerRegistry
	client   *http.Client
	logger   *zap.Logger
}

// NewImageDispatcher wires the dispatcher to the credential pool.
func NewImageDispatcher(cat *catalog.Catalog, breakers *BreakerRegistry, logger *zap.Logger) *ImageDispatcher {
	return &ImageDispatcher{
		catalog:  cat,
		breakers: breakers,
		client:   &http.Client{Timeout: 120 * time.Second},
		logger:   logger.With(zap.String("component", "image-dispatcher")),
	}
}

type imageRequest struct {
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// GenerateImage tries each image-capable credential in order until one
// succeeds.
func (d *ImageDispatcher) GenerateImage(ctx context.Context, prompt string) (string, string, error) {
	creds := d.imageCredentials()
	if len(creds) == 0 {
		return "", "", apperrors.New(entity.KindNoModelAvailable, "no image-capable provider configured")
	}

	var lastErr error
	for _, cred := range creds {
		key := fmt.Sprintf("%s#%d/image", cred.Type, cred.Index)
		breaker := d.breakers.For(key)
		if !breaker.Allow() {
			continue
		}

		url, err := d.callProvider(ctx, cred, prompt)
		if err != nil {
			if apperrors.KindOf(err).TripsBreaker() {
				breaker.RecordFailure()
			}
			d.logger.Warn("Image provider failed",
				zap.String("provider", cred.Type),
				zap.Int("index", cred.Index),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		breaker.RecordSuccess()
		return url, cred.Type, nil
	}

	if lastErr == nil {
		lastErr = apperrors.New(entity.KindNoModelAvailable, "all image providers circuit-open")
	}
	return "", "", lastErr
}

// Health reports availability and circuit state per image credential.
func (d *ImageDispatcher) Health() []ImageProviderHealth {
	creds := d.imageCredentials()
	out := make([]ImageProviderHealth, 0, len(creds))
	for _, cred := range creds {
		key := fmt.Sprintf("%s#%d/image", cred.Type, cred.Index)
		state := d.breakers.For(key).State()
		out = append(out, ImageProviderHealth{
			Provider:     cred.Type,
			Index:        cred.Index,
			Available:    state != CircuitOpen,
			CircuitState: state.String(),
		})
	}
	return out
}

func (d *ImageDispatcher) imageCredentials() []catalog.ProviderCredential {
	var out []catalog.ProviderCredential
	for _, cred := range d.catalog.AllCredentials() {
		if cred.HasCapability(catalog.CapabilityImage) {
			out = append(out, cred)
		}
	}
	return out
}

func (d *ImageDispatcher) callProvider(ctx context.Context, cred catalog.ProviderCredential, prompt string) (string, error) {
	baseURL := strings.TrimRight(cred.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	body, err := json.Marshal(imageRequest{Prompt: prompt, N: 1, ResponseFormat: "url"})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", NewTransportError(cred.Type, "image", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", NewTransportError(cred.Type, "image", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewStatusError(cred.Type, "image", resp.StatusCode, TruncateBody(respBody, 300))
	}

	var parsed imageResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || len(parsed.Data) == 0 || parsed.Data[0].URL == "" {
		return "", &ProviderError{
			Provider: cred.Type,
			Model:    "image",
			Kind:     entity.KindProtocolError,
			Err:      fmt.Errorf("malformed image response"),
		}
	}
	return parsed.Data[0].URL, nil
}

// TruncateBody clips a response body for error messages.
func TruncateBody(b []byte, maxLen int) string {
	s := string(b)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
