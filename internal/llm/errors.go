package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/relaygw/relay/internal/domain/entity"
)

// ProviderError is a failed upstream call, classified for retry and
// breaker decisions.
type ProviderError struct {
	Provider string
	Model    string
	Status   int // HTTP status, 0 when the request never completed
	Kind     entity.ErrorKind
	Body     string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s/%s: upstream status %d: %s", e.Provider, e.Model, e.Status, e.Body)
	}
	return fmt.Sprintf("%s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ErrorKind exposes the classification for taxonomy-aware callers.
func (e *ProviderError) ErrorKind() entity.ErrorKind { return e.Kind }

// ClassifyStatus maps an HTTP status code to an error kind.
func ClassifyStatus(status int) entity.ErrorKind {
	switch {
	case status == 429:
		return entity.KindUpstreamRateLimit
	case status >= 500:
		return entity.KindUpstream5xx
	case status >= 400:
		return entity.KindUpstream4xx
	default:
		return entity.KindProtocolError
	}
}

// ClassifyErr maps a transport-level error to an error kind. Context
// cancellation is the caller's doing, never the provider's.
func ClassifyErr(err error) entity.ErrorKind {
	switch {
	case errors.Is(err, context.Canceled):
		return entity.KindClientCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return entity.KindDeadlineExceeded
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return entity.KindUpstreamNetwork
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return entity.KindUpstreamNetwork
}

// NewStatusError builds a ProviderError from a non-2xx response.
func NewStatusError(provider, model string, status int, body string) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Model:    model,
		Status:   status,
		Kind:     ClassifyStatus(status),
		Body:     body,
	}
}

// NewTransportError wraps a request-level failure.
func NewTransportError(provider, model string, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Model:    model,
		Kind:     ClassifyErr(err),
		Err:      err,
	}
}
