package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaygw/relay/internal/domain/entity"
)

// AppError is the gateway's terminal error shape. Every error surfaced to
// a client carries a kind from the closed taxonomy, a stable code, and a
// correlation id for log lookup.
type AppError struct {
	Kind          entity.ErrorKind
	Code          string
	Message       string
	CorrelationID string
	Err           error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap implements errors.Unwrap.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with a fresh correlation id.
func New(kind entity.ErrorKind, message string) *AppError {
	return &AppError{
		Kind:          kind,
		Code:          string(kind),
		Message:       message,
		CorrelationID: uuid.NewString(),
	}
}

// Wrap creates an AppError around a cause.
func Wrap(kind entity.ErrorKind, message string, cause error) *AppError {
	e := New(kind, message)
	e.Err = cause
	return e
}

// kinder lets other error types (provider errors in particular) carry a
// taxonomy kind without depending on this package.
type kinder interface {
	ErrorKind() entity.ErrorKind
}

// KindOf extracts the ErrorKind from err, defaulting to INTERNAL for
// unclassified errors.
func KindOf(err error) entity.ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	var k kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return entity.KindClientCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return entity.KindDeadlineExceeded
	}
	return entity.KindInternal
}

// AsApp returns err as an AppError, wrapping unclassified errors as
// INTERNAL so the client always sees the full {kind, code, message,
// correlationId} shape.
func AsApp(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(entity.KindInternal, "internal error", err)
}

// IsKind reports whether err classifies as the given kind.
func IsKind(err error, kind entity.ErrorKind) bool {
	return KindOf(err) == kind
}
