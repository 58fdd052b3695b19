// Package apperrors implements the error taxonomy the orchestrator uses to
// classify and propagate failures. ProviderError carries the provider,
// operation, HTTP status, and a coarse failure kind so retry decisions can
// be made without string matching.
package apperrors

import (
	"errors"
	"fmt"
)

// ProviderErrorKind classifies provider failures into a small set of
// categories suitable for retry and propagation decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication/authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest indicates the request is invalid and
	// retrying without changing it will not succeed (non-429 4xx).
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindRateLimited indicates the provider is throttling
	// requests (HTTP 429).
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindUnavailable indicates a transient provider failure
	// (5xx, network issues) where a retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindShape indicates the provider responded but its
	// payload could not be parsed into the requested schema after repair.
	ProviderErrorKindShape ProviderErrorKind = "shape"

	// ProviderErrorKindUnknown indicates an unclassified provider failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model or search provider.
// It crosses package boundaries so callers can make stable, structured retry
// and propagation decisions without string-matching error messages.
type ProviderError struct {
	provider  string
	operation string
	http      int
	kind      ProviderErrorKind
	code      string
	message   string
	retryable bool
	cause     error
}

// NewProviderError constructs a ProviderError. provider and kind are required.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, code, message string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("apperrors: provider is required")
	}
	if kind == "" {
		panic("apperrors: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		code:      code,
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}

// Provider returns the provider identifier (for example, "anthropic").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known.
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status code when available, else 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained provider error classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Code returns the provider-specific error code when available.
func (e *ProviderError) Code() string { return e.code }

// Retryable reports whether retrying the call may succeed unchanged.
func (e *ProviderError) Retryable() bool { return e.retryable }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.http > 0 {
		status = fmt.Sprintf("%d ", e.http)
	}
	code := ""
	if e.code != "" {
		code = e.code + ": "
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, code+msg)
}

// Unwrap preserves the original error chain.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
