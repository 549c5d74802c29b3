package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why a render failed.
type ErrorKind string

// Render failure kinds.
const (
	// KindInvalidRequest: malformed URL or options, rejected before any browser work.
	KindInvalidRequest ErrorKind = "InvalidRequest"

	// KindBrowserUnavailable: browser not launched, failed to launch, or died.
	KindBrowserUnavailable ErrorKind = "BrowserUnavailable"

	// KindNavigation: DNS, connection or navigation timeout.
	KindNavigation ErrorKind = "NavigationError"

	// KindSelectorTimeout: page loaded but the awaited selector never appeared.
	KindSelectorTimeout ErrorKind = "SelectorTimeoutError"

	// KindSessionClosed: fetch attempted on (or interrupted by) a closed session.
	KindSessionClosed ErrorKind = "SessionClosed"
)

// Transient reports whether failures of this kind are eligible for retry.
func (k ErrorKind) Transient() bool {
	return k == KindBrowserUnavailable || k == KindNavigation
}

// Error codes used in API error envelopes that are not render failures.
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RenderError is the typed failure carried by a failed RenderResult.
// It implements the error interface and supports error wrapping via Unwrap.
type RenderError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Attempts is the number of fetch attempts made before giving up.
	Attempts int `json:"attempts,omitempty"`

	Err error `json:"-"` // wrapped original error
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// NewRenderError creates a new RenderError.
func NewRenderError(kind ErrorKind, message string, err error) *RenderError {
	return &RenderError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first RenderError in err's chain.
// Context errors are classified too; anything else is a navigation failure.
func KindOf(err error) ErrorKind {
	var re *RenderError
	switch {
	case errors.As(err, &re):
		return re.Kind
	case errors.Is(err, context.Canceled):
		return KindSessionClosed
	default:
		return KindNavigation
	}
}

// AsRenderError converts err into a RenderError, classifying unknown errors
// with KindOf and msg.
func AsRenderError(err error, msg string) *RenderError {
	var re *RenderError
	if errors.As(err, &re) {
		return re
	}
	return NewRenderError(KindOf(err), msg, err)
}
