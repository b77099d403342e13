package mail

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"
	KindNotFound  ErrorKind = "not_found"
	KindRateLimit ErrorKind = "rate_limit"
	KindConflict  ErrorKind = "conflict"
	KindServer    ErrorKind = "server"
)

// ProviderError wraps a failed provider call.
type ProviderError struct {
	Kind      ErrorKind
	Op        string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewError builds a ProviderError. Rate limit and server errors are retryable.
func NewError(op string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{
		Kind:      kind,
		Op:        op,
		Retryable: kind == KindRateLimit || kind == KindServer,
		Err:       err,
	}
}

func kindOf(err error) (ErrorKind, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsAuth reports whether err is an authentication or permission failure.
func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsNotFound reports whether err means the addressed message or label does not exist.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsConflict reports whether err means the resource already exists.
func IsConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConflict
}

// IsRetryable reports whether another attempt may succeed. Errors that did
// not come from a provider call (network failures, timeouts) are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
