package client

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired means the backend or the identity provider rejected
	// the credential. Callers must send the user to login and must not retry.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionTransient is a retryable infrastructure failure.
	ErrSessionTransient = errors.New("session temporarily unavailable")

	// ErrProviderSessionMissing means a backend session is needed but there is
	// no identity credential to establish it from.
	ErrProviderSessionMissing = errors.New("no identity provider session")

	// ErrCSRF means a CSRF token could not be obtained or was rejected.
	ErrCSRF = errors.New("CSRF token missing or rejected")
)

type SessionErrorKind int

const (
	SessionExpired SessionErrorKind = iota
	SessionTransient
	ProviderSessionMissing
)

func (k SessionErrorKind) String() string {
	switch k {
	case SessionExpired:
		return "expired"
	case SessionTransient:
		return "transient"
	case ProviderSessionMissing:
		return "provider_session_missing"
	default:
		return "unknown"
	}
}

func (k SessionErrorKind) sentinel() error {
	switch k {
	case SessionExpired:
		return ErrSessionExpired
	case SessionTransient:
		return ErrSessionTransient
	default:
		return ErrProviderSessionMissing
	}
}

// SessionError is returned by EnsureBackendSession. It matches the sentinel
// for its kind under errors.Is.
type SessionError struct {
	Kind SessionErrorKind
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Kind.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind.sentinel(), e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func (e *SessionError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// ProviderError wraps a failed call to the identity credential source.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("identity provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// StatusError is an unexpected HTTP status from the backend.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
}

func isStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
