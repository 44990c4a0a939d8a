package auth

import (
	"context"
	"errors"
)

var (
	// ErrInvalidToken means the identity provider authoritatively rejected the
	// session token (expired, revoked, bad signature, wrong audience).
	ErrInvalidToken = errors.New("invalid or expired session token")

	// ErrProviderUnavailable means the token could not be checked at all.
	ErrProviderUnavailable = errors.New("identity provider unavailable")

	ErrSessionNotFound = errors.New("session not found")
)

// Verifier checks an opaque IdP session token server-side. Implementations
// must never trust claims asserted by the client outside the token itself.
type Verifier interface {
	Type() string
	Verify(ctx context.Context, token string) (*Identity, error)
}
