package client

import (
	"context"
	"slices"
	"time"
)

type FactorKind string

const (
	FactorKnowledge  FactorKind = "knowledge"
	FactorPossession FactorKind = "possession"
	FactorInherence  FactorKind = "inherence"
)

// IdentityCredential is the client's read-only copy of the identity
// provider's session.
type IdentityCredential struct {
	UserID       string
	Emails       []string
	ExpiresAt    time.Time
	Factors      []FactorKind
	SessionToken string
}

func (c *IdentityCredential) HasFactor(kind FactorKind) bool {
	return c != nil && slices.Contains(c.Factors, kind)
}

// Clone returns a deep copy of c.
func (c *IdentityCredential) Clone() *IdentityCredential {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Emails = slices.Clone(c.Emails)
	cp.Factors = slices.Clone(c.Factors)
	return &cp
}

type CredentialEventKind int

const (
	// CredentialInitialized is sent once, when the source has finished
	// restoring any existing session. Credential may be nil.
	CredentialInitialized CredentialEventKind = iota
	CredentialSignedIn
	CredentialRefreshed
	CredentialSignedOut
	CredentialExpired
)

func (k CredentialEventKind) String() string {
	switch k {
	case CredentialInitialized:
		return "initialized"
	case CredentialSignedIn:
		return "signed_in"
	case CredentialRefreshed:
		return "refreshed"
	case CredentialSignedOut:
		return "signed_out"
	case CredentialExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type CredentialEvent struct {
	Kind       CredentialEventKind
	Credential *IdentityCredential
}

// CredentialSource is the identity provider's client SDK as seen by the
// Synchronizer.
type CredentialSource interface {
	// Current returns the cached credential without blocking, or nil.
	Current() *IdentityCredential
	// Events delivers every login, refresh, revocation and expiry.
	Events() <-chan CredentialEvent
	// Refresh extends the provider session by roughly d.
	Refresh(ctx context.Context, d time.Duration) error
	// Revoke ends the provider session. Local provider state is cleared even
	// when the remote call fails.
	Revoke(ctx context.Context) error
}
