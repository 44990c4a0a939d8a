package auth

import (
	"time"

	"github.com/marcogenualdo/session-sync/pkg/security"
)

// Factor kinds reported by identity providers.
const (
	FactorKnowledge  = security.FactorKnowledge
	FactorPossession = security.FactorPossession
	FactorInherence  = security.FactorInherence
)

// Identity is what a Verifier extracts from a valid IdP session token.
type Identity struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Emails    []string  `json:"emails,omitempty"`
	Name      string    `json:"name,omitempty"`
	Factors   []string  `json:"factors,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PrimaryEmail falls back to a synthetic address when the provider has none.
func (i Identity) PrimaryEmail() string {
	if i.Email != "" {
		return i.Email
	}
	if len(i.Emails) > 0 {
		return i.Emails[0]
	}
	return i.UserID + "@idp.local"
}

// Session is a backend session record, keyed by the opaque cookie value.
type Session struct {
	ID            string    `json:"id"`
	Identity      Identity  `json:"identity"`
	SessionToken  string    `json:"session_token"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	EstablishedAt time.Time `json:"established_at"`
	VerifiedAt    time.Time `json:"verified_at"`
	RotatedAt     time.Time `json:"rotated_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}
