package oidc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/marcogenualdo/session-sync/internal/auth"
	"github.com/marcogenualdo/session-sync/internal/config"
	"github.com/marcogenualdo/session-sync/pkg/security"
)

type claims struct {
	Subject       string   `json:"sub"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	Name          string   `json:"name"`
	AMR           []string `json:"amr"`
}

// Verifier accepts OIDC ID tokens issued for the configured client as IdP
// session tokens.
type Verifier struct {
	verifier *oidc.IDTokenVerifier
	timeout  time.Duration
}

func NewVerifier(ctx context.Context, cfg config.OIDCConfig, timeout time.Duration) (*Verifier, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	return &Verifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		timeout:  timeout,
	}, nil
}

// NewVerifierWithKeySet skips discovery and checks signatures against keys.
func NewVerifierWithKeySet(issuer, clientID string, keys oidc.KeySet, timeout time.Duration) *Verifier {
	return &Verifier{
		verifier: oidc.NewVerifier(issuer, keys, &oidc.Config{ClientID: clientID}),
		timeout:  timeout,
	}
}

func (v *Verifier) Type() string {
	return "oidc"
}

func (v *Verifier) Verify(ctx context.Context, token string) (*auth.Identity, error) {
	if token == "" {
		return nil, auth.ErrInvalidToken
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		if isUnavailable(err) {
			return nil, fmt.Errorf("%w: %v", auth.ErrProviderUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
	}

	var c claims
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %v", auth.ErrInvalidToken, err)
	}

	identity := &auth.Identity{
		UserID:    idToken.Subject,
		Name:      c.Name,
		Factors:   security.FactorsFromAMR(c.AMR),
		ExpiresAt: idToken.Expiry,
	}
	if c.Email != "" {
		identity.Email = c.Email
		identity.Emails = []string{c.Email}
	}

	return identity, nil
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
