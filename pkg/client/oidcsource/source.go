// Package oidcsource implements client.CredentialSource over an OpenID
// Connect provider. The provider's ID token is the session token handed to
// the backend; sessions are extended with the refresh-token grant and ended
// with RFC 7009 token revocation.
package oidcsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/marcogenualdo/session-sync/pkg/client"
	"github.com/marcogenualdo/session-sync/pkg/security"
	"golang.org/x/oauth2"
)

var _ client.CredentialSource = (*Source)(nil)

type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
	RefreshToken string

	// Timeout for each provider call. Defaults to 10 seconds.
	Timeout time.Duration
	Logger  *slog.Logger
}

type claims struct {
	Email string   `json:"email"`
	AMR   []string `json:"amr"`
}

type Source struct {
	cfg           Config
	oauth2        oauth2.Config
	verifier      *oidc.IDTokenVerifier
	revocationURL string
	httpClient    *http.Client
	logger        *slog.Logger

	mu           sync.Mutex
	refreshToken string
	current      *client.IdentityCredential
	initialized  bool
	events       chan client.CredentialEvent
}

func New(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "email", "profile", oidc.ScopeOfflineAccess}
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	ctx = oidc.ClientContext(ctx, httpClient)

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, &client.ProviderError{Op: "discovery", Err: err}
	}

	var metadata struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := provider.Claims(&metadata); err != nil {
		return nil, &client.ProviderError{Op: "discovery", Err: err}
	}

	return &Source{
		cfg: cfg,
		oauth2: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       cfg.Scopes,
		},
		verifier:      provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		revocationURL: metadata.RevocationEndpoint,
		httpClient:    httpClient,
		logger:        cfg.Logger,
		refreshToken:  cfg.RefreshToken,
		events:        make(chan client.CredentialEvent, 32),
	}, nil
}

// Init restores the provider session from the configured refresh token and
// emits the initialization event. A failed restore is reported as an
// initialized, signed-out source.
func (s *Source) Init(ctx context.Context) error {
	var cred *client.IdentityCredential
	var err error
	if s.hasRefreshToken() {
		cred, err = s.exchange(ctx)
		if err != nil {
			s.logger.Warn("could not restore identity session", "error", err)
		}
	}

	s.mu.Lock()
	s.current = cred
	s.initialized = true
	s.mu.Unlock()

	s.emit(client.CredentialEvent{Kind: client.CredentialInitialized, Credential: cred.Clone()})
	return err
}

func (s *Source) Current() *client.IdentityCredential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.Clone()
}

// Initialized reports whether Init has completed.
func (s *Source) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Source) Events() <-chan client.CredentialEvent {
	return s.events
}

// Refresh runs the refresh-token grant. OIDC has no way to ask for a specific
// session length, so d is advisory; the provider decides the new expiry.
func (s *Source) Refresh(ctx context.Context, d time.Duration) error {
	if !s.hasRefreshToken() {
		return &client.ProviderError{Op: "refresh", Err: errors.New("no refresh token")}
	}

	s.mu.Lock()
	previous := s.current
	s.mu.Unlock()

	cred, err := s.exchange(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
			// The grant was rejected: the provider session is gone.
			s.clear()
			s.emit(client.CredentialEvent{Kind: client.CredentialExpired})
		}
		return err
	}

	s.mu.Lock()
	s.current = cred
	s.mu.Unlock()

	kind := client.CredentialRefreshed
	if previous == nil || previous.UserID != cred.UserID {
		kind = client.CredentialSignedIn
	}
	s.logger.Debug("identity session refreshed", "expires_at", cred.ExpiresAt, "requested", d)
	s.emit(client.CredentialEvent{Kind: kind, Credential: cred.Clone()})
	return nil
}

// Revoke clears local state first, then revokes the refresh token remotely.
func (s *Source) Revoke(ctx context.Context) error {
	s.mu.Lock()
	token := s.refreshToken
	s.mu.Unlock()

	s.clear()
	s.emit(client.CredentialEvent{Kind: client.CredentialSignedOut})

	if token == "" || s.revocationURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	form := url.Values{
		"token":           {token},
		"token_type_hint": {"refresh_token"},
	}
	if s.cfg.ClientSecret == "" {
		form.Set("client_id", s.cfg.ClientID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &client.ProviderError{Op: "revoke", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(s.cfg.ClientID), url.QueryEscape(s.cfg.ClientSecret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &client.ProviderError{Op: "revoke", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &client.ProviderError{Op: "revoke", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}

func (s *Source) exchange(ctx context.Context) (*client.IdentityCredential, error) {
	ctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, s.httpClient), s.cfg.Timeout)
	defer cancel()

	s.mu.Lock()
	refreshToken := s.refreshToken
	s.mu.Unlock()

	token, err := s.oauth2.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, &client.ProviderError{Op: "refresh", Err: err}
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, &client.ProviderError{Op: "refresh", Err: errors.New("no id_token in token response")}
	}

	idToken, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, &client.ProviderError{Op: "verify", Err: err}
	}

	var c claims
	if err := idToken.Claims(&c); err != nil {
		return nil, &client.ProviderError{Op: "verify", Err: err}
	}

	if token.RefreshToken != "" {
		s.mu.Lock()
		s.refreshToken = token.RefreshToken
		s.mu.Unlock()
	}

	cred := &client.IdentityCredential{
		UserID:       idToken.Subject,
		ExpiresAt:    idToken.Expiry,
		Factors:      factorsFromAMR(c.AMR),
		SessionToken: rawIDToken,
	}
	if c.Email != "" {
		cred.Emails = []string{c.Email}
	}
	return cred, nil
}

func (s *Source) hasRefreshToken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken != ""
}

func (s *Source) clear() {
	s.mu.Lock()
	s.current = nil
	s.refreshToken = ""
	s.mu.Unlock()
}

// emit never blocks; Current always reflects the latest state even when a
// slow consumer misses an event.
func (s *Source) emit(ev client.CredentialEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("credential event dropped", "kind", ev.Kind.String())
	}
}

func factorsFromAMR(amr []string) []client.FactorKind {
	var factors []client.FactorKind
	for _, f := range security.FactorsFromAMR(amr) {
		factors = append(factors, client.FactorKind(f))
	}
	return factors
}
