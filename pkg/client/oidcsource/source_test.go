package oidcsource

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/marcogenualdo/session-sync/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clientID = "spa"

type fakeProvider struct {
	t      *testing.T
	key    *rsa.PrivateKey
	server *httptest.Server

	mu            sync.Mutex
	validRefresh  map[string]bool
	amr           []string
	revoked       []string
	revokeStatus  int
	tokenRequests int
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &fakeProvider{
		t:            t,
		key:          key,
		validRefresh: map[string]bool{"rt-1": true},
		amr:          []string{"pwd"},
		revokeStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.discovery)
	mux.HandleFunc("/jwks", p.jwks)
	mux.HandleFunc("/token", p.token)
	mux.HandleFunc("/revoke", p.revoke)
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) discovery(w http.ResponseWriter, r *http.Request) {
	base := p.server.URL
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"jwks_uri":                              base + "/jwks",
		"revocation_endpoint":                   base + "/revoke",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *fakeProvider) jwks(w http.ResponseWriter, r *http.Request) {
	pub := p.key.PublicKey
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (p *fakeProvider) token(w http.ResponseWriter, r *http.Request) {
	require.NoError(p.t, r.ParseForm())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenRequests++

	w.Header().Set("Content-Type", "application/json")
	rt := r.PostForm.Get("refresh_token")
	if r.PostForm.Get("grant_type") != "refresh_token" || !p.validRefresh[rt] {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"invalid_grant"}`)
		return
	}

	// Rotate.
	delete(p.validRefresh, rt)
	next := rt + "+"
	p.validRefresh[next] = true

	idToken := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   p.server.URL,
		"sub":   "user-1",
		"aud":   clientID,
		"email": "ada@example.com",
		"amr":   p.amr,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	idToken.Header["kid"] = "k1"
	signed, err := idToken.SignedString(p.key)
	require.NoError(p.t, err)

	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  "at",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": next,
		"id_token":      signed,
	})
}

func (p *fakeProvider) revoke(w http.ResponseWriter, r *http.Request) {
	require.NoError(p.t, r.ParseForm())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, r.PostForm.Get("token"))
	w.WriteHeader(p.revokeStatus)
}

func (p *fakeProvider) requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

func newSource(t *testing.T, p *fakeProvider, refreshToken string) *Source {
	t.Helper()
	s, err := New(context.Background(), Config{
		Issuer:       p.server.URL,
		ClientID:     clientID,
		RefreshToken: refreshToken,
		Timeout:      5 * time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return s
}

func nextEvent(t *testing.T, s *Source) client.CredentialEvent {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no credential event")
		return client.CredentialEvent{}
	}
}

func TestInitRestoresSession(t *testing.T) {
	p := newFakeProvider(t)
	s := newSource(t, p, "rt-1")

	require.NoError(t, s.Init(context.Background()))
	assert.True(t, s.Initialized())

	ev := nextEvent(t, s)
	assert.Equal(t, client.CredentialInitialized, ev.Kind)
	require.NotNil(t, ev.Credential)
	assert.Equal(t, "user-1", ev.Credential.UserID)
	assert.Equal(t, []string{"ada@example.com"}, ev.Credential.Emails)
	assert.True(t, ev.Credential.HasFactor(client.FactorKnowledge))
	assert.NotEmpty(t, ev.Credential.SessionToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), ev.Credential.ExpiresAt, time.Minute)

	cur := s.Current()
	require.NotNil(t, cur)
	assert.Equal(t, ev.Credential.SessionToken, cur.SessionToken)
}

func TestInitWithoutRefreshToken(t *testing.T) {
	p := newFakeProvider(t)
	s := newSource(t, p, "")

	require.NoError(t, s.Init(context.Background()))
	ev := nextEvent(t, s)
	assert.Equal(t, client.CredentialInitialized, ev.Kind)
	assert.Nil(t, ev.Credential)
	assert.Nil(t, s.Current())
	assert.Zero(t, p.requests())
}

func TestInitWithRejectedRefreshToken(t *testing.T) {
	p := newFakeProvider(t)
	s := newSource(t, p, "stale")

	err := s.Init(context.Background())
	var pe *client.ProviderError
	assert.ErrorAs(t, err, &pe)

	ev := nextEvent(t, s)
	assert.Equal(t, client.CredentialInitialized, ev.Kind)
	assert.Nil(t, ev.Credential)
}

func TestRefreshRotatesToken(t *testing.T) {
	p := newFakeProvider(t)
	s := newSource(t, p, "rt-1")
	ctx := context.Background()

	require.NoError(t, s.Init(ctx))
	nextEvent(t, s)

	p.mu.Lock()
	p.amr = []string{"otp"}
	p.mu.Unlock()

	require.NoError(t, s.Refresh(ctx, time.Hour))
	ev := nextEvent(t, s)
	assert.Equal(t, client.CredentialRefreshed, ev.Kind)
	assert.True(t, ev.Credential.HasFactor(client.FactorPossession))
	assert.False(t, ev.Credential.HasFactor(client.FactorKnowledge))

	// The rotated token must be used; the first one is no longer valid.
	require.NoError(t, s.Refresh(ctx, time.Hour))
	assert.Equal(t, client.CredentialRefreshed, nextEvent(t, s).Kind)
	assert.Equal(t, 3, p.requests())
}

func TestRefreshRejectedEmitsExpired(t *testing.T) {
	p := newFakeProvider(t)
	s := newSource(t, p, "rt-1")
	ctx := context.Background()

	require.NoError(t, s.Init(ctx))
	nextEvent(t, s)

	p.mu.Lock()
	p.validRefresh = map[string]bool{}
	p.mu.Unlock()

	err := s.Refresh(ctx, time.Hour)
	var pe *client.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "refresh", pe.Op)

	assert.Equal(t, client.CredentialExpired, nextEvent(t, s).Kind)
	assert.Nil(t, s.Current())

	err = s.Refresh(ctx, time.Hour)
	assert.ErrorAs(t, err, &pe)
}

func TestRevoke(t *testing.T) {
	p := newFakeProvider(t)
	s := newSource(t, p, "rt-1")
	ctx := context.Background()

	require.NoError(t, s.Init(ctx))
	nextEvent(t, s)

	require.NoError(t, s.Revoke(ctx))
	assert.Equal(t, client.CredentialSignedOut, nextEvent(t, s).Kind)
	assert.Nil(t, s.Current())
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, []string{"rt-1+"}, p.revoked)
}

func TestRevokeFailureStillClearsLocalState(t *testing.T) {
	p := newFakeProvider(t)
	p.revokeStatus = http.StatusServiceUnavailable
	s := newSource(t, p, "rt-1")
	ctx := context.Background()

	require.NoError(t, s.Init(ctx))
	nextEvent(t, s)

	err := s.Revoke(ctx)
	var pe *client.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "revoke", pe.Op)

	assert.Equal(t, client.CredentialSignedOut, nextEvent(t, s).Kind)
	assert.Nil(t, s.Current())
}

func TestNewFailsOnUnreachableIssuer(t *testing.T) {
	_, err := New(context.Background(), Config{
		Issuer:   "http://127.0.0.1:1",
		ClientID: clientID,
		Timeout:  time.Second,
	})
	var pe *client.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "discovery", pe.Op)
}

func TestCurrentIsACopy(t *testing.T) {
	p := newFakeProvider(t)
	s := newSource(t, p, "rt-1")
	require.NoError(t, s.Init(context.Background()))

	cred := s.Current()
	require.NotNil(t, cred)
	require.NotEmpty(t, cred.Emails)
	require.NotEmpty(t, cred.Factors)
	cred.Emails[0] = "mallory@example.com"
	cred.Factors[0] = client.FactorInherence

	again := s.Current()
	assert.NotEqual(t, "mallory@example.com", again.Emails[0])
	assert.NotEqual(t, client.FactorInherence, again.Factors[0])
}

func TestFactorsFromAMR(t *testing.T) {
	assert.Empty(t, factorsFromAMR(nil))
	assert.Equal(t,
		[]client.FactorKind{client.FactorKnowledge, client.FactorPossession},
		factorsFromAMR([]string{"pwd", "otp", "pin", "mfa"}),
	)
}
