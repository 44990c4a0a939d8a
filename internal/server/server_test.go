package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	authjwt "github.com/marcogenualdo/session-sync/internal/auth/jwt"
	"github.com/marcogenualdo/session-sync/internal/cache"
	"github.com/marcogenualdo/session-sync/internal/config"
	"github.com/marcogenualdo/session-sync/internal/proxy"
	"github.com/marcogenualdo/session-sync/internal/users"
	"github.com/marcogenualdo/session-sync/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testIssuer = "https://idp.example.com"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type testEnv struct {
	server   *httptest.Server
	upstream *httptest.Server

	mu      sync.Mutex
	lastHit http.Header
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, "rate_limit:\n  requests: 1000\n")
}

// newTestEnvWith builds the server from the base config plus extra YAML.
func newTestEnvWith(t *testing.T, extra string) *testEnv {
	t.Helper()
	env := &testEnv{}

	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.lastHit = r.Header.Clone()
		env.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(env.upstream.Close)

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
identity:
  type: jwt
  jwt:
    secret: %q
    issuer: %q
backend:
  url: %q
`, testSecret, testIssuer, env.upstream.URL) + extra))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	directory, err := users.New(context.Background(), cfg.Database)
	require.NoError(t, err)

	srv, err := New(*cfg, cache.NewMemoryCache(), authjwt.NewVerifier(*cfg.Identity.JWT), directory, "test", discard)
	require.NoError(t, err)

	handler, err := srv.Handler()
	require.NoError(t, err)

	env.server = httptest.NewServer(handler)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) upstreamHeaders() http.Header {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastHit
}

func signToken(t *testing.T, subject string, amr ...string) string {
	t.Helper()
	token, err := authjwt.Sign(testSecret, authjwt.Claims{
		Email: subject + "@example.com",
		Name:  "Test " + subject,
		AMR:   amr,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return token
}

func newBackendClient(t *testing.T, env *testEnv) *client.BackendClient {
	t.Helper()
	bc, err := client.NewBackendClient(env.server.URL, client.BackendOptions{Logger: discard})
	require.NoError(t, err)
	return bc
}

func TestProbeEstablishProbe(t *testing.T) {
	env := newTestEnv(t)
	bc := newBackendClient(t, env)
	ctx := context.Background()

	_, err := bc.Me(ctx)
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)

	resp, err := bc.Establish(ctx, signToken(t, "user-1", "pwd"))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "user-1", resp.User.UserID)
	assert.NotEmpty(t, resp.CSRFToken)

	me, err := bc.Me(ctx)
	require.NoError(t, err)
	assert.True(t, me.Authenticated)
	assert.Equal(t, "user-1@example.com", me.User.Email)
}

func TestEstablishRejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	bc := newBackendClient(t, env)

	_, err := bc.Establish(context.Background(), "not-a-token")
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestEstablishRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/auth/session", "application/json", strings.NewReader(`{"session_token":"  "}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "bad_request", body["code"])
}

func TestLogoutEndsBackendSession(t *testing.T) {
	env := newTestEnv(t)
	bc := newBackendClient(t, env)
	ctx := context.Background()

	_, err := bc.Establish(ctx, signToken(t, "user-1"))
	require.NoError(t, err)

	require.NoError(t, bc.Logout(ctx))

	_, err = bc.Me(ctx)
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestLogoutRejectsMismatchedCSRF(t *testing.T) {
	env := newTestEnv(t)
	hc := establishRaw(t, env, "user-1")

	// Header and cookie disagree.
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/auth/logout", nil)
	require.NoError(t, err)
	req.Header.Set("x-csrftoken", "token-b")
	resp, err := hc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// No header at all.
	resp, err = hc.Post(env.server.URL+"/auth/logout", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The session survived both attempts.
	resp, err = hc.Get(env.server.URL + "/auth/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func establishRaw(t *testing.T, env *testEnv, subject string) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	hc := &http.Client{Jar: jar}

	resp, err := hc.Post(env.server.URL+"/auth/session", "application/json",
		strings.NewReader(fmt.Sprintf(`{"session_token":%q}`, signToken(t, subject))))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return hc
}

func fetchCSRF(t *testing.T, env *testEnv, hc *http.Client) string {
	t.Helper()
	resp, err := hc.Get(env.server.URL + "/csrf-token")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Token)
	return body.Token
}

func postWithCSRF(t *testing.T, env *testEnv, hc *http.Client, path, token string) int {
	t.Helper()
	u, err := url.Parse(env.server.URL)
	require.NoError(t, err)
	hc.Jar.SetCookies(u, []*http.Cookie{{Name: "csrftoken", Value: token, Path: "/"}})

	req, err := http.NewRequest(http.MethodPost, env.server.URL+path, strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-csrftoken", token)
	resp, err := hc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestSupersededCSRFTokenIsRejected(t *testing.T) {
	env := newTestEnv(t)
	hc := establishRaw(t, env, "user-1")

	stale := fetchCSRF(t, env, hc)
	fresh := fetchCSRF(t, env, hc)
	require.NotEqual(t, stale, fresh)

	assert.Equal(t, http.StatusForbidden, postWithCSRF(t, env, hc, "/auth/logout", stale))
	assert.Equal(t, http.StatusOK, postWithCSRF(t, env, hc, "/auth/logout", fresh))
}

func TestCSRFTokenFromAnotherSessionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	alice := establishRaw(t, env, "alice")
	bob := establishRaw(t, env, "bob")

	bobToken := fetchCSRF(t, env, bob)
	assert.Equal(t, http.StatusForbidden, postWithCSRF(t, env, alice, "/auth/logout", bobToken))
}

func TestProfileAndProxy(t *testing.T) {
	env := newTestEnv(t)
	bc := newBackendClient(t, env)
	ctx := context.Background()

	_, err := bc.Establish(ctx, signToken(t, "user-1", "otp"))
	require.NoError(t, err)

	resp, err := bc.Do(ctx, http.MethodGet, "/users/me", nil)
	require.NoError(t, err)
	var user users.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&user))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "user-1", user.IdPUserID)
	assert.Equal(t, "user-1@example.com", user.Email)

	resp, err = bc.Do(ctx, http.MethodPost, "/api/things", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h := env.upstreamHeaders()
	require.NotNil(t, h)
	assert.Equal(t, "user-1", h.Get(proxy.HeaderUserID))
	assert.Equal(t, "possession", h.Get(proxy.HeaderFactors))
	assert.NotContains(t, h.Get("Cookie"), "session_id=")
}

func TestProxyRequiresCSRFForUnsafeMethods(t *testing.T) {
	env := newTestEnv(t)
	hc := establishRaw(t, env, "user-1")

	resp, err := hc.Get(env.server.URL + "/api/things")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = hc.Post(env.server.URL+"/api/things", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Equal(t, http.StatusOK, postWithCSRF(t, env, hc, "/api/things", fetchCSRF(t, env, hc)))
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	resp, err = http.Get(env.server.URL + "/health/db")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "http_requests_total")
}

// staticSource is an identity provider session that never changes on its own.
type staticSource struct {
	mu      sync.Mutex
	cred    *client.IdentityCredential
	events  chan client.CredentialEvent
	revoked bool
}

func (s *staticSource) Current() *client.IdentityCredential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil
	}
	cp := *s.cred
	return &cp
}

func (s *staticSource) Events() <-chan client.CredentialEvent { return s.events }

func (s *staticSource) Refresh(ctx context.Context, d time.Duration) error { return nil }

func (s *staticSource) Revoke(ctx context.Context) error {
	s.mu.Lock()
	s.cred = nil
	s.revoked = true
	s.mu.Unlock()
	return nil
}

func TestSynchronizerAgainstServer(t *testing.T) {
	env := newTestEnv(t)
	bc := newBackendClient(t, env)

	cred := &client.IdentityCredential{
		UserID:       "user-1",
		Emails:       []string{"user-1@example.com"},
		ExpiresAt:    time.Now().Add(time.Hour),
		Factors:      []client.FactorKind{client.FactorKnowledge},
		SessionToken: signToken(t, "user-1", "pwd"),
	}
	source := &staticSource{cred: cred, events: make(chan client.CredentialEvent, 4)}
	source.events <- client.CredentialEvent{Kind: client.CredentialInitialized, Credential: cred}

	syncer := client.NewSynchronizer(source, bc, client.Options{Logger: discard, Backoff: -1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		syncer.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return syncer.State().HasInitialized
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, client.PhaseFrontendOnly, syncer.State().Phase)
	assert.Equal(t, client.IntentLogin, syncer.State().Intent)

	require.NoError(t, syncer.EnsureBackendSession(ctx))
	assert.Equal(t, client.PhaseFull, syncer.State().Phase)
	assert.True(t, syncer.Scheduler().Running())

	require.NoError(t, syncer.Logout(ctx))
	syncer.LogoutCoordinator().Wait()

	st := syncer.State()
	assert.Equal(t, client.PhaseUnauthenticated, st.Phase)
	assert.Nil(t, st.Credential)
	assert.False(t, syncer.Scheduler().Running())
	select {
	case err := <-syncer.LogoutCoordinator().Errors():
		t.Fatalf("backend logout failed: %v", err)
	default:
	}

	_, err := bc.Me(ctx)
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)

	err = syncer.EnsureBackendSession(ctx)
	assert.ErrorIs(t, err, client.ErrProviderSessionMissing)
}

func TestSynchronizerExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	bc := newBackendClient(t, env)

	cred := &client.IdentityCredential{
		UserID:       "user-1",
		ExpiresAt:    time.Now().Add(time.Hour),
		SessionToken: "forged",
	}
	source := &staticSource{cred: cred, events: make(chan client.CredentialEvent, 1)}
	syncer := client.NewSynchronizer(source, bc, client.Options{Logger: discard, Backoff: -1})

	err := syncer.EnsureBackendSession(context.Background())
	assert.ErrorIs(t, err, client.ErrSessionExpired)
}

func TestConcurrentEnsureWithDefaultRateLimit(t *testing.T) {
	env := newTestEnvWith(t, "")
	bc := newBackendClient(t, env)

	cred := &client.IdentityCredential{
		UserID:       "user-1",
		ExpiresAt:    time.Now().Add(time.Hour),
		SessionToken: signToken(t, "user-1", "pwd"),
	}
	source := &staticSource{cred: cred, events: make(chan client.CredentialEvent, 1)}
	syncer := client.NewSynchronizer(source, bc, client.Options{Logger: discard, Backoff: -1})
	ctx := context.Background()

	const n = 10
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- syncer.EnsureBackendSession(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// Checks against an established session do not spend the login budget.
	for i := 0; i < 3*n; i++ {
		require.NoError(t, syncer.EnsureBackendSession(ctx))
	}
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnvWith(t, "rate_limit:\n  requests: 2\n")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := newBackendClient(t, env).Establish(ctx, signToken(t, "user-1"))
		require.NoError(t, err)
	}

	_, err := newBackendClient(t, env).Establish(ctx, signToken(t, "user-1"))
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)

	// /auth/me has its own path and is not limited.
	_, err = newBackendClient(t, env).Me(ctx)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}
