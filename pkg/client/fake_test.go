package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSource struct {
	mu         sync.Mutex
	cred       *IdentityCredential
	refreshErr error
	revokeErr  error
	events     chan CredentialEvent
	refreshes  atomic.Int32
	revokes    atomic.Int32
}

func newFakeSource(cred *IdentityCredential) *fakeSource {
	return &fakeSource{cred: cred, events: make(chan CredentialEvent, 16)}
}

func (f *fakeSource) Current() *IdentityCredential {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cred.Clone()
}

func (f *fakeSource) Events() <-chan CredentialEvent {
	return f.events
}

func (f *fakeSource) Refresh(ctx context.Context, d time.Duration) error {
	f.refreshes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshErr
}

func (f *fakeSource) Revoke(ctx context.Context) error {
	f.revokes.Add(1)
	f.mu.Lock()
	f.cred = nil
	err := f.revokeErr
	f.mu.Unlock()
	return err
}

func (f *fakeSource) set(cred *IdentityCredential) {
	f.mu.Lock()
	f.cred = cred
	f.mu.Unlock()
}

// fakeBackend mimics the session endpoints closely enough to exercise the
// client: one valid IdP token, cookie sessions, double-submit CSRF.
type fakeBackend struct {
	mu         sync.Mutex
	validToken string
	sessions   map[string]bool
	csrf       map[string]bool
	nextID     int

	meStatus        int
	establishStatus int
	logoutStatus    int
	malformedCSRF   bool

	meCalls        atomic.Int32
	establishCalls atomic.Int32
	logoutCalls    atomic.Int32
}

func newFakeBackend(t *testing.T, validToken string) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := &fakeBackend{
		validToken: validToken,
		sessions:   make(map[string]bool),
		csrf:       make(map[string]bool),
	}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)
	return fb, srv
}

func (fb *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	switch r.URL.Path {
	case "/auth/me":
		fb.meCalls.Add(1)
		if fb.meStatus != 0 {
			w.WriteHeader(fb.meStatus)
			return
		}
		c, err := r.Cookie("session_id")
		if err != nil || !fb.sessions[c.Value] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(MeResponse{User: User{UserID: "user-1"}, Authenticated: true})

	case "/auth/session":
		fb.establishCalls.Add(1)
		if fb.establishStatus != 0 {
			w.WriteHeader(fb.establishStatus)
			return
		}
		var body struct {
			SessionToken string `json:"session_token"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.SessionToken != fb.validToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fb.nextID++
		id := "sid-" + strconv.Itoa(fb.nextID)
		fb.sessions[id] = true
		http.SetCookie(w, &http.Cookie{Name: "session_id", Value: id, Path: "/", HttpOnly: true})
		json.NewEncoder(w).Encode(EstablishResponse{Success: true, User: User{UserID: "user-1"}})

	case "/csrf-token":
		fb.nextID++
		token := "csrf-" + strconv.Itoa(fb.nextID)
		fb.csrf[token] = true
		http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: token, Path: "/"})
		if fb.malformedCSRF {
			io.WriteString(w, "{not json")
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": token})

	case "/auth/logout":
		fb.logoutCalls.Add(1)
		if fb.logoutStatus != 0 {
			w.WriteHeader(fb.logoutStatus)
			return
		}
		c, err := r.Cookie("csrftoken")
		header := r.Header.Get("x-csrftoken")
		if err != nil || header == "" || header != c.Value || !fb.csrf[header] {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if sc, err := r.Cookie("session_id"); err == nil {
			delete(fb.sessions, sc.Value)
		}
		http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "", Path: "/", MaxAge: -1})
		json.NewEncoder(w).Encode(map[string]any{"success": true})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (fb *fakeBackend) liveSessions() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.sessions)
}

func newTestBackendClient(t *testing.T, url string) *BackendClient {
	t.Helper()
	bc, err := NewBackendClient(url, BackendOptions{Timeout: 2 * time.Second, Logger: discard})
	require.NoError(t, err)
	return bc
}

func validCredential(expiresAt time.Time) *IdentityCredential {
	return &IdentityCredential{
		UserID:       "user-1",
		Emails:       []string{"ada@example.com"},
		ExpiresAt:    expiresAt,
		Factors:      []FactorKind{FactorKnowledge},
		SessionToken: "good-token",
	}
}

func newStaticServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}
