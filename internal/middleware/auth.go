package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/marcogenualdo/session-sync/internal/auth"
	"github.com/marcogenualdo/session-sync/internal/httpx"
	"github.com/marcogenualdo/session-sync/pkg/security"
)

type contextKey string

const sessionContextKey contextKey = "session"

type AuthMiddleware struct {
	cookieName string
	sessions   *auth.SessionManager
	logger     *slog.Logger

	policy security.CookiePolicy
	rebind func(ctx context.Context, oldID, newID string) error
}

func NewAuthMiddleware(cookieName string, sessions *auth.SessionManager, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		cookieName: cookieName,
		sessions:   sessions,
		logger:     logger,
	}
}

// OnRotate sets the cookie policy used when a rotated session cookie is
// reissued, and a hook that moves per-session state to the new ID.
func (am *AuthMiddleware) OnRotate(policy security.CookiePolicy, rebind func(ctx context.Context, oldID, newID string) error) {
	am.policy = policy
	am.rebind = rebind
}

// RequireSession rejects requests without a live backend session with 401.
// A provider outage while re-verifying yields 503 so clients retry instead of
// re-authenticating.
func (am *AuthMiddleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := security.GetCookieValue(r, am.cookieName)
		if sessionID == "" {
			am.logger.Debug("no session cookie found", "path", r.URL.Path)
			httpx.WriteError(w, httpx.ErrUnauthorized)
			return
		}

		session, err := am.sessions.Resolve(r.Context(), sessionID, RequestFingerprint(r))
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrSessionNotFound):
				am.logger.Debug("session not found", "session_id", security.TokenPrefix(sessionID))
				httpx.WriteError(w, httpx.ErrInvalidSession)
			case errors.Is(err, auth.ErrProviderUnavailable):
				am.logger.Warn("identity provider unavailable during re-verification", "error", err)
				httpx.WriteError(w, httpx.ErrServiceUnavailable)
			default:
				am.logger.Error("failed to resolve session", "error", err)
				httpx.WriteError(w, httpx.ErrInternal)
			}
			return
		}

		if session.ID != sessionID {
			r = am.rotated(w, r, sessionID, session)
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rotated reissues the session cookie and returns a copy of r carrying the
// new ID, so later middleware sees the same session as the client will.
func (am *AuthMiddleware) rotated(w http.ResponseWriter, r *http.Request, oldID string, session *auth.Session) *http.Request {
	if am.rebind != nil {
		if err := am.rebind(r.Context(), oldID, session.ID); err != nil {
			am.logger.Warn("failed to move session state to rotated session", "error", err)
		}
	}
	http.SetCookie(w, security.CreateSessionCookie(am.policy, am.cookieName, session.ID, time.Until(session.ExpiresAt)))

	cookies := r.Cookies()
	r = r.Clone(r.Context())
	r.Header.Del("Cookie")
	for _, c := range cookies {
		if c.Name == am.cookieName {
			c.Value = session.ID
		}
		r.AddCookie(c)
	}
	return r
}

func GetSession(ctx context.Context) (*auth.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*auth.Session)
	return session, ok
}

// ClientIP returns the peer address of r without its port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestFingerprint hashes the client address, forwarding chain and user agent.
func RequestFingerprint(r *http.Request) string {
	return security.Fingerprint(
		ClientIP(r),
		strings.TrimSpace(r.Header.Get("X-Forwarded-For")),
		r.UserAgent(),
	)
}
