package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/marcogenualdo/session-sync/internal/auth"
	"github.com/marcogenualdo/session-sync/internal/config"
	"github.com/marcogenualdo/session-sync/internal/httpx"
	"github.com/marcogenualdo/session-sync/internal/metrics"
	"github.com/marcogenualdo/session-sync/internal/middleware"
	"github.com/marcogenualdo/session-sync/internal/users"
	"github.com/marcogenualdo/session-sync/pkg/security"
)

type EstablishRequest struct {
	SessionToken string `json:"session_token"`
}

type UserInfo struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
}

type EstablishResponse struct {
	Success   bool     `json:"success"`
	User      UserInfo `json:"user"`
	CSRFToken string   `json:"csrf_token"`
}

// SessionHandler exchanges an IdP session token for a backend session cookie.
// Every call verifies the token server-side and mints a new session, so
// repeated or concurrent calls are harmless: the last cookie written wins.
type SessionHandler struct {
	cfg      config.Config
	sessions *auth.SessionManager
	csrf     *middleware.CSRFMiddleware
	users    users.Directory
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewSessionHandler(cfg config.Config, sessions *auth.SessionManager, csrf *middleware.CSRFMiddleware, directory users.Directory, m *metrics.Metrics, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		cfg:      cfg,
		sessions: sessions,
		csrf:     csrf,
		users:    directory,
		metrics:  m,
		logger:   logger,
	}
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req EstablishRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	token := strings.TrimSpace(req.SessionToken)
	if token == "" {
		h.metrics.ObserveEstablishment("bad_request")
		httpx.WriteError(w, httpx.ErrBadRequest.WithDetail("session_token is required"))
		return
	}

	session, err := h.sessions.Establish(r.Context(), token, middleware.RequestFingerprint(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidToken):
			h.metrics.ObserveEstablishment("invalid_token")
			h.logger.Info("session establishment rejected", "reason", err.Error())
			httpx.WriteError(w, httpx.ErrInvalidSession)
		case errors.Is(err, auth.ErrProviderUnavailable):
			h.metrics.ObserveEstablishment("unavailable")
			h.logger.Warn("identity provider unavailable", "error", err)
			httpx.WriteError(w, httpx.ErrServiceUnavailable)
		default:
			h.metrics.ObserveEstablishment("error")
			h.logger.Error("session establishment failed", "error", err)
			httpx.WriteError(w, httpx.ErrInternal)
		}
		return
	}

	if _, err := h.users.Touch(r.Context(), session.Identity); err != nil {
		// The session is valid without a directory row; /users/me will 404.
		h.logger.Error("failed to record user login", "user_id", session.Identity.UserID, "error", err)
	}

	csrfToken, err := h.csrf.Issue(r.Context(), session.ID)
	if err != nil {
		h.metrics.ObserveEstablishment("error")
		h.logger.Error("failed to issue CSRF token", "error", err)
		h.sessions.Destroy(r.Context(), session.ID)
		httpx.WriteError(w, httpx.ErrInternal)
		return
	}

	policy := cookiePolicy(h.cfg)
	http.SetCookie(w, security.CreateSessionCookie(policy, h.cfg.Server.CookieName, session.ID, h.cfg.Server.SessionTTL))
	http.SetCookie(w, security.CreateCSRFCookie(policy, h.cfg.CSRF.CookieName, csrfToken, h.cfg.CSRF.TTL))

	h.metrics.ObserveEstablishment("ok")
	httpx.NoStore(w)
	httpx.WriteJSON(w, http.StatusOK, EstablishResponse{
		Success: true,
		User: UserInfo{
			UserID: session.Identity.UserID,
			Email:  session.Identity.PrimaryEmail(),
			Name:   session.Identity.Name,
		},
		CSRFToken: csrfToken,
	})
}
