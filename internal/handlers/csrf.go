package handlers

import (
	"log/slog"
	"net/http"

	"github.com/marcogenualdo/session-sync/internal/auth"
	"github.com/marcogenualdo/session-sync/internal/config"
	"github.com/marcogenualdo/session-sync/internal/httpx"
	"github.com/marcogenualdo/session-sync/internal/middleware"
	"github.com/marcogenualdo/session-sync/pkg/security"
)

type CSRFTokenResponse struct {
	Token string `json:"token"`
}

// CSRFHandler issues double-submit tokens to anyone, signed in or not. When
// the caller holds a live session the token is bound to it.
type CSRFHandler struct {
	cfg      config.Config
	csrf     *middleware.CSRFMiddleware
	sessions *auth.SessionManager
	logger   *slog.Logger
}

func NewCSRFHandler(cfg config.Config, csrf *middleware.CSRFMiddleware, sessions *auth.SessionManager, logger *slog.Logger) *CSRFHandler {
	return &CSRFHandler{
		cfg:      cfg,
		csrf:     csrf,
		sessions: sessions,
		logger:   logger,
	}
}

func (h *CSRFHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var sessionID string
	if sid := security.GetCookieValue(r, h.cfg.Server.CookieName); sid != "" {
		if session, err := h.sessions.Resolve(r.Context(), sid, middleware.RequestFingerprint(r)); err == nil {
			sessionID = session.ID
		}
	}

	token, err := h.csrf.Issue(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to issue CSRF token", "error", err)
		httpx.WriteError(w, httpx.ErrInternal)
		return
	}

	http.SetCookie(w, security.CreateCSRFCookie(cookiePolicy(h.cfg), h.cfg.CSRF.CookieName, token, h.cfg.CSRF.TTL))
	httpx.NoStore(w)
	httpx.WriteJSON(w, http.StatusOK, CSRFTokenResponse{Token: token})
}

func cookiePolicy(cfg config.Config) security.CookiePolicy {
	return security.CookiePolicy{
		Domain:   cfg.Server.CookieDomain,
		Secure:   cfg.Server.CookieSecure,
		SameSite: cfg.Server.CookieSameSite,
	}
}
