package handlers

import (
	"log/slog"
	"net/http"

	"github.com/marcogenualdo/session-sync/internal/auth"
	"github.com/marcogenualdo/session-sync/internal/config"
	"github.com/marcogenualdo/session-sync/internal/httpx"
	"github.com/marcogenualdo/session-sync/internal/metrics"
	"github.com/marcogenualdo/session-sync/internal/middleware"
	"github.com/marcogenualdo/session-sync/pkg/security"
)

type LogoutResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// LogoutHandler destroys the backend session and clears both cookies. It runs
// behind CSRF validation and succeeds whether or not a session exists.
type LogoutHandler struct {
	cfg      config.Config
	sessions *auth.SessionManager
	csrf     *middleware.CSRFMiddleware
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewLogoutHandler(cfg config.Config, sessions *auth.SessionManager, csrf *middleware.CSRFMiddleware, m *metrics.Metrics, logger *slog.Logger) *LogoutHandler {
	return &LogoutHandler{
		cfg:      cfg,
		sessions: sessions,
		csrf:     csrf,
		metrics:  m,
		logger:   logger,
	}
}

func (h *LogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if sessionID := security.GetCookieValue(r, h.cfg.Server.CookieName); sessionID != "" {
		if err := h.sessions.Destroy(r.Context(), sessionID); err != nil {
			h.logger.Warn("failed to delete session from cache", "error", err)
		}
		h.csrf.Revoke(r.Context(), sessionID)
		h.logger.Info("user logged out", "session_id", security.TokenPrefix(sessionID))
	}

	policy := cookiePolicy(h.cfg)
	http.SetCookie(w, security.ClearCookie(policy, h.cfg.Server.CookieName, true))
	http.SetCookie(w, security.ClearCookie(policy, h.cfg.CSRF.CookieName, false))

	h.metrics.ObserveLogout()
	httpx.NoStore(w)
	httpx.WriteJSON(w, http.StatusOK, LogoutResponse{
		Success: true,
		Message: "Logged out successfully",
	})
}
