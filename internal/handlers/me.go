package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/marcogenualdo/session-sync/internal/httpx"
	"github.com/marcogenualdo/session-sync/internal/middleware"
	"github.com/marcogenualdo/session-sync/internal/users"
)

type MeResponse struct {
	User          UserInfo `json:"user"`
	Authenticated bool     `json:"authenticated"`
}

// MeHandler serves the session probe and the directory profile. Both run
// behind RequireSession.
type MeHandler struct {
	users  users.Directory
	logger *slog.Logger
}

func NewMeHandler(directory users.Directory, logger *slog.Logger) *MeHandler {
	return &MeHandler{
		users:  directory,
		logger: logger,
	}
}

func (h *MeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		httpx.WriteError(w, httpx.ErrUnauthorized)
		return
	}

	httpx.NoStore(w)
	httpx.WriteJSON(w, http.StatusOK, MeResponse{
		User: UserInfo{
			UserID: session.Identity.UserID,
			Email:  session.Identity.PrimaryEmail(),
			Name:   session.Identity.Name,
		},
		Authenticated: true,
	})
}

func (h *MeHandler) Profile(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		httpx.WriteError(w, httpx.ErrUnauthorized)
		return
	}

	user, err := h.users.Get(r.Context(), session.Identity.UserID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			httpx.WriteError(w, httpx.ErrNotFound.WithDetail("user not found"))
			return
		}
		h.logger.Error("failed to load user", "error", err)
		httpx.WriteError(w, httpx.ErrInternal)
		return
	}

	httpx.NoStore(w)
	httpx.WriteJSON(w, http.StatusOK, user)
}
