package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/marcogenualdo/session-sync/internal/cache"
	"github.com/marcogenualdo/session-sync/internal/config"
	"github.com/marcogenualdo/session-sync/internal/httpx"
	"github.com/marcogenualdo/session-sync/internal/users"
)

type HealthHandler struct {
	cfg       config.Config
	cache     cache.Cache
	users     users.Directory
	version   string
	logger    *slog.Logger
	startTime time.Time
}

func NewHealthHandler(cfg config.Config, cache cache.Cache, directory users.Directory, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		cfg:       cfg,
		cache:     cache,
		users:     directory,
		version:   version,
		logger:    logger,
		startTime: time.Now(),
	}
}

type HealthResponse struct {
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Version   string      `json:"version"`
	Uptime    string      `json:"uptime"`
	Cache     CacheHealth `json:"cache"`
}

type CacheHealth struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type DatabaseHealth struct {
	Status   string `json:"status"`
	Driver   string `json:"driver"`
	Database string `json:"database"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}

	response.Cache.Type = h.cfg.Cache.Type
	if err := h.cache.Set(ctx, "health:check", []byte("ok"), time.Minute); err != nil {
		h.logger.Warn("cache health check failed", "error", err)
		response.Cache.Status = "error"
		response.Status = "degraded"
	} else {
		response.Cache.Status = "connected"
		h.cache.Delete(ctx, "health:check")
	}

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, response)
}

// ServeDB reports whether the user directory is reachable.
func (h *HealthHandler) ServeDB(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := DatabaseHealth{
		Status:   "healthy",
		Driver:   h.cfg.Database.Driver,
		Database: "connected",
	}

	if err := h.users.Ping(ctx); err != nil {
		h.logger.Error("database health check failed", "error", err)
		response.Status = "unhealthy"
		response.Database = "disconnected"
		httpx.WriteJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, response)
}
