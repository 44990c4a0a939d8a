package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/marcogenualdo/session-sync/internal/cache"
	"github.com/marcogenualdo/session-sync/internal/config"
	"github.com/marcogenualdo/session-sync/internal/httpx"
)

// RateLimiter is a fixed-window limiter keyed by client IP and request path.
// Counters live in the shared cache so every replica sees the same window.
type RateLimiter struct {
	cfg    config.RateLimitConfig
	cache  cache.Cache
	logger *slog.Logger
	now    func() time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig, cache cache.Cache, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		cfg:    cfg,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// Allow counts one request for key and reports whether it fits the window,
// along with the time left in the window.
func (rl *RateLimiter) Allow(r *http.Request, key string) (bool, time.Duration) {
	window := rl.cfg.Window
	now := rl.now()
	bucket := now.Truncate(window)
	retryAfter := bucket.Add(window).Sub(now)

	k := "rl:" + key + ":" + strconv.FormatInt(bucket.Unix(), 10)
	n, err := rl.cache.Increment(r.Context(), k, window)
	if err != nil {
		rl.logger.Error("rate limit counter failed, allowing request", "error", err)
		return true, 0
	}

	return n <= int64(rl.cfg.Requests), retryAfter
}

func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := rl.Allow(r, ClientIP(r)+":"+r.URL.Path)
		if !ok {
			secs := int(retryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			rl.logger.Warn("rate limit exceeded", "client_ip", ClientIP(r), "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			httpx.WriteError(w, httpx.ErrTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
