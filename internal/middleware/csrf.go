package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/marcogenualdo/session-sync/internal/cache"
	"github.com/marcogenualdo/session-sync/internal/config"
	"github.com/marcogenualdo/session-sync/internal/httpx"
	"github.com/marcogenualdo/session-sync/pkg/security"
)

var (
	ErrCSRFMissing  = errors.New("missing CSRF token")
	ErrCSRFMismatch = errors.New("CSRF header does not match cookie")
	ErrCSRFInvalid  = errors.New("unknown or expired CSRF token")
	ErrCSRFStale    = errors.New("CSRF token superseded for this session")
)

type csrfRecord struct {
	SessionID string    `json:"session_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
}

// CSRFMiddleware implements double-submit CSRF protection. A token is valid
// when the header copy equals the cookie copy, the token was issued by this
// backend and has not expired, and, once a session exists, it is the last
// token issued to that session.
type CSRFMiddleware struct {
	cfg           config.CSRFConfig
	sessionCookie string
	cache         cache.Cache
	logger        *slog.Logger
}

func NewCSRFMiddleware(cfg config.CSRFConfig, sessionCookie string, cache cache.Cache, logger *slog.Logger) *CSRFMiddleware {
	return &CSRFMiddleware{
		cfg:           cfg,
		sessionCookie: sessionCookie,
		cache:         cache,
		logger:        logger,
	}
}

func csrfKey(token string) string {
	return "csrf:" + token
}

func csrfLastKey(sessionID string) string {
	return "csrf:last:" + sessionID
}

// Issue mints a token. A non-empty sessionID binds it as that session's
// current token, superseding any earlier one.
func (cm *CSRFMiddleware) Issue(ctx context.Context, sessionID string) (string, error) {
	token, err := security.GenerateCSRFToken()
	if err != nil {
		return "", err
	}

	record, err := json.Marshal(csrfRecord{SessionID: sessionID, IssuedAt: time.Now()})
	if err != nil {
		return "", err
	}

	if err := cm.cache.Set(ctx, csrfKey(token), record, cm.cfg.TTL); err != nil {
		return "", err
	}

	if sessionID != "" {
		if err := cm.cache.Set(ctx, csrfLastKey(sessionID), []byte(token), cm.cfg.TTL); err != nil {
			return "", err
		}
	}

	return token, nil
}

// Validate checks the double-submit pair on r. Safe methods are not checked.
func (cm *CSRFMiddleware) Validate(r *http.Request) error {
	if isSafeMethod(r.Method) {
		return nil
	}

	header := r.Header.Get(cm.cfg.HeaderName)
	cookie := security.GetCookieValue(r, cm.cfg.CookieName)
	if header == "" || cookie == "" {
		return ErrCSRFMissing
	}
	if !security.TokensEqual(header, cookie) {
		return ErrCSRFMismatch
	}

	ctx := r.Context()
	data, err := cm.cache.Get(ctx, csrfKey(header))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return ErrCSRFInvalid
		}
		return err
	}

	var record csrfRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return ErrCSRFInvalid
	}

	sessionID := security.GetCookieValue(r, cm.sessionCookie)
	if record.SessionID != "" && record.SessionID != sessionID {
		return ErrCSRFStale
	}

	if sessionID == "" {
		return nil
	}

	last, err := cm.cache.Get(ctx, csrfLastKey(sessionID))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		return err
	}
	if !security.TokensEqual(header, string(last)) {
		return ErrCSRFStale
	}

	return nil
}

func (cm *CSRFMiddleware) ValidateCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := cm.Validate(r); err != nil {
			if errors.Is(err, ErrCSRFMissing) || errors.Is(err, ErrCSRFMismatch) ||
				errors.Is(err, ErrCSRFInvalid) || errors.Is(err, ErrCSRFStale) {
				cm.logger.Warn("CSRF validation failed", "path", r.URL.Path, "reason", err.Error())
				httpx.WriteError(w, httpx.ErrCSRF.WithDetail(err.Error()))
				return
			}
			cm.logger.Error("failed to check CSRF token", "error", err)
			httpx.WriteError(w, httpx.ErrInternal)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Revoke drops the token currently bound to sessionID.
func (cm *CSRFMiddleware) Revoke(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}

	last, err := cm.cache.Get(ctx, csrfLastKey(sessionID))
	if err == nil {
		cm.cache.Delete(ctx, csrfKey(string(last)))
	}
	cm.cache.Delete(ctx, csrfLastKey(sessionID))
}

// Rebind moves the token bound to oldID over to newID after the session ID
// was rotated. The token keeps its value and remaining lifetime.
func (cm *CSRFMiddleware) Rebind(ctx context.Context, oldID, newID string) error {
	last, err := cm.cache.Get(ctx, csrfLastKey(oldID))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		return err
	}
	token := string(last)
	cm.cache.Delete(ctx, csrfLastKey(oldID))

	data, err := cm.cache.Get(ctx, csrfKey(token))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		return err
	}

	var record csrfRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return err
	}

	ttl := cm.cfg.TTL - time.Since(record.IssuedAt)
	if ttl <= 0 {
		return nil
	}

	record.SessionID = newID
	data, err = json.Marshal(record)
	if err != nil {
		return err
	}
	if err := cm.cache.Set(ctx, csrfKey(token), data, ttl); err != nil {
		return err
	}
	return cm.cache.Set(ctx, csrfLastKey(newID), []byte(token), ttl)
}

func (cm *CSRFMiddleware) Config() config.CSRFConfig {
	return cm.cfg
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
