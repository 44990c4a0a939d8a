package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/marcogenualdo/session-sync/internal/cache"
	"github.com/marcogenualdo/session-sync/pkg/security"
	"golang.org/x/sync/singleflight"
)

type ManagerConfig struct {
	TTL              time.Duration
	ReverifyInterval time.Duration
	// RotateAfter is how long a session ID lives before re-verification
	// replaces it. Zero or negative disables rotation.
	RotateAfter     time.Duration
	BindFingerprint bool
}

// SessionManager is the backend session store. It exchanges verified IdP
// tokens for session records and re-verifies them as they age.
type SessionManager struct {
	verifier Verifier
	cache    cache.Cache
	cfg      ManagerConfig
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time
}

func NewSessionManager(verifier Verifier, c cache.Cache, cfg ManagerConfig, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		verifier: verifier,
		cache:    c,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func sessionKey(id string) string {
	return "session:" + id
}

// Establish verifies token with the identity provider and creates a fresh
// session. Concurrent calls for the same token each get their own session.
func (m *SessionManager) Establish(ctx context.Context, token, fingerprint string) (*Session, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	identity, err := m.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}

	now := m.now()
	session := &Session{
		ID:            uuid.New().String(),
		Identity:      *identity,
		SessionToken:  token,
		EstablishedAt: now,
		VerifiedAt:    now,
		RotatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.TTL),
	}
	if m.cfg.BindFingerprint {
		session.Fingerprint = fingerprint
	}

	if err := m.save(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info("backend session established",
		"user_id", identity.UserID,
		"session_id", security.TokenPrefix(session.ID),
	)

	return session, nil
}

// Resolve loads the session behind a cookie value. Sessions whose last
// verification is older than the re-verify interval are checked against the
// identity provider again; concurrent checks of one session share a single call.
// A re-verified session may come back under a new ID when it is due for
// rotation; the old ID is gone and callers must reissue the cookie.
func (m *SessionManager) Resolve(ctx context.Context, id, fingerprint string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}

	data, err := m.cache.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		m.logger.Error("failed to unmarshal session", "error", err)
		m.cache.Delete(ctx, sessionKey(id))
		return nil, ErrSessionNotFound
	}

	now := m.now()
	if now.After(session.ExpiresAt) {
		m.cache.Delete(ctx, sessionKey(id))
		return nil, ErrSessionNotFound
	}

	if m.cfg.BindFingerprint && !security.TokensEqual(session.Fingerprint, fingerprint) {
		m.logger.Warn("session fingerprint mismatch", "session_id", security.TokenPrefix(id))
		return nil, ErrSessionNotFound
	}

	if m.cfg.ReverifyInterval <= 0 || now.Sub(session.VerifiedAt) < m.cfg.ReverifyInterval {
		return &session, nil
	}

	v, err, _ := m.group.Do(id, func() (interface{}, error) {
		return m.reverify(ctx, &session)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *SessionManager) reverify(ctx context.Context, session *Session) (*Session, error) {
	identity, err := m.verifier.Verify(ctx, session.SessionToken)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			m.logger.Info("session token no longer valid, destroying session",
				"user_id", session.Identity.UserID,
				"session_id", security.TokenPrefix(session.ID),
			)
			m.Destroy(ctx, session.ID)
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	if identity.UserID != session.Identity.UserID {
		m.logger.Warn("session token user changed, destroying session", "session_id", security.TokenPrefix(session.ID))
		m.Destroy(ctx, session.ID)
		return nil, ErrSessionNotFound
	}

	now := m.now()
	session.Identity = *identity
	session.VerifiedAt = now

	oldID := session.ID
	rotate := m.cfg.RotateAfter > 0 && now.Sub(session.RotatedAt) >= m.cfg.RotateAfter
	if rotate {
		session.ID = uuid.New().String()
		session.RotatedAt = now
	}

	if err := m.save(ctx, session); err != nil {
		return nil, err
	}

	if rotate {
		if err := m.Destroy(ctx, oldID); err != nil {
			m.logger.Warn("failed to delete rotated session", "error", err)
		}
		m.logger.Info("backend session rotated",
			"user_id", session.Identity.UserID,
			"old_session_id", security.TokenPrefix(oldID),
			"session_id", security.TokenPrefix(session.ID),
		)
	}
	return session, nil
}

func (m *SessionManager) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return m.cache.Delete(ctx, sessionKey(id))
}

func (m *SessionManager) save(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := session.ExpiresAt.Sub(m.now())
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}

	if err := m.cache.Set(ctx, sessionKey(session.ID), data, ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}
