// Package users keeps the local directory of people who have established a
// backend session: one row per identity-provider user.
package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcogenualdo/session-sync/internal/auth"
	"github.com/marcogenualdo/session-sync/internal/config"
)

var ErrNotFound = errors.New("user not found")

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	IdPUserID string    `json:"idp_user_id"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login"`
}

type Directory interface {
	// Touch creates the user for identity on first sight and records a login.
	Touch(ctx context.Context, identity auth.Identity) (*User, error)
	Get(ctx context.Context, idpUserID string) (*User, error)
	Ping(ctx context.Context) error
	Close() error
}

func New(ctx context.Context, cfg config.DatabaseConfig) (Directory, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryDirectory(), nil
	case "postgres":
		return NewPostgresDirectory(ctx, cfg.DSN)
	case "sqlite":
		return NewSQLiteDirectory(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
