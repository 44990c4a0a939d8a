package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marcogenualdo/session-sync/internal/auth"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id           UUID PRIMARY KEY,
	email        TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	idp_user_id  TEXT NOT NULL UNIQUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_login   TIMESTAMPTZ NOT NULL DEFAULT now()
);`

type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(ctx context.Context, dsn string) (*PostgresDirectory, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to init users schema: %w", err)
	}

	return &PostgresDirectory{pool: pool}, nil
}

func (d *PostgresDirectory) Touch(ctx context.Context, identity auth.Identity) (*User, error) {
	const q = `
INSERT INTO users (id, email, name, idp_user_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (idp_user_id) DO UPDATE
SET email = EXCLUDED.email,
    name = COALESCE(NULLIF(EXCLUDED.name, ''), users.name),
    last_login = now()
RETURNING id::text, email, name, idp_user_id, created_at, last_login`

	var u User
	err := d.pool.QueryRow(ctx, q, uuid.New(), identity.PrimaryEmail(), identity.Name, identity.UserID).
		Scan(&u.ID, &u.Email, &u.Name, &u.IdPUserID, &u.CreatedAt, &u.LastLogin)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return &u, nil
}

func (d *PostgresDirectory) Get(ctx context.Context, idpUserID string) (*User, error) {
	const q = `
SELECT id::text, email, name, idp_user_id, created_at, last_login
FROM users WHERE idp_user_id = $1`

	var u User
	err := d.pool.QueryRow(ctx, q, idpUserID).
		Scan(&u.ID, &u.Email, &u.Name, &u.IdPUserID, &u.CreatedAt, &u.LastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

func (d *PostgresDirectory) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func (d *PostgresDirectory) Close() error {
	d.pool.Close()
	return nil
}
