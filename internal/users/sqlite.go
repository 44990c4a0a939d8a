package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcogenualdo/session-sync/internal/auth"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	email        TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	idp_user_id  TEXT NOT NULL UNIQUE,
	created_at   INTEGER NOT NULL,
	last_login   INTEGER NOT NULL
);`

// SQLiteDirectory stores users in a single SQLite file. Timestamps are unix
// milliseconds.
type SQLiteDirectory struct {
	db *sql.DB
}

func NewSQLiteDirectory(ctx context.Context, path string) (*SQLiteDirectory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init users schema: %w", err)
	}

	return &SQLiteDirectory{db: db}, nil
}

func (d *SQLiteDirectory) Touch(ctx context.Context, identity auth.Identity) (*User, error) {
	const q = `
INSERT INTO users (id, email, name, idp_user_id, created_at, last_login)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (idp_user_id) DO UPDATE
SET email = excluded.email,
    name = COALESCE(NULLIF(excluded.name, ''), users.name),
    last_login = excluded.last_login
RETURNING id, email, name, idp_user_id, created_at, last_login`

	now := time.Now().UnixMilli()
	row := d.db.QueryRowContext(ctx, q, uuid.New().String(), identity.PrimaryEmail(), identity.Name, identity.UserID, now, now)

	u, err := scanSQLiteUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return u, nil
}

func (d *SQLiteDirectory) Get(ctx context.Context, idpUserID string) (*User, error) {
	const q = `
SELECT id, email, name, idp_user_id, created_at, last_login
FROM users WHERE idp_user_id = ?`

	u, err := scanSQLiteUser(d.db.QueryRowContext(ctx, q, idpUserID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

func (d *SQLiteDirectory) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

func scanSQLiteUser(row *sql.Row) (*User, error) {
	var (
		u                   User
		createdAt, lastSeen int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.IdPUserID, &createdAt, &lastSeen); err != nil {
		return nil, err
	}
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	u.LastLogin = time.UnixMilli(lastSeen).UTC()
	return &u, nil
}
