package users

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcogenualdo/session-sync/internal/auth"
)

type MemoryDirectory struct {
	mu    sync.Mutex
	users map[string]*User
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]*User)}
}

func (d *MemoryDirectory) Touch(ctx context.Context, identity auth.Identity) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UTC()
	u, ok := d.users[identity.UserID]
	if !ok {
		u = &User{
			ID:        uuid.New().String(),
			IdPUserID: identity.UserID,
			CreatedAt: now,
		}
		d.users[identity.UserID] = u
	}
	u.Email = identity.PrimaryEmail()
	if identity.Name != "" {
		u.Name = identity.Name
	}
	u.LastLogin = now

	cp := *u
	return &cp, nil
}

func (d *MemoryDirectory) Get(ctx context.Context, idpUserID string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[idpUserID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *MemoryDirectory) Ping(ctx context.Context) error {
	return nil
}

func (d *MemoryDirectory) Close() error {
	return nil
}
