package importer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/isometry/adsync/internal/mapping"
	"github.com/isometry/adsync/internal/reconcile"
	"github.com/isometry/adsync/internal/staging"
)

// ErrUserNotFound is returned for an identity key with no committed user.
var ErrUserNotFound = errors.New("committed user not found")

// User is a committed application user sourced from the directory.
type User struct {
	IdentityKey string         `json:"identityKey"`
	DN          string         `json:"dn"`
	Fields      mapping.Fields `json:"fields"`
	Groups      []string       `json:"groups"`
	Roles       []string       `json:"roles"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Fingerprint returns the content fingerprint the reconciler compares against.
func (u User) Fingerprint() string {
	return reconcile.Fingerprint(u.Fields, u.Groups, u.Roles)
}

// FromStaged converts a staged record into the committed user it proposes.
func FromStaged(s staging.User) User {
	return User{
		IdentityKey: s.IdentityKey,
		DN:          s.DN,
		Fields:      s.Fields.Clone(),
		Groups:      slices.Clone(s.Groups),
		Roles:       slices.Clone(s.Roles),
		Active:      true,
	}
}

// UserStore is the boundary to the committed user store.
type UserStore interface {
	// Snapshot returns committed users with their fingerprints: those with
	// the given identity keys, or every user when no keys are given.
	Snapshot(ctx context.Context, keys ...string) ([]reconcile.Committed, error)
	// Upsert creates or updates a user, reactivating it if needed, and
	// reports whether it was created.
	Upsert(ctx context.Context, u User) (created bool, err error)
	// Deactivate marks a user inactive. It returns ErrUserNotFound for an
	// unknown key.
	Deactivate(ctx context.Context, key string) error
}

// MemoryUserStore is an in-process UserStore.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]User
	now   func() time.Time
}

// NewMemoryUserStore returns a store holding users.
func NewMemoryUserStore(users ...User) *MemoryUserStore {
	m := &MemoryUserStore{
		users: make(map[string]User, len(users)),
		now:   time.Now,
	}
	for _, u := range users {
		m.users[u.IdentityKey] = u
	}
	return m
}

// Get returns a committed user.
func (m *MemoryUserStore) Get(key string) (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[key]
	return u, ok
}

func (m *MemoryUserStore) Snapshot(_ context.Context, keys ...string) ([]reconcile.Committed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(keys) > 0 {
		var out []reconcile.Committed
		for _, key := range keys {
			if u, ok := m.users[key]; ok {
				out = append(out, committed(u))
			}
		}
		return out, nil
	}

	out := make([]reconcile.Committed, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, committed(u))
	}
	return out, nil
}

func committed(u User) reconcile.Committed {
	return reconcile.Committed{
		IdentityKey: u.IdentityKey,
		DN:          u.DN,
		Fields:      u.Fields.Clone(),
		Groups:      slices.Clone(u.Groups),
		Roles:       slices.Clone(u.Roles),
		Fingerprint: u.Fingerprint(),
		Active:      u.Active,
	}
}

func (m *MemoryUserStore) Upsert(_ context.Context, u User) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.users[u.IdentityKey]
	if ok {
		u.CreatedAt = existing.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	u.Active = true
	m.users[u.IdentityKey] = u
	return !ok, nil
}

func (m *MemoryUserStore) Deactivate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[key]
	if !ok {
		return ErrUserNotFound
	}
	u.Active = false
	u.UpdatedAt = m.now()
	m.users[key] = u
	return nil
}
