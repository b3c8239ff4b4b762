package staging

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]User
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[uuid.UUID]User),
		now:   time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u.Clone(), nil
}

func (m *MemoryStore) GetByKey(_ context.Context, key string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.IdentityKey == key && u.Status != StatusRejected {
			return u.Clone(), nil
		}
	}
	return User{}, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		if filter.Match(u) {
			out = append(out, u.Clone())
		}
	}

	slices.SortFunc(out, func(a, b User) int {
		return cmp.Or(cmp.Compare(a.IdentityKey, b.IdentityKey), cmp.Compare(a.ID.String(), b.ID.String()))
	})

	if filter.Offset > 0 {
		out = out[min(filter.Offset, len(out)):]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Upsert(_ context.Context, users ...User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A rejection made after the caller read the record wins.
	users = slices.DeleteFunc(slices.Clone(users), func(u User) bool {
		stored, ok := m.users[u.ID]
		return ok && stored.Status == StatusRejected
	})

	// Validate the whole batch first so a conflict leaves the store untouched.
	pending := make(map[string]uuid.UUID, len(users))
	for _, u := range users {
		if u.Status == StatusRejected {
			continue
		}
		if other, ok := pending[u.IdentityKey]; ok && other != u.ID {
			return ErrDuplicateKey
		}
		pending[u.IdentityKey] = u.ID
		for id, existing := range m.users {
			if id != u.ID && existing.IdentityKey == u.IdentityKey && existing.Status != StatusRejected {
				return ErrDuplicateKey
			}
		}
	}

	for _, u := range users {
		m.users[u.ID] = u.Clone()
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, ids ...uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		delete(m.users, id)
	}
	return nil
}

func (m *MemoryStore) SetSelected(_ context.Context, selected bool, ids ...uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		u, ok := m.users[id]
		if !ok {
			return ErrNotFound
		}
		u.Selected = selected
		m.users[id] = u
	}
	return nil
}

func (m *MemoryStore) SelectAll(_ context.Context, selected bool, filter Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, u := range m.users {
		if !filter.Match(u) {
			continue
		}
		u.Selected = selected
		m.users[id] = u
		n++
	}
	return n, nil
}

func (m *MemoryStore) Reject(_ context.Context, actor string, ids ...uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, id := range ids {
		u, ok := m.users[id]
		if !ok || u.Status == StatusRejected {
			continue
		}
		u.Status = StatusRejected
		u.Selected = false
		u.UpdatedAt = now
		u.UpdatedBy = actor
		u.ReviewedAt = &now
		m.users[id] = u
		n++
	}
	return n, nil
}

func (m *MemoryStore) MarkReviewed(_ context.Context, actor string, ids ...uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, id := range ids {
		u, ok := m.users[id]
		if !ok {
			return ErrNotFound
		}
		u.ReviewedAt = &now
		u.UpdatedBy = actor
		m.users[id] = u
	}
	return nil
}

func (m *MemoryStore) ClearRejected(_ context.Context, ids ...uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, u := range m.users {
		if u.Status != StatusRejected {
			continue
		}
		if len(ids) > 0 && !slices.Contains(ids, id) {
			continue
		}
		delete(m.users, id)
		n++
	}
	return n, nil
}

func (m *MemoryStore) PurgeRejected(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, u := range m.users {
		if u.Status == StatusRejected && u.UpdatedAt.Before(cutoff) {
			delete(m.users, id)
			n++
		}
	}
	return n, nil
}
