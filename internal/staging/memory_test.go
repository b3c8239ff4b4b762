package staging

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/adsync/internal/mapping"
)

func stagedUser(key string, status Status) User {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return User{
		ID:          uuid.New(),
		IdentityKey: key,
		DN:          "CN=" + key + ",DC=example,DC=com",
		Fields:      mapping.Fields{Username: key, Email: key + "@example.com"},
		Groups:      []string{"Staff"},
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemoryStore_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	u := stagedUser("alice", StatusNew)
	require.NoError(t, s.Upsert(ctx, u))

	got, err := s.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	byKey, err := s.GetByKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byKey.ID)

	_, err = s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	u := stagedUser("alice", StatusNew)
	require.NoError(t, s.Upsert(ctx, u))

	got, err := s.Get(ctx, u.ID)
	require.NoError(t, err)
	got.Groups[0] = "Mutated"

	again, err := s.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Staff"}, again.Groups)
}

func TestMemoryStore_KeyUniqueAmongActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := stagedUser("alice", StatusNew)
	require.NoError(t, s.Upsert(ctx, first))

	dup := stagedUser("alice", StatusUpdated)
	assert.ErrorIs(t, s.Upsert(ctx, dup), ErrDuplicateKey)

	// A rejected record may share the key.
	rejected := stagedUser("alice", StatusRejected)
	assert.NoError(t, s.Upsert(ctx, rejected))

	// Re-writing the same record is not a conflict.
	first.Status = StatusUpdated
	assert.NoError(t, s.Upsert(ctx, first))

	// A conflicting batch is applied all-or-nothing.
	bob := stagedUser("bob", StatusNew)
	err := s.Upsert(ctx, bob, stagedUser("bob", StatusNew))
	assert.ErrorIs(t, err, ErrDuplicateKey)
	_, err = s.Get(ctx, bob.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	carol := stagedUser("carol", StatusDisabled)
	carol.Selected = true
	carol.DisplayName = "Carol Danvers"
	require.NoError(t, s.Upsert(ctx,
		stagedUser("bob", StatusUpdated),
		stagedUser("alice", StatusNew),
		carol,
	))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alice", all[0].IdentityKey)
	assert.Equal(t, "carol", all[2].IdentityKey)

	selected := true
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "status", filter: Filter{Statuses: []Status{StatusNew, StatusUpdated}}, want: []string{"alice", "bob"}},
		{name: "selected", filter: Filter{Selected: &selected}, want: []string{"carol"}},
		{name: "key", filter: Filter{IdentityKey: "bob"}, want: []string{"bob"}},
		{name: "key set", filter: Filter{IdentityKeys: []string{"carol", "alice", "dave"}}, want: []string{"alice", "carol"}},
		{name: "search display name", filter: Filter{Search: "DANVERS"}, want: []string{"carol"}},
		{name: "search email", filter: Filter{Search: "@example"}, want: []string{"alice", "bob", "carol"}},
		{name: "limit offset", filter: Filter{Limit: 1, Offset: 1}, want: []string{"bob"}},
		{name: "offset past end", filter: Filter{Offset: 10}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			require.NoError(t, err)
			var keys []string
			for _, u := range got {
				keys = append(keys, u.IdentityKey)
			}
			assert.Equal(t, tt.want, keys)
		})
	}
}

func TestMemoryStore_Selection(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a, b := stagedUser("alice", StatusNew), stagedUser("bob", StatusUpdated)
	require.NoError(t, s.Upsert(ctx, a, b))

	require.NoError(t, s.SetSelected(ctx, true, a.ID))
	got, _ := s.Get(ctx, a.ID)
	assert.True(t, got.Selected)

	assert.ErrorIs(t, s.SetSelected(ctx, true, uuid.New()), ErrNotFound)

	n, err := s.SelectAll(ctx, true, Filter{Statuses: []Status{StatusUpdated}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = s.Get(ctx, b.ID)
	assert.True(t, got.Selected)

	n, err = s.SelectAll(ctx, false, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryStore_RejectAndClear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	a, b := stagedUser("alice", StatusNew), stagedUser("bob", StatusUpdated)
	a.Selected = true
	require.NoError(t, s.Upsert(ctx, a, b))

	n, err := s.Reject(ctx, "reviewer", a.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.False(t, got.Selected)
	assert.Equal(t, "reviewer", got.UpdatedBy)
	require.NotNil(t, got.ReviewedAt)
	assert.Equal(t, now, *got.ReviewedAt)

	// Rejecting again is a no-op.
	n, err = s.Reject(ctx, "reviewer", a.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.GetByKey(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err = s.ClearRejected(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, b.ID)
	assert.NoError(t, err)
}

func TestMemoryStore_UpsertKeepsRejection(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a, b := stagedUser("alice", StatusNew), stagedUser("bob", StatusNew)
	require.NoError(t, s.Upsert(ctx, a, b))
	_, err := s.Reject(ctx, "reviewer", a.ID)
	require.NoError(t, err)

	// A writer holding the record from before the rejection.
	a.Email = "alice.changed@example.com"
	a.Status = StatusUpdated
	b.Status = StatusUpdated
	require.NoError(t, s.Upsert(ctx, a, b))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "alice@example.com", got.Email)

	got, err = s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, got.Status)
}

func TestMemoryStore_ClearRejectedByID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a, b, c := stagedUser("alice", StatusRejected), stagedUser("bob", StatusRejected), stagedUser("carol", StatusNew)
	require.NoError(t, s.Upsert(ctx, a, b, c))

	n, err := s.ClearRejected(ctx, a.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestMemoryStore_PurgeRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	old := stagedUser("alice", StatusRejected)
	old.UpdatedAt = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := stagedUser("bob", StatusRejected)
	recent.UpdatedAt = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	active := stagedUser("carol", StatusNew)
	active.UpdatedAt = old.UpdatedAt
	require.NoError(t, s.Upsert(ctx, old, recent, active))

	n, err := s.PurgeRejected(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, active.ID)
	assert.NoError(t, err)
}

func TestMemoryStore_MarkReviewed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := stagedUser("alice", StatusNew)
	require.NoError(t, s.Upsert(ctx, a))
	require.NoError(t, s.MarkReviewed(ctx, "reviewer", a.ID))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ReviewedAt)
	assert.Equal(t, StatusNew, got.Status)

	assert.ErrorIs(t, s.MarkReviewed(ctx, "reviewer", uuid.New()), ErrNotFound)
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusNew, StatusUpdated, StatusExisting, StatusDisabled, StatusRejected} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("PENDING").Valid())
}
