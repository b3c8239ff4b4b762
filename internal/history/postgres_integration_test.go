//go:build integration

package history

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/adsync/internal/postgres"
)

func TestPostgresLog(t *testing.T) {
	dsn := os.Getenv("ADSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ADSYNC_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	db, err := postgres.Open(ctx, postgres.DefaultConfig(dsn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, postgres.Migrate(ctx, db))
	_, err = db.ExecContext(ctx, `TRUNCATE adsync_sync_history`)
	require.NoError(t, err)

	l := NewPostgresLog(db)

	e, err := l.Begin(ctx, TriggerManual, true)
	require.NoError(t, err)

	done, err := l.Finalize(ctx, e.ID, Outcome{Status: StatusSuccess, UsersFetched: 3, Counts: Counts{Created: 1}})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, 3, done.UsersFetched)
	assert.Equal(t, 1, done.Counts.Created)
	assert.NotNil(t, done.FinishedAt)

	_, err = l.Finalize(ctx, e.ID, Outcome{Status: StatusError})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	stale, err := l.Begin(ctx, TriggerScheduled, false)
	require.NoError(t, err)
	n, err := l.Abandon(ctx, "interrupted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := l.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)

	last, err := l.LastSuccess(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, e.ID, last.ID)

	list, err := l.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
