package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/isometry/adsync/internal/directory"
	"github.com/isometry/adsync/internal/directory/directorytest"
	"github.com/isometry/adsync/internal/history"
	"github.com/isometry/adsync/internal/importer"
	"github.com/isometry/adsync/internal/lease"
	"github.com/isometry/adsync/internal/scheduler"
	"github.com/isometry/adsync/internal/settings"
	"github.com/isometry/adsync/internal/staging"
	"github.com/isometry/adsync/internal/syncer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	svc      *Service
	settings *settings.MemoryStore
	staging  *staging.MemoryStore
	users    *importer.MemoryUserStore
	dir      *directorytest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := settings.Default()
	st.LDAP.IsEnabled = true
	st.LDAP.Server = "dc1.example.com"
	st.LDAP.BaseDN = "DC=example,DC=com"
	st.LDAP.BindDN = "CN=svc-sync,OU=Service,DC=example,DC=com"
	st.LDAP.BindPassword = "secret"
	st.LDAP.PageSizeLimit = 1

	f := &fixture{
		settings: settings.NewMemoryStore(),
		staging:  staging.NewMemoryStore(),
		users:    importer.NewMemoryUserStore(),
		dir: directorytest.New(
			directorytest.User("alice", "CN=alice,DC=example,DC=com", "sAMAccountName", "alice"),
			directorytest.User("bob", "CN=bob,DC=example,DC=com", "sAMAccountName", "bob"),
		),
	}
	f.dir.Info = map[string]string{"dnsHostName": "dc1.example.com"}
	require.NoError(t, f.settings.Save(context.Background(), st))

	connect := func(context.Context, settings.LDAPSettings) (directory.Client, error) {
		return f.dir, nil
	}
	hist := history.NewMemoryLog()
	exec := syncer.New(syncer.Config{
		Settings: f.settings,
		Staging:  f.staging,
		History:  hist,
		Users:    f.users,
		Connect:  connect,
	})
	f.svc = New(Config{
		Settings: f.settings,
		Staging:  f.staging,
		History:  hist,
		Executor: exec,
		Scheduler: scheduler.New(scheduler.Config{
			Settings: f.settings,
			History:  hist,
			Executor: exec,
			Lease:    lease.NewLocal(),
		}),
		Importer: importer.New(importer.Config{Staging: f.staging, Users: f.users}),
		Connect:  connect,
	})
	return f
}

func (f *fixture) sync(t *testing.T) syncer.Info {
	t.Helper()
	job, err := f.svc.cfg.Scheduler.Trigger(context.Background(), scheduler.TriggerRequest{Full: true, Actor: "admin"})
	require.NoError(t, err)
	<-job.Done()
	return job.Info()
}

func (f *fixture) staged(t *testing.T) map[string]staging.User {
	t.Helper()
	list, err := f.svc.ListStaged(context.Background(), staging.Filter{})
	require.NoError(t, err)
	out := map[string]staging.User{}
	for _, u := range list {
		out[u.IdentityKey] = u
	}
	return out
}

func TestService_Settings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	got, err := f.svc.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, settings.RedactedSecret, got.LDAP.BindPassword)

	got.LDAP.PageSizeLimit = 250
	require.NoError(t, f.svc.SaveSettings(ctx, got))

	saved, err := f.settings.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", saved.LDAP.BindPassword, "redacted password keeps the stored one")
	assert.Equal(t, 250, saved.LDAP.PageSizeLimit)

	got.LDAP.BaseDN = ""
	err = f.svc.SaveSettings(ctx, got)
	assert.ErrorIs(t, err, settings.ErrInvalidConfiguration)

	saved, err = f.settings.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "DC=example,DC=com", saved.LDAP.BaseDN, "invalid settings are not saved")
}

func TestService_SyncAndImportSelected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	info := f.sync(t)
	assert.Equal(t, syncer.StatusSucceeded, info.Status)
	assert.Equal(t, 2, info.Progress.Created)

	entries, err := f.svc.ListHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.TriggerManual, entries[0].Trigger)

	staged := f.staged(t)
	require.NoError(t, f.svc.SelectStaged(ctx, true, staged["alice"].ID))

	results, err := f.svc.ImportSelected(ctx, "admin")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, importer.ActionCreated, results[0].Action)

	_, ok := f.users.Get("alice")
	assert.True(t, ok)
	_, ok = f.users.Get("bob")
	assert.False(t, ok)

	staged = f.staged(t)
	assert.NotContains(t, staged, "alice")
	assert.Contains(t, staged, "bob")

	// The imported user is now committed and unchanged.
	info = f.sync(t)
	assert.Equal(t, 1, info.Progress.Existing)
	assert.Equal(t, 1, info.Progress.Created)
}

func TestService_RejectAndClear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sync(t)

	bob := f.staged(t)["bob"]
	require.NoError(t, f.svc.SelectStaged(ctx, true, bob.ID))
	n, err := f.svc.RejectStaged(ctx, "reviewer", bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := f.svc.ImportSelected(ctx, "admin")
	require.NoError(t, err)
	assert.Empty(t, results, "rejection clears selection")

	results, err = f.svc.ImportStaged(ctx, "admin", bob.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, importer.ErrRejected)

	f.sync(t)
	got := f.staged(t)["bob"]
	assert.Equal(t, staging.StatusRejected, got.Status)
	assert.Equal(t, "reviewer", got.UpdatedBy)

	n, err = f.svc.ClearRejected(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.sync(t)
	assert.Equal(t, staging.StatusNew, f.staged(t)["bob"].Status)
}

func TestService_PurgeRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sync(t)

	_, err := f.svc.RejectStaged(ctx, "reviewer", f.staged(t)["bob"].ID)
	require.NoError(t, err)

	n, err := f.svc.PurgeRejected(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "recent rejection kept")

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = f.svc.PurgeRejected(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, f.staged(t), "bob")
}

func TestService_SelectAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sync(t)

	n, err := f.svc.SelectAllStaged(ctx, true, staging.Filter{Statuses: []staging.Status{staging.StatusNew}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := f.svc.ImportSelected(ctx, "admin")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Empty(t, f.staged(t))
}

func TestService_TriggerWhileRunningAndCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.CancelSync(ctx)
	assert.ErrorIs(t, err, ErrNoSyncRunning)

	reached := make(chan struct{})
	proceed := make(chan struct{})
	f.dir.BeforePage = func(page int) {
		if page == 1 {
			close(reached)
			<-proceed
		}
	}

	info, err := f.svc.TriggerSync(ctx, scheduler.TriggerRequest{Full: true})
	require.NoError(t, err)
	<-reached

	current, ok := f.svc.CurrentJob()
	require.True(t, ok)
	assert.Equal(t, info.ID, current.ID)

	_, err = f.svc.TriggerSync(ctx, scheduler.TriggerRequest{Full: true})
	assert.ErrorIs(t, err, scheduler.ErrSyncRunning)

	_, err = f.svc.CancelSync(ctx)
	require.NoError(t, err)
	job, _ := f.svc.cfg.Executor.Current()
	close(proceed)
	<-job.Done()

	assert.Equal(t, syncer.StatusCancelled, job.Status())
	_, ok = f.svc.CurrentJob()
	assert.False(t, ok)

	entries, err := f.svc.ListHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.StatusCancelled, entries[0].Status)
}

func TestService_TestConnection(t *testing.T) {
	ctx := context.Background()

	t.Run("saved settings", func(t *testing.T) {
		f := newFixture(t)
		r, err := f.svc.TestConnection(ctx, nil)
		require.NoError(t, err)
		assert.True(t, r.Success)
		assert.Equal(t, "dc1.example.com", r.ServerInfo["dnsHostName"])
		assert.True(t, f.dir.Closed())
	})

	t.Run("bind failure", func(t *testing.T) {
		f := newFixture(t)
		f.dir.ConnectErr = directory.NewError(directory.KindAuth, "bind", errors.New("invalid credentials"))
		r, err := f.svc.TestConnection(ctx, nil)
		require.NoError(t, err)
		assert.False(t, r.Success)
		assert.Equal(t, string(directory.KindAuth), r.ErrorKind)
		assert.Contains(t, r.Message, "invalid credentials")
	})

	t.Run("unsaved settings with redacted password", func(t *testing.T) {
		f := newFixture(t)
		var seen settings.LDAPSettings
		f.svc.cfg.Connect = func(_ context.Context, cfg settings.LDAPSettings) (directory.Client, error) {
			seen = cfg
			return f.dir, nil
		}
		st, err := f.svc.GetSettings(ctx)
		require.NoError(t, err)
		cfg := st.LDAP
		cfg.Server = "dc2.example.com"

		r, err := f.svc.TestConnection(ctx, &cfg)
		require.NoError(t, err)
		assert.True(t, r.Success)
		assert.Equal(t, "dc2.example.com", seen.Server)
		assert.Equal(t, "secret", seen.BindPassword)
	})

	t.Run("invalid settings", func(t *testing.T) {
		f := newFixture(t)
		cfg := settings.Default().LDAP
		r, err := f.svc.TestConnection(ctx, &cfg)
		require.NoError(t, err)
		assert.False(t, r.Success)
		assert.Equal(t, "configuration", r.ErrorKind)
	})
}

func TestService_Preview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	got, err := f.svc.Preview(ctx, nil, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].IdentityKey)
	assert.Equal(t, "alice", got[0].Fields.Username)
	assert.Empty(t, f.staged(t))
}

func TestService_ImportUnknownID(t *testing.T) {
	f := newFixture(t)
	results, err := f.svc.ImportStaged(context.Background(), "admin", uuid.New())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, staging.ErrNotFound)
}
