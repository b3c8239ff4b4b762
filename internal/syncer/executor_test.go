package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/isometry/adsync/internal/directory"
	"github.com/isometry/adsync/internal/directory/directorytest"
	"github.com/isometry/adsync/internal/history"
	"github.com/isometry/adsync/internal/importer"
	"github.com/isometry/adsync/internal/lease"
	"github.com/isometry/adsync/internal/mapping"
	"github.com/isometry/adsync/internal/settings"
	"github.com/isometry/adsync/internal/staging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const adminsDN = "CN=IT-Admins,OU=Groups,DC=example,DC=com"

type fixture struct {
	settings *settings.MemoryStore
	staging  *staging.MemoryStore
	history  *history.MemoryLog
	users    *importer.MemoryUserStore
	dir      *directorytest.Fake
	lease    *lease.Local
	exec     *Executor
}

func newFixture(t *testing.T, mutate func(*settings.Settings), entries ...directory.Entry) *fixture {
	t.Helper()

	st := settings.Default()
	st.LDAP.IsEnabled = true
	st.LDAP.Server = "dc1.example.com"
	st.LDAP.BaseDN = "DC=example,DC=com"
	st.LDAP.PageSizeLimit = 2
	st.LDAP.GroupMappings = mapping.GroupMapping{"Admins": {adminsDN}}
	if mutate != nil {
		mutate(&st)
	}

	f := &fixture{
		settings: settings.NewMemoryStore(),
		staging:  staging.NewMemoryStore(),
		history:  history.NewMemoryLog(),
		users:    importer.NewMemoryUserStore(),
		dir:      directorytest.New(entries...),
		lease:    lease.NewLocal(),
	}
	require.NoError(t, f.settings.Save(context.Background(), st))

	f.exec = New(Config{
		Settings: f.settings,
		Staging:  f.staging,
		History:  f.history,
		Users:    f.users,
		Connect: func(context.Context, settings.LDAPSettings) (directory.Client, error) {
			return f.dir, nil
		},
	})
	return f
}

func (f *fixture) start(t *testing.T, req Request) *Job {
	t.Helper()
	ctx := context.Background()

	h, err := f.lease.Acquire(ctx, "test")
	require.NoError(t, err)
	job, err := f.exec.Start(ctx, h, req)
	require.NoError(t, err)
	return job
}

func wait(t *testing.T, job *Job) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, _ := job.Wait(ctx)
	require.NoError(t, ctx.Err(), "job did not finish")
	return status
}

func user(key string, kv ...string) directory.Entry {
	base := []string{"sAMAccountName", key, "mail", key + "@example.com"}
	return directorytest.User(key, "CN="+key+",OU=Users,DC=example,DC=com", append(base, kv...)...)
}

func stagedByKey(t *testing.T, s *staging.MemoryStore) map[string]staging.User {
	t.Helper()
	list, err := s.List(context.Background(), staging.Filter{})
	require.NoError(t, err)
	out := make(map[string]staging.User, len(list))
	for _, u := range list {
		out[u.IdentityKey] = u
	}
	return out
}

func TestExecutor_FullRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil,
		user("alice", "memberOf", "cn=it-admins,ou=groups,dc=example,dc=com"),
		user("bob"),
		user("carol"),
	)

	job := f.start(t, Request{Trigger: history.TriggerManual, Full: true})
	assert.Equal(t, StatusSucceeded, wait(t, job))
	assert.NoError(t, job.Err())

	p := job.Progress()
	assert.Equal(t, 2, p.Pages)
	assert.Equal(t, 3, p.Fetched)
	assert.Equal(t, 3, p.Created)

	staged := stagedByKey(t, f.staging)
	require.Len(t, staged, 3)
	assert.Equal(t, staging.StatusNew, staged["alice"].Status)
	assert.Equal(t, []string{"Admins"}, staged["alice"].Groups)
	assert.Equal(t, "alice@example.com", staged["alice"].Email)
	assert.Equal(t, "manual", staged["alice"].CreatedBy)

	entry, err := f.history.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusSuccess, entry.Status)
	assert.Equal(t, 3, entry.UsersFetched)
	assert.Equal(t, 3, entry.Counts.Created)

	_, held := f.lease.Holder()
	assert.False(t, held, "lease released")
	assert.True(t, f.dir.Closed())
	_, running := f.exec.Current()
	assert.False(t, running)

	searches := f.dir.Searches()
	require.Len(t, searches, 1)
	assert.Equal(t, "(&(objectCategory=person)(objectClass=user))", searches[0].Filter)
	assert.Equal(t, 2, searches[0].PageSize)
}

func TestExecutor_Scenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, user("A", "title", "Engineer"), user("B"), user("C"))

	// A is committed with older content; B was rejected by a reviewer.
	_, err := f.users.Upsert(ctx, importer.User{
		IdentityKey: "A",
		Fields:      mapping.Fields{Username: "A", Email: "A@example.com", Title: "Intern"},
	})
	require.NoError(t, err)

	first := f.start(t, Request{Trigger: history.TriggerManual, Full: true})
	require.Equal(t, StatusSucceeded, wait(t, first))

	staged := stagedByKey(t, f.staging)
	_, err = f.staging.Reject(ctx, "reviewer", staged["B"].ID)
	require.NoError(t, err)
	rejectedB, err := f.staging.Get(ctx, staged["B"].ID)
	require.NoError(t, err)

	job := f.start(t, Request{Trigger: history.TriggerManual, Full: true})
	require.Equal(t, StatusSucceeded, wait(t, job))

	all, err := f.staging.List(ctx, staging.Filter{})
	require.NoError(t, err)
	got := map[string]staging.Status{}
	for _, u := range all {
		got[u.IdentityKey] = u.Status
	}
	assert.Equal(t, map[string]staging.Status{
		"A": staging.StatusUpdated,
		"B": staging.StatusRejected,
		"C": staging.StatusNew,
	}, got)

	afterB, err := f.staging.Get(ctx, rejectedB.ID)
	require.NoError(t, err)
	assert.Equal(t, rejectedB, afterB, "rejected record untouched")

	entry, err := f.history.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, entry.UsersFetched)
	assert.Equal(t, history.Counts{Created: 1, Updated: 1}, entry.Counts)
}

func TestExecutor_RemovedUsersDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, user("alice"))

	_, err := f.users.Upsert(ctx, importer.User{IdentityKey: "gone", Fields: mapping.Fields{Username: "gone"}})
	require.NoError(t, err)

	job := f.start(t, Request{Trigger: history.TriggerScheduled, Full: true})
	require.Equal(t, StatusSucceeded, wait(t, job))

	staged := stagedByKey(t, f.staging)
	assert.Equal(t, staging.StatusDisabled, staged["gone"].Status)
	assert.Equal(t, 1, job.Progress().Disabled)

	u, ok := f.users.Get("gone")
	require.True(t, ok)
	assert.True(t, u.Active, "DISABLED is advisory in full staging mode")
}

func TestExecutor_IncrementalSkipsRemovalDetection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, user("alice"))

	_, err := f.users.Upsert(ctx, importer.User{IdentityKey: "gone"})
	require.NoError(t, err)

	since := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	job := f.start(t, Request{Trigger: history.TriggerScheduled, Since: since})
	require.Equal(t, StatusSucceeded, wait(t, job))

	searches := f.dir.Searches()
	require.Len(t, searches, 1)
	assert.Equal(t, "(&(&(objectCategory=person)(objectClass=user))(whenChanged>=20240101020000.0Z))", searches[0].Filter)

	staged := stagedByKey(t, f.staging)
	assert.NotContains(t, staged, "gone")
	assert.Contains(t, staged, "alice")

	entry, err := f.history.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, entry.Full)
}

func TestExecutor_Cancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, user("a1"), user("a2"), user("b1"), user("b2"))

	_, err := f.users.Upsert(ctx, importer.User{IdentityKey: "gone"})
	require.NoError(t, err)

	reached := make(chan struct{})
	proceed := make(chan struct{})
	f.dir.BeforePage = func(page int) {
		if page == 1 {
			close(reached)
			<-proceed
		}
	}

	job := f.start(t, Request{Trigger: history.TriggerManual, Full: true})
	<-reached
	job.Cancel()
	close(proceed)

	assert.Equal(t, StatusCancelled, wait(t, job))
	assert.NoError(t, job.Err())

	staged := stagedByKey(t, f.staging)
	assert.Len(t, staged, 2, "first page kept")
	assert.Contains(t, staged, "a1")
	assert.Contains(t, staged, "a2")
	assert.NotContains(t, staged, "gone", "no removal detection after cancel")

	entries, err := f.history.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.StatusCancelled, entries[0].Status)
	assert.Equal(t, 2, entries[0].UsersFetched)
}

func TestExecutor_ReviewBetweenPagesIsKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, user("alice"), user("bob"), user("carol"))

	require.Equal(t, StatusSucceeded, wait(t, f.start(t, Request{Trigger: history.TriggerManual, Full: true})))
	before := stagedByKey(t, f.staging)
	require.Equal(t, staging.StatusNew, before["carol"].Status)

	f.dir.BeforePage = func(page int) {
		switch page {
		case 0:
			assert.NoError(t, f.staging.SetSelected(ctx, true, before["alice"].ID))
			assert.NoError(t, f.staging.MarkReviewed(ctx, "reviewer", before["alice"].ID))
		case 1:
			_, err := f.staging.Reject(ctx, "reviewer", before["carol"].ID)
			assert.NoError(t, err)
		}
	}
	job := f.start(t, Request{Trigger: history.TriggerManual, Full: true})
	require.Equal(t, StatusSucceeded, wait(t, job))

	after := stagedByKey(t, f.staging)
	assert.Equal(t, staging.StatusRejected, after["carol"].Status)
	assert.Equal(t, before["carol"].ID, after["carol"].ID)
	assert.True(t, after["alice"].Selected)
	assert.NotNil(t, after["alice"].ReviewedAt)
	assert.Equal(t, 1, job.Progress().Skipped)
	assert.Zero(t, job.Progress().Disabled)
}

func TestExecutor_ImportBetweenPagesIsNotRestaged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, user("alice"), user("bob"), user("carol"))

	require.Equal(t, StatusSucceeded, wait(t, f.start(t, Request{Trigger: history.TriggerManual, Full: true})))
	carol := stagedByKey(t, f.staging)["carol"]

	im := importer.New(importer.Config{Staging: f.staging, Users: f.users})
	f.dir.BeforePage = func(page int) {
		if page == 1 {
			results := im.Import(ctx, importer.Options{Actor: "reviewer"}, carol.ID)
			assert.NoError(t, results[0].Err)
		}
	}
	require.Equal(t, StatusSucceeded, wait(t, f.start(t, Request{Trigger: history.TriggerManual, Full: true})))

	_, committed := f.users.Get("carol")
	assert.True(t, committed)
	after := stagedByKey(t, f.staging)
	assert.Equal(t, staging.StatusExisting, after["carol"].Status)
	assert.NotEqual(t, carol.ID, after["carol"].ID)
}

func TestExecutor_LogonDoesNotChangeUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, user("alice", "lastLogon", "133500000000000000", "logonCount", "41", "employeeID", "E-1"))

	require.Equal(t, StatusSucceeded, wait(t, f.start(t, Request{Trigger: history.TriggerManual, Full: true})))
	alice := stagedByKey(t, f.staging)["alice"]
	assert.Equal(t, map[string][]string{"employeeID": {"E-1"}}, alice.AdditionalAttributes)

	im := importer.New(importer.Config{Staging: f.staging, Users: f.users})
	require.NoError(t, im.Import(ctx, importer.Options{Actor: "reviewer"}, alice.ID)[0].Err)

	f.dir.SetEntries(user("alice", "lastLogon", "133600000000000000", "logonCount", "42", "employeeID", "E-1"))
	job := f.start(t, Request{Trigger: history.TriggerManual, Full: true})
	require.Equal(t, StatusSucceeded, wait(t, job))

	assert.Equal(t, staging.StatusExisting, stagedByKey(t, f.staging)["alice"].Status)
	assert.Equal(t, 1, job.Progress().Existing)
}

func TestExecutor_DirectoryError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, user("a1"), user("a2"), user("b1"))
	f.dir.SearchErr = directory.NewError(directory.KindConnection, "search", errors.New("connection reset"))
	f.dir.FailAfterPages = 1

	job := f.start(t, Request{Trigger: history.TriggerScheduled, Full: true})
	assert.Equal(t, StatusFailed, wait(t, job))
	assert.ErrorIs(t, job.Err(), directory.ErrConnection)

	entry, err := f.history.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusError, entry.Status)
	assert.Contains(t, entry.Details, "connection reset")
	assert.Len(t, stagedByKey(t, f.staging), 2, "pages before the failure are kept")

	_, held := f.lease.Holder()
	assert.False(t, held)
}

func TestExecutor_ConnectError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.exec.cfg.Connect = func(context.Context, settings.LDAPSettings) (directory.Client, error) {
		return nil, directory.NewError(directory.KindAuth, "bind", errors.New("invalid credentials"))
	}

	job := f.start(t, Request{Trigger: history.TriggerManual, Full: true})
	assert.Equal(t, StatusFailed, wait(t, job))
	assert.ErrorIs(t, job.Err(), directory.ErrAuth)

	entry, err := f.history.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusError, entry.Status)
}

func TestExecutor_DisabledDirectory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s *settings.Settings) { s.LDAP.IsEnabled = false })

	h, err := f.lease.Acquire(ctx, "test")
	require.NoError(t, err)
	_, err = f.exec.Start(ctx, h, Request{Trigger: history.TriggerManual, Full: true})
	assert.ErrorIs(t, err, ErrDirectoryDisabled)

	_, held := f.lease.Holder()
	assert.False(t, held, "lease released on failed start")

	entries, err := f.history.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecutor_NewOnlyMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s *settings.Settings) { s.LDAP.StagingMode = settings.StagingNewOnly },
		user("committed", "title", "Manager"),
		user("fresh"),
	)

	_, err := f.users.Upsert(ctx, importer.User{IdentityKey: "committed", Fields: mapping.Fields{Title: "Intern"}})
	require.NoError(t, err)
	_, err = f.users.Upsert(ctx, importer.User{IdentityKey: "gone"})
	require.NoError(t, err)

	job := f.start(t, Request{Trigger: history.TriggerManual, Full: true})
	require.Equal(t, StatusSucceeded, wait(t, job))

	staged := stagedByKey(t, f.staging)
	assert.Equal(t, staging.StatusNew, staged["fresh"].Status)
	assert.Equal(t, staging.StatusDisabled, staged["gone"].Status)
	assert.NotContains(t, staged, "committed", "updates to committed users bypass review")

	u, _ := f.users.Get("committed")
	assert.Equal(t, "Manager", u.Fields.Title)
	assert.Equal(t, 1, job.Progress().Applied)
}

func TestExecutor_StagingDisabledMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s *settings.Settings) {
		s.LDAP.StagingMode = settings.StagingDisabled
		s.LDAP.DeactivateRemovedUsers = true
	}, user("fresh"))

	_, err := f.users.Upsert(ctx, importer.User{IdentityKey: "gone"})
	require.NoError(t, err)

	job := f.start(t, Request{Trigger: history.TriggerManual, Full: true})
	require.Equal(t, StatusSucceeded, wait(t, job))

	assert.Empty(t, stagedByKey(t, f.staging))

	fresh, ok := f.users.Get("fresh")
	require.True(t, ok)
	assert.True(t, fresh.Active)

	gone, _ := f.users.Get("gone")
	assert.False(t, gone.Active)
	assert.Equal(t, 2, job.Progress().Applied)
}

// lostHandle is a lease handle whose Done channel the test controls.
type lostHandle struct {
	done     chan struct{}
	released chan struct{}
}

func (h *lostHandle) Holder() string        { return "test" }
func (h *lostHandle) Done() <-chan struct{} { return h.done }
func (h *lostHandle) Release(context.Context) error {
	close(h.released)
	return nil
}

func TestExecutor_LeaseLostFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, user("a1"), user("a2"), user("b1"))

	h := &lostHandle{done: make(chan struct{}), released: make(chan struct{})}
	reached := make(chan struct{})
	proceed := make(chan struct{})
	f.dir.BeforePage = func(page int) {
		if page == 1 {
			close(reached)
			<-proceed
		}
	}

	job, err := f.exec.Start(ctx, h, Request{Trigger: history.TriggerScheduled, Full: true})
	require.NoError(t, err)
	<-reached
	assert.Equal(t, StatusRunning, job.Info().Status)
	close(h.done)
	// The watcher cancels the run asynchronously.
	time.Sleep(20 * time.Millisecond)
	close(proceed)

	assert.Equal(t, StatusFailed, wait(t, job))
	assert.ErrorIs(t, job.Err(), errLeaseLost)
	<-h.released
}

func TestExecutor_Preview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil,
		user("alice", "memberOf", adminsDN, "department", "IT"),
		user("bob"),
		user("carol"),
	)
	st, err := f.settings.Load(ctx)
	require.NoError(t, err)

	got, err := f.exec.Preview(ctx, st.LDAP, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].IdentityKey)
	assert.Equal(t, []string{"Admins"}, got[0].Groups)
	assert.Equal(t, "IT", got[0].Fields.Department)
	assert.Equal(t, []string{"IT"}, got[0].Raw["department"])
	assert.NotEmpty(t, got[0].Fingerprint)

	assert.Empty(t, stagedByKey(t, f.staging))
	assert.True(t, f.dir.Closed())
}

func TestIncrementalFilter(t *testing.T) {
	since := time.Date(2024, 3, 5, 7, 8, 9, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "(whenChanged>=20240305060809.0Z)", IncrementalFilter("whenChanged", since))
}
