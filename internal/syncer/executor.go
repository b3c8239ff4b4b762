// Package syncer runs a single directory synchronization: fetch, map,
// resolve, reconcile, persist and record history.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/adsync/internal/directory"
	"github.com/isometry/adsync/internal/history"
	"github.com/isometry/adsync/internal/importer"
	"github.com/isometry/adsync/internal/lease"
	"github.com/isometry/adsync/internal/mapping"
	"github.com/isometry/adsync/internal/metrics"
	"github.com/isometry/adsync/internal/reconcile"
	"github.com/isometry/adsync/internal/settings"
	"github.com/isometry/adsync/internal/staging"
)

var (
	ErrDirectoryDisabled = errors.New("directory synchronization is disabled")
	errLeaseLost         = errors.New("sync lease lost")
)

// Connector opens a directory client for the given settings.
type Connector func(ctx context.Context, cfg settings.LDAPSettings) (directory.Client, error)

// Config wires an Executor to its collaborators.
type Config struct {
	Settings settings.Store
	Staging  staging.Store
	History  history.Log
	Users    importer.UserStore
	Connect  Connector
}

// Executor starts sync jobs. The caller enforces single-flight by passing a
// held lease to Start.
type Executor struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	current *Job
}

// New returns an Executor.
func New(cfg Config) *Executor {
	return &Executor{cfg: cfg, now: time.Now}
}

// Current returns the running job, if any.
func (e *Executor) Current() (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.current != nil
}

// Start begins a run in the background. The executor owns h from this point
// and releases it when the run ends, including when Start fails.
func (e *Executor) Start(ctx context.Context, h lease.Handle, req Request) (*Job, error) {
	release := func() {
		if err := h.Release(context.WithoutCancel(ctx)); err != nil {
			tflog.SubsystemWarn(ctx, "sync", "Failed to release sync lease", map[string]any{"error": err.Error()})
		}
	}

	st, err := e.cfg.Settings.Load(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if !st.LDAP.IsEnabled {
		release()
		return nil, ErrDirectoryDisabled
	}
	if req.Since.IsZero() {
		req.Full = true
	}
	if req.Actor == "" {
		req.Actor = string(req.Trigger)
	}

	entry, err := e.cfg.History.Begin(ctx, req.Trigger, req.Full)
	if err != nil {
		release()
		return nil, fmt.Errorf("begin history entry: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	job := newJob(entry.ID, req, entry.Timestamp, cancel)

	e.mu.Lock()
	e.current = job
	e.mu.Unlock()
	metrics.SyncRunning.Set(1)

	go e.execute(runCtx, h, job, st)
	return job, nil
}

func (e *Executor) execute(ctx context.Context, h lease.Handle, job *Job, st settings.Settings) {
	stopWatch := make(chan struct{})
	var watch sync.WaitGroup
	watch.Go(func() {
		select {
		case <-h.Done():
			job.cancel(errLeaseLost)
		case <-stopWatch:
		}
	})

	job.setStatus(StatusRunning)
	tflog.SubsystemInfo(ctx, "sync", "Starting sync run", map[string]any{
		"job_id":       job.ID.String(),
		"trigger":      string(job.Request.Trigger),
		"full":         job.Request.Full,
		"staging_mode": string(st.LDAP.StagingMode),
	})

	runErr := e.run(ctx, job, st)

	status, outcome := StatusSucceeded, history.StatusSuccess
	details := ""
	switch {
	case runErr == nil:
	case ctx.Err() != nil && errors.Is(context.Cause(ctx), context.Canceled):
		status, outcome = StatusCancelled, history.StatusCancelled
		details = "cancelled"
		runErr = nil
	default:
		if cause := context.Cause(ctx); errors.Is(cause, errLeaseLost) {
			runErr = fmt.Errorf("%w: %w", cause, runErr)
		}
		status, outcome = StatusFailed, history.StatusError
		details = runErr.Error()
	}

	p := job.Progress()
	entry, err := e.cfg.History.Finalize(context.WithoutCancel(ctx), job.ID, history.Outcome{
		Status:       outcome,
		UsersFetched: p.Fetched,
		Counts: history.Counts{
			Created:   p.Created,
			Updated:   p.Updated,
			Existing:  p.Existing,
			Disabled:  p.Disabled,
			Anomalies: p.Anomalies,
		},
		Details: details,
	})
	if err != nil {
		tflog.SubsystemError(ctx, "sync", "Failed to finalize history entry", map[string]any{
			"job_id": job.ID.String(),
			"error":  err.Error(),
		})
	}

	finished := e.now()
	job.finish(status, runErr, finished)

	close(stopWatch)
	watch.Wait()
	job.cancel(context.Canceled)

	e.mu.Lock()
	if e.current == job {
		e.current = nil
	}
	e.mu.Unlock()

	mode := "incremental"
	if job.Request.Full {
		mode = "full"
	}
	metrics.SyncRunning.Set(0)
	metrics.SyncRunsTotal.WithLabelValues(string(job.Request.Trigger), string(status)).Inc()
	metrics.SyncDuration.WithLabelValues(mode).Observe(finished.Sub(job.StartedAt).Seconds())

	fields := map[string]any{
		"job_id":        job.ID.String(),
		"status":        string(status),
		"users_fetched": p.Fetched,
		"pages":         p.Pages,
		"created":       p.Created,
		"updated":       p.Updated,
		"existing":      p.Existing,
		"disabled":      p.Disabled,
		"anomalies":     p.Anomalies,
		"applied":       p.Applied,
		"duration_ms":   entry.Duration.Milliseconds(),
	}
	if runErr != nil {
		fields["error"] = runErr.Error()
		tflog.SubsystemError(ctx, "sync", "Sync run failed", fields)
	} else {
		tflog.SubsystemInfo(ctx, "sync", "Sync run finished", fields)
	}

	if err := h.Release(context.WithoutCancel(ctx)); err != nil {
		tflog.SubsystemWarn(ctx, "sync", "Failed to release sync lease", map[string]any{"error": err.Error()})
	}
	close(job.done)
}

func (e *Executor) run(ctx context.Context, job *Job, st settings.Settings) error {
	client, err := e.cfg.Connect(ctx, st.LDAP)
	if err != nil {
		metrics.DirectoryErrorsTotal.WithLabelValues(string(directory.KindOf(err))).Inc()
		return fmt.Errorf("connect to directory: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			tflog.SubsystemDebug(ctx, "sync", "Failed to close directory client", map[string]any{"error": err.Error()})
		}
	}()

	extra := ""
	if !job.Request.Full {
		extra = IncrementalFilter(st.LDAP.ChangedAttribute, job.Request.Since)
	}
	req, err := st.LDAP.SearchRequest(extra)
	if err != nil {
		return fmt.Errorf("build search request: %w", err)
	}

	staged, err := e.cfg.Staging.List(ctx, staging.Filter{})
	if err != nil {
		return fmt.Errorf("load staged users: %w", err)
	}
	committed, err := e.cfg.Users.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load committed users: %w", err)
	}

	p := &persister{
		staging:    e.cfg.Staging,
		users:      e.cfg.Users,
		mode:       st.LDAP.StagingMode,
		deactivate: st.LDAP.DeactivateRemovedUsers,
		committed:  make(map[string]bool, len(committed)),
	}
	for _, c := range committed {
		p.committed[c.IdentityKey] = true
	}

	session := reconcile.NewSession(
		reconcile.Snapshot{Staged: staged, Committed: committed},
		reconcile.WithActor(job.Request.Actor),
		reconcile.WithClock(e.now),
	)
	mapper := st.LDAP.Mapper()
	resolver := st.LDAP.Resolver()

	for page, err := range e.search(ctx, client, req) {
		if err != nil {
			return err
		}

		candidates := Candidates(ctx, page, mapper, resolver, st.LDAP.MemberOfAttribute)
		keys := make([]string, 0, len(candidates))
		for _, c := range candidates {
			keys = append(keys, c.IdentityKey)
		}
		if err := e.refresh(ctx, session, p, keys); err != nil {
			return err
		}

		users := session.Apply(ctx, candidates)
		applied, err := p.persist(ctx, users)
		if err != nil {
			return err
		}
		e.record(job, session.Counts(), 1, applied)
		metrics.DirectoryPagesTotal.Inc()

		tflog.SubsystemDebug(ctx, "sync", "Processed directory page", map[string]any{
			"job_id":  job.ID.String(),
			"entries": len(page),
			"total":   session.Counts().Fetched,
		})

		// Pages already persisted are kept when the run is cancelled.
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if !job.Request.Full {
		e.observe(session.Counts())
		return nil
	}

	if err := e.refresh(ctx, session, p, session.Unseen()); err != nil {
		return err
	}
	disabled := session.Finalize(ctx)
	applied, err := p.persist(ctx, disabled)
	if err != nil {
		return err
	}
	e.record(job, session.Counts(), 0, applied)
	e.observe(session.Counts())
	return nil
}

// refresh reloads the stored state of keys into the session and persister.
// Reviews, rejections and imports can land while a run is between pages.
func (e *Executor) refresh(ctx context.Context, session *reconcile.Session, p *persister, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	staged, err := e.cfg.Staging.List(ctx, staging.Filter{IdentityKeys: keys})
	if err != nil {
		return fmt.Errorf("reload staged users: %w", err)
	}
	committed, err := e.cfg.Users.Snapshot(ctx, keys...)
	if err != nil {
		return fmt.Errorf("reload committed users: %w", err)
	}

	session.Refresh(keys, staged, committed)
	for _, key := range keys {
		delete(p.committed, key)
	}
	for _, c := range committed {
		p.committed[c.IdentityKey] = true
	}
	return nil
}

// search wraps the client's page sequence, checking for cancellation before
// each page and classifying directory failures.
func (e *Executor) search(ctx context.Context, client directory.Client, req directory.SearchRequest) iter.Seq2[[]directory.Entry, error] {
	return func(yield func([]directory.Entry, error) bool) {
		for page, err := range client.Search(ctx, req) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield(nil, ctxErr)
				return
			}
			if err != nil {
				metrics.DirectoryErrorsTotal.WithLabelValues(string(directory.KindOf(err))).Inc()
				yield(nil, fmt.Errorf("search directory: %w", err))
				return
			}
			if !yield(page, nil) {
				return
			}
		}
	}
}

func (e *Executor) record(job *Job, c reconcile.Counts, pages, applied int) {
	job.update(func(p *Progress) {
		p.Pages += pages
		p.Applied += applied
		p.Fetched = c.Fetched
		p.Created = c.Created
		p.Updated = c.Updated
		p.Existing = c.Existing
		p.Disabled = c.Disabled
		p.Skipped = c.Skipped
		p.Anomalies = c.Anomalies
	})
}

func (e *Executor) observe(c reconcile.Counts) {
	metrics.SyncUsersTotal.WithLabelValues(string(staging.StatusNew)).Add(float64(c.Created))
	metrics.SyncUsersTotal.WithLabelValues(string(staging.StatusUpdated)).Add(float64(c.Updated))
	metrics.SyncUsersTotal.WithLabelValues(string(staging.StatusExisting)).Add(float64(c.Existing))
	metrics.SyncUsersTotal.WithLabelValues(string(staging.StatusDisabled)).Add(float64(c.Disabled))
	metrics.SyncAnomaliesTotal.Add(float64(c.Anomalies))
}

// IncrementalFilter matches entries changed at or after since, using the
// directory's generalized time syntax.
func IncrementalFilter(attribute string, since time.Time) string {
	return fmt.Sprintf("(%s>=%s)", attribute, since.UTC().Format("20060102150405.0Z"))
}

// Candidates maps and resolves a page of directory entries.
func Candidates(ctx context.Context, entries []directory.Entry, m *mapping.Mapper, r *mapping.Resolver, memberOfAttribute string) []reconcile.Candidate {
	out := make([]reconcile.Candidate, 0, len(entries))
	for _, entry := range entries {
		if c, ok := candidate(ctx, entry, m, r, memberOfAttribute); ok {
			out = append(out, c)
		}
	}
	return out
}

func candidate(ctx context.Context, entry directory.Entry, m *mapping.Mapper, r *mapping.Resolver, memberOfAttribute string) (reconcile.Candidate, bool) {
	if entry.IdentityKey == "" {
		tflog.SubsystemWarn(ctx, "sync", "Skipping directory entry without identity key", map[string]any{
			"dn": entry.DN,
		})
		return reconcile.Candidate{}, false
	}

	groups, roles := r.Resolve(entry.Values(memberOfAttribute))
	return reconcile.Candidate{
		IdentityKey: entry.IdentityKey,
		DN:          entry.DN,
		Fields:      m.Map(entry.Attributes),
		Groups:      groups,
		Roles:       roles,
	}, true
}
