// Package scheduler starts sync runs on the configured calendar schedule,
// retries failed runs and serves manual triggers. Timed and manual runs go
// through the same lease, so at most one job runs at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/adsync/internal/history"
	"github.com/isometry/adsync/internal/lease"
	"github.com/isometry/adsync/internal/metrics"
	"github.com/isometry/adsync/internal/settings"
	"github.com/isometry/adsync/internal/syncer"
)

// ErrSyncRunning is returned by Trigger while another job holds the lease.
var ErrSyncRunning = lease.ErrBusy

// State is the scheduler's position in its cycle.
type State string

const (
	StateIdle      State = "IDLE"
	StateScheduled State = "SCHEDULED"
	StateTriggered State = "TRIGGERED"
)

// Config wires a Scheduler.
type Config struct {
	Settings settings.Store
	History  history.Log
	Executor *syncer.Executor
	Lease    lease.Lease
	// Holder identifies this process in the lease.
	Holder string
	// RunOnStartup starts a run as soon as Run is called.
	RunOnStartup bool
	// SettingsRetry is how long the loop waits after failing to load
	// settings before trying again. Defaults to a minute.
	SettingsRetry time.Duration
}

// Scheduler owns the background timer loop.
type Scheduler struct {
	cfg        Config
	now        func() time.Time
	reschedule chan struct{}

	mu      sync.Mutex
	state   State
	next    time.Time
	trigger history.Trigger
	attempt int

	// last holds the most recently loaded settings. Only the Run goroutine
	// touches it.
	last *settings.Settings
}

// New returns an idle Scheduler. Call Run to start it.
func New(cfg Config) *Scheduler {
	if cfg.Holder == "" {
		cfg.Holder = "adsync"
	}
	if cfg.SettingsRetry <= 0 {
		cfg.SettingsRetry = time.Minute
	}
	return &Scheduler{
		cfg:        cfg,
		now:        time.Now,
		reschedule: make(chan struct{}, 1),
		state:      StateIdle,
	}
}

// Info describes the scheduler's current plan.
type Info struct {
	State   State           `json:"state"`
	NextRun *time.Time      `json:"nextRun,omitempty"`
	Trigger history.Trigger `json:"trigger,omitempty"`
	// RetryAttempt is the number of retries already made for the last
	// failed run.
	RetryAttempt int `json:"retryAttempt"`
}

func (s *Scheduler) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{State: s.state, RetryAttempt: s.attempt}
	if s.state == StateScheduled {
		next := s.next
		info.NextRun = &next
		info.Trigger = s.trigger
	}
	return info
}

// Reschedule makes the loop reload settings and recompute the next run.
func (s *Scheduler) Reschedule() {
	select {
	case s.reschedule <- struct{}{}:
	default:
	}
}

// TriggerRequest describes a manual run.
type TriggerRequest struct {
	// Full forces a full run. Otherwise the usual full/incremental decision
	// applies.
	Full  bool
	Actor string
}

// Trigger starts a manual run immediately. It fails with ErrSyncRunning when a
// job is already running.
func (s *Scheduler) Trigger(ctx context.Context, req TriggerRequest) (*syncer.Job, error) {
	return s.start(ctx, history.TriggerManual, req.Full, req.Actor)
}

func (s *Scheduler) start(ctx context.Context, trigger history.Trigger, full bool, actor string) (*syncer.Job, error) {
	h, err := s.cfg.Lease.Acquire(ctx, s.cfg.Holder)
	if err != nil {
		if errors.Is(err, lease.ErrBusy) {
			metrics.LeaseBusyTotal.WithLabelValues(string(trigger)).Inc()
		}
		return nil, fmt.Errorf("acquire sync lease: %w", err)
	}

	req := syncer.Request{Trigger: trigger, Full: full, Actor: actor}
	if !full {
		since, err := s.since(ctx)
		if err != nil {
			if rerr := h.Release(context.WithoutCancel(ctx)); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return nil, err
		}
		req.Since = since
	}

	return s.cfg.Executor.Start(ctx, h, req)
}

// since returns the start of the incremental window, or the zero time when
// the next run must be full.
func (s *Scheduler) since(ctx context.Context) (time.Time, error) {
	st, err := s.cfg.Settings.Load(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("load settings: %w", err)
	}
	every := st.Sync.FullSyncEvery()
	if every <= 0 {
		return time.Time{}, nil
	}

	full, err := s.cfg.History.LastSuccess(ctx, true)
	switch {
	case errors.Is(err, history.ErrNotFound):
		return time.Time{}, nil
	case err != nil:
		return time.Time{}, fmt.Errorf("load last full run: %w", err)
	}
	if s.now().Sub(full.Timestamp) >= every {
		return time.Time{}, nil
	}

	last, err := s.cfg.History.LastSuccess(ctx, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("load last run: %w", err)
	}
	return last.Timestamp, nil
}

func (s *Scheduler) setState(state State, next time.Time, trigger history.Trigger) {
	s.mu.Lock()
	s.state = state
	s.next = next
	s.trigger = trigger
	s.mu.Unlock()

	if state == StateScheduled {
		metrics.SchedulerNextRun.Set(float64(next.Unix()))
	} else {
		metrics.SchedulerNextRun.Set(0)
	}
}

// Run drives the schedule until ctx is cancelled. A run in progress when ctx
// ends is cancelled and awaited before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	anchor := s.now()
	var retryAt time.Time

	if s.cfg.RunOnStartup {
		if s.fire(ctx, history.TriggerStartup, &retryAt) {
			anchor = s.now()
		}
	}

	for {
		if ctx.Err() != nil {
			s.setState(StateIdle, time.Time{}, "")
			return nil
		}

		st, err := s.load(ctx)
		if err != nil {
			tflog.SubsystemError(ctx, "scheduler", "Failed to load settings", map[string]any{
				"error":    err.Error(),
				"retry_in": s.cfg.SettingsRetry.String(),
			})
			s.setState(StateIdle, time.Time{}, "")
			timer := time.NewTimer(s.cfg.SettingsRetry)
			select {
			case <-ctx.Done():
			case <-s.reschedule:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}

		now := s.now()
		next, ok, err := plan(st, now, anchor)
		if err != nil {
			tflog.SubsystemError(ctx, "scheduler", "Invalid sync schedule", map[string]any{"error": err.Error()})
		}
		trigger := history.TriggerScheduled
		if !retryAt.IsZero() && st.LDAP.IsEnabled && (!ok || retryAt.Before(next)) {
			next, ok, trigger = retryAt, true, history.TriggerRetry
		}

		if !ok {
			s.setState(StateIdle, time.Time{}, "")
			tflog.SubsystemDebug(ctx, "scheduler", "No sync scheduled")
			select {
			case <-ctx.Done():
			case <-s.reschedule:
			}
			continue
		}

		s.setState(StateScheduled, next, trigger)
		tflog.SubsystemInfo(ctx, "scheduler", "Next sync scheduled", map[string]any{
			"next_run": next.Format(time.RFC3339),
			"trigger":  string(trigger),
		})

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-s.reschedule:
			timer.Stop()
		case <-timer.C:
			if trigger == history.TriggerRetry {
				retryAt = time.Time{}
			}
			s.fire(ctx, trigger, &retryAt)
			anchor = s.now()
		}
	}
}

// load returns the stored settings. When the store fails it returns the last
// settings loaded, or the defaults, along with the error.
func (s *Scheduler) load(ctx context.Context) (settings.Settings, error) {
	st, err := s.cfg.Settings.Load(ctx)
	if err != nil {
		if s.last != nil {
			return *s.last, err
		}
		return settings.Default(), err
	}
	s.last = &st
	return st, nil
}

// fire starts a run and waits for it, arranging a retry when it fails. It
// reports whether a run was started.
func (s *Scheduler) fire(ctx context.Context, trigger history.Trigger, retryAt *time.Time) bool {
	s.setState(StateTriggered, time.Time{}, trigger)

	job, err := s.start(ctx, trigger, false, string(trigger))
	if err != nil {
		level := tflog.SubsystemError
		if errors.Is(err, lease.ErrBusy) || errors.Is(err, syncer.ErrDirectoryDisabled) {
			level = tflog.SubsystemWarn
		}
		level(ctx, "scheduler", "Sync run not started", map[string]any{
			"trigger": string(trigger),
			"error":   err.Error(),
		})
		return false
	}

	var status syncer.Status
	select {
	case <-job.Done():
		status = job.Status()
	case <-ctx.Done():
		job.Cancel()
		<-job.Done()
		return true
	}

	if status != syncer.StatusFailed {
		s.mu.Lock()
		s.attempt = 0
		s.mu.Unlock()
		return true
	}

	st, err := s.load(ctx)
	if err != nil {
		tflog.SubsystemWarn(ctx, "scheduler", "Failed to load settings, using last known retry policy", map[string]any{
			"error": err.Error(),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt >= st.Sync.RetryAttempts {
		tflog.SubsystemWarn(ctx, "scheduler", "Sync retries exhausted", map[string]any{
			"attempts": s.attempt,
		})
		s.attempt = 0
		return true
	}
	s.attempt++
	*retryAt = s.now().Add(st.Sync.RetryDelay())
	metrics.SchedulerRetriesTotal.Inc()
	tflog.SubsystemInfo(ctx, "scheduler", "Scheduling sync retry", map[string]any{
		"attempt":  s.attempt,
		"retry_at": retryAt.Format(time.RFC3339),
		"error":    fmt.Sprint(job.Err()),
	})
	return true
}
