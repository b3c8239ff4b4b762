// Package service is the operation surface used by the API layer and the
// command line: settings, sync control, history and staging review.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/adsync/internal/directory"
	"github.com/isometry/adsync/internal/history"
	"github.com/isometry/adsync/internal/importer"
	"github.com/isometry/adsync/internal/scheduler"
	"github.com/isometry/adsync/internal/settings"
	"github.com/isometry/adsync/internal/staging"
	"github.com/isometry/adsync/internal/syncer"
)

// ErrNoSyncRunning is returned by CancelSync when no job is running.
var ErrNoSyncRunning = errors.New("no sync running")

// Config wires a Service.
type Config struct {
	Settings  settings.Store
	Staging   staging.Store
	History   history.Log
	Executor  *syncer.Executor
	Scheduler *scheduler.Scheduler
	Importer  *importer.Importer
	Connect   syncer.Connector
}

// Service implements the externally visible operations.
type Service struct {
	cfg Config
	now func() time.Time
}

// New returns a Service.
func New(cfg Config) *Service {
	return &Service{cfg: cfg, now: time.Now}
}

// GetSettings returns the saved settings with secrets redacted.
func (s *Service) GetSettings(ctx context.Context) (settings.Settings, error) {
	st, err := s.cfg.Settings.Load(ctx)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	st.LDAP = st.LDAP.Redacted()
	return st, nil
}

// SaveSettings validates and saves st, then applies its schedule. A redacted
// bind password keeps the stored one.
func (s *Service) SaveSettings(ctx context.Context, st settings.Settings) error {
	if st.LDAP.BindPassword == settings.RedactedSecret {
		current, err := s.cfg.Settings.Load(ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		st.LDAP.BindPassword = current.LDAP.BindPassword
	}

	if err := st.Validate(); err != nil {
		return err
	}
	if err := s.cfg.Settings.Save(ctx, st); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	tflog.SubsystemInfo(ctx, "sync", "Settings saved", map[string]any{
		"directory_enabled": st.LDAP.IsEnabled,
		"schedule_enabled":  st.Sync.Enabled,
		"staging_mode":      string(st.LDAP.StagingMode),
	})
	s.cfg.Scheduler.Reschedule()
	return nil
}

// SchedulerInfo reports the next automatic run.
func (s *Service) SchedulerInfo() scheduler.Info {
	return s.cfg.Scheduler.Info()
}

// TriggerSync starts a manual run. It fails with scheduler.ErrSyncRunning
// while another run is active.
func (s *Service) TriggerSync(ctx context.Context, req scheduler.TriggerRequest) (syncer.Info, error) {
	job, err := s.cfg.Scheduler.Trigger(ctx, req)
	if err != nil {
		return syncer.Info{}, err
	}
	return job.Info(), nil
}

// CancelSync asks the running job to stop at the next page boundary.
func (s *Service) CancelSync(ctx context.Context) (syncer.Info, error) {
	job, ok := s.cfg.Executor.Current()
	if !ok {
		return syncer.Info{}, ErrNoSyncRunning
	}
	job.Cancel()
	tflog.SubsystemInfo(ctx, "sync", "Sync cancellation requested", map[string]any{"job_id": job.ID.String()})
	return job.Info(), nil
}

// CurrentJob returns the running job.
func (s *Service) CurrentJob() (syncer.Info, bool) {
	job, ok := s.cfg.Executor.Current()
	if !ok {
		return syncer.Info{}, false
	}
	return job.Info(), true
}

func (s *Service) ListHistory(ctx context.Context, limit int) ([]history.Entry, error) {
	return s.cfg.History.List(ctx, limit)
}

func (s *Service) ListStaged(ctx context.Context, filter staging.Filter) ([]staging.User, error) {
	return s.cfg.Staging.List(ctx, filter)
}

// ImportStaged imports the given staged users, applying the configured
// deactivation policy to DISABLED records.
func (s *Service) ImportStaged(ctx context.Context, actor string, ids ...uuid.UUID) ([]importer.Result, error) {
	st, err := s.cfg.Settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return s.cfg.Importer.Import(ctx, importer.Options{
		Actor:             actor,
		DeactivateRemoved: st.LDAP.DeactivateRemovedUsers,
	}, ids...), nil
}

// ImportSelected imports every selected staged user.
func (s *Service) ImportSelected(ctx context.Context, actor string) ([]importer.Result, error) {
	selected := true
	users, err := s.cfg.Staging.List(ctx, staging.Filter{Selected: &selected})
	if err != nil {
		return nil, fmt.Errorf("list selected users: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(users))
	for _, u := range users {
		if u.Status != staging.StatusRejected {
			ids = append(ids, u.ID)
		}
	}
	return s.ImportStaged(ctx, actor, ids...)
}

// RejectStaged rejects staged users. Rejected keys are ignored by later runs
// until cleared.
func (s *Service) RejectStaged(ctx context.Context, actor string, ids ...uuid.UUID) (int, error) {
	n, err := s.cfg.Staging.Reject(ctx, actor, ids...)
	if err != nil {
		return n, fmt.Errorf("reject staged users: %w", err)
	}
	tflog.SubsystemInfo(ctx, "staging", "Staged users rejected", map[string]any{
		"actor":    actor,
		"rejected": n,
	})
	return n, nil
}

// SelectStaged sets the selection flag of the given records.
func (s *Service) SelectStaged(ctx context.Context, selected bool, ids ...uuid.UUID) error {
	return s.cfg.Staging.SetSelected(ctx, selected, ids...)
}

// SelectAllStaged sets the selection flag of every record matching filter.
func (s *Service) SelectAllStaged(ctx context.Context, selected bool, filter staging.Filter) (int, error) {
	return s.cfg.Staging.SelectAll(ctx, selected, filter)
}

func (s *Service) MarkReviewed(ctx context.Context, actor string, ids ...uuid.UUID) error {
	return s.cfg.Staging.MarkReviewed(ctx, actor, ids...)
}

// ClearRejected forgets rejections so the next run stages those keys again.
// With no ids every rejection is cleared.
func (s *Service) ClearRejected(ctx context.Context, ids ...uuid.UUID) (int, error) {
	n, err := s.cfg.Staging.ClearRejected(ctx, ids...)
	if err != nil {
		return n, fmt.Errorf("clear rejected users: %w", err)
	}
	tflog.SubsystemInfo(ctx, "staging", "Rejections cleared", map[string]any{"cleared": n})
	return n, nil
}

// PurgeRejected deletes rejections older than retention.
func (s *Service) PurgeRejected(ctx context.Context, retention time.Duration) (int, error) {
	n, err := s.cfg.Staging.PurgeRejected(ctx, s.now().Add(-retention))
	if err != nil {
		return n, fmt.Errorf("purge rejected users: %w", err)
	}
	return n, nil
}

// ConnectionResult is the outcome of TestConnection.
type ConnectionResult struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	ErrorKind    string            `json:"errorKind,omitempty"`
	ResponseTime time.Duration     `json:"responseTime"`
	ServerInfo   map[string]string `json:"serverInfo,omitempty"`
}

// TestConnection connects and binds with cfg, or with the saved settings when
// cfg is nil. Failures are reported in the result; the error is only set
// when settings cannot be loaded.
func (s *Service) TestConnection(ctx context.Context, cfg *settings.LDAPSettings) (ConnectionResult, error) {
	ldapCfg, err := s.ldapSettings(ctx, cfg)
	if err != nil {
		return ConnectionResult{}, err
	}
	if err := ldapCfg.ValidateConnection(); err != nil {
		return ConnectionResult{Message: err.Error(), ErrorKind: "configuration"}, nil
	}

	start := s.now()
	result := func(err error) ConnectionResult {
		r := ConnectionResult{Success: err == nil, ResponseTime: s.now().Sub(start)}
		if err != nil {
			r.Message = err.Error()
			r.ErrorKind = string(directory.KindOf(err))
		} else {
			r.Message = "connection successful"
		}
		return r
	}

	client, err := s.cfg.Connect(ctx, ldapCfg)
	if err != nil {
		return result(err), nil
	}
	defer client.Close()

	if err := client.TestConnection(ctx); err != nil {
		return result(err), nil
	}
	r := result(nil)

	if p, ok := client.(directory.ServerInfoProvider); ok {
		info, err := p.ServerInfo(ctx)
		if err != nil {
			tflog.SubsystemDebug(ctx, "ldap", "Failed to read server info", map[string]any{"error": err.Error()})
		}
		r.ServerInfo = info
	}

	tflog.SubsystemInfo(ctx, "ldap", "Connection test succeeded", map[string]any{
		"server":           ldapCfg.Server,
		"response_time_ms": r.ResponseTime.Milliseconds(),
	})
	return r, nil
}

// Preview maps and resolves up to limit entries with cfg, or with the saved
// settings when cfg is nil.
func (s *Service) Preview(ctx context.Context, cfg *settings.LDAPSettings, limit int) ([]syncer.PreviewEntry, error) {
	ldapCfg, err := s.ldapSettings(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := ldapCfg.ValidateConnection(); err != nil {
		return nil, err
	}
	return s.cfg.Executor.Preview(ctx, ldapCfg, limit)
}

// ldapSettings returns cfg, filling a redacted password from the saved
// settings, or the saved settings when cfg is nil.
func (s *Service) ldapSettings(ctx context.Context, cfg *settings.LDAPSettings) (settings.LDAPSettings, error) {
	if cfg != nil && cfg.BindPassword != settings.RedactedSecret {
		return *cfg, nil
	}

	st, err := s.cfg.Settings.Load(ctx)
	if err != nil {
		return settings.LDAPSettings{}, fmt.Errorf("load settings: %w", err)
	}
	if cfg == nil {
		return st.LDAP, nil
	}
	out := *cfg
	out.BindPassword = st.LDAP.BindPassword
	return out, nil
}
