package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/isometry/adsync/internal/history"
	"github.com/isometry/adsync/internal/importer"
	"github.com/isometry/adsync/internal/ldap"
	"github.com/isometry/adsync/internal/lease"
	"github.com/isometry/adsync/internal/postgres"
	"github.com/isometry/adsync/internal/scheduler"
	"github.com/isometry/adsync/internal/service"
	"github.com/isometry/adsync/internal/settings"
	"github.com/isometry/adsync/internal/staging"
	"github.com/isometry/adsync/internal/syncer"
)

// app is the wired engine shared by every command.
type app struct {
	settings  settings.Store
	staging   staging.Store
	history   history.Log
	users     importer.UserStore
	lease     lease.Lease
	executor  *syncer.Executor
	scheduler *scheduler.Scheduler
	service   *service.Service
	// persistent reports whether state outlives the process.
	persistent bool

	closers []func() error
}

// appOptions are the process settings the engine is wired from.
type appOptions struct {
	PostgresDSN    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	Lease          lease.RedisConfig
	Holder         string
	SettingsFile   string
	ImportWorkers  int
	ImportRate     float64
	RetainImported bool
	RunOnStartup   bool
}

func loadAppOptions(cmd *cobra.Command) (appOptions, error) {
	fl := NewFlagLoader(cmd)
	leaseCfg, err := leaseConfig()
	if err != nil {
		return appOptions{}, err
	}
	return appOptions{
		PostgresDSN:    fl.String("postgres_dsn"),
		RedisAddr:      fl.String("redis_addr"),
		RedisPassword:  fl.String("redis_password"),
		RedisDB:        fl.Int("redis_db"),
		Lease:          leaseCfg,
		Holder:         holderName(cmd.Context(), fl.String("holder")),
		SettingsFile:   fl.String("settings_file"),
		ImportWorkers:  fl.Int("import_workers"),
		ImportRate:     fl.Float64("import_rate"),
		RetainImported: fl.Bool("retain_imported"),
		RunOnStartup:   fl.Bool("run_on_startup"),
	}, nil
}

// newApp opens the configured stores and wires the engine. The caller must
// Close the returned app.
func newApp(ctx context.Context, opts appOptions) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			err = errors.Join(err, a.Close())
		}
	}()

	if opts.PostgresDSN != "" {
		db, err := openPostgres(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.settings = settings.NewPostgresStore(db)
		a.staging = staging.NewPostgresStore(db)
		a.history = history.NewPostgresLog(db)
		a.users = importer.NewPostgresUserStore(db)
		a.persistent = true
	} else {
		tflog.Warn(ctx, "No PostgreSQL DSN configured, state is kept in memory")
		a.settings = settings.NewMemoryStore()
		a.staging = staging.NewMemoryStore()
		a.history = history.NewMemoryLog()
		a.users = importer.NewMemoryUserStore()
	}

	if opts.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis %s: %w", opts.RedisAddr, err)
		}
		a.lease = lease.NewRedis(client, opts.Lease)
	} else {
		a.lease = lease.NewLocal()
	}

	a.executor = syncer.New(syncer.Config{
		Settings: a.settings,
		Staging:  a.staging,
		History:  a.history,
		Users:    a.users,
		Connect:  ldap.Dial,
	})
	a.scheduler = scheduler.New(scheduler.Config{
		Settings:     a.settings,
		History:      a.history,
		Executor:     a.executor,
		Lease:        a.lease,
		Holder:       opts.Holder,
		RunOnStartup: opts.RunOnStartup,
	})

	var limiter *rate.Limiter
	if opts.ImportRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ImportRate), 1)
	}
	a.service = service.New(service.Config{
		Settings:  a.settings,
		Staging:   a.staging,
		History:   a.history,
		Executor:  a.executor,
		Scheduler: a.scheduler,
		Importer: importer.New(importer.Config{
			Staging:        a.staging,
			Users:          a.users,
			Workers:        opts.ImportWorkers,
			Limiter:        limiter,
			RetainImported: opts.RetainImported,
		}),
		Connect: ldap.Dial,
	})

	if opts.SettingsFile != "" {
		if err := a.seedSettings(ctx, opts.SettingsFile); err != nil {
			return nil, err
		}
	}

	tflog.Debug(ctx, "Engine ready", map[string]any{
		"persistent":   a.persistent,
		"shared_lease": opts.RedisAddr != "",
		"holder":       opts.Holder,
	})
	return a, nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := postgres.Open(ctx, postgres.DefaultConfig(dsn))
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// seedSettings validates and saves the JSON settings in path.
func (a *app) seedSettings(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}
	st, err := settings.Decode(data)
	if err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}
	if err := a.service.SaveSettings(ctx, st); err != nil {
		return fmt.Errorf("apply settings file %s: %w", path, err)
	}
	return nil
}

// Close releases every store and client in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp wires the engine for cmd and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	opts, err := loadAppOptions(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			tflog.Warn(ctx, "Failed to close stores", map[string]any{"error": err.Error()})
		}
	}()
	return fn(ctx, a)
}
