// Package logging sets up the structured root logger and the per-subsystem
// loggers carried in every request and job context.
package logging

import (
	"context"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
)

// EnvLevel sets the root log level. ADSYNC_LOG_<SUBSYSTEM> overrides it for
// a single subsystem, for example ADSYNC_LOG_LDAP=TRACE.
const EnvLevel = "ADSYNC_LOG"

// DefaultLevel applies when neither the caller nor the environment sets one.
const DefaultLevel = "INFO"

// Subsystems are the subsystem loggers registered by WithSubsystems.
var Subsystems = []string{"ldap", "sync", "scheduler", "import", "staging"}

// sensitiveKeys are masked in every subsystem.
var sensitiveKeys = []string{"bind_password", "password", "bindPassword"}

// New returns ctx carrying a JSON root logger on stderr and every subsystem
// logger. An empty level falls back to $ADSYNC_LOG, then DefaultLevel.
func New(ctx context.Context, level string) context.Context {
	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("adsync"),
		tfsdklog.WithLevel(ParseLevel(level)),
		tfsdklog.WithStderrFromInit(),
	)
	return WithSubsystems(ctx)
}

// ParseLevel resolves a level name, consulting $ADSYNC_LOG when name is
// empty. Unknown names resolve to INFO.
func ParseLevel(name string) hclog.Level {
	name = strings.TrimSpace(name)
	if name == "" {
		name = os.Getenv(EnvLevel)
	}
	if name == "" {
		name = DefaultLevel
	}
	level := hclog.LevelFromString(name)
	if level == hclog.NoLevel {
		return hclog.Info
	}
	return level
}

// WithSubsystems registers the subsystem loggers on ctx, masking credential
// fields in each.
func WithSubsystems(ctx context.Context) context.Context {
	for _, sub := range Subsystems {
		ctx = tflog.NewSubsystem(ctx, sub, tflog.WithLevelFromEnv(EnvLevel, sub))
		ctx = tflog.SubsystemMaskFieldValuesWithFieldKeys(ctx, sub, sensitiveKeys...)
	}
	return ctx
}
