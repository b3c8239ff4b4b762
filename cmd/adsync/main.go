// Command adsync runs directory synchronization: the scheduling daemon and
// the reviewer operations on staged users.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	_ "time/tzdata"

	"github.com/isometry/adsync/internal/logging"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "adsync",
		Short: "adsync - directory user synchronization with staged review",
		Long: `adsync reads user accounts from an LDAP / Active Directory server on a
schedule, maps them to application users and stages the differences for
review before they are imported.

Configuration is read from adsync.yaml (or --config_file), ADSYNC_* environment
variables and flags, in increasing order of precedence.`,
		SilenceUsage:      true,
		PersistentPreRunE: initialize,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	f := rootCmd.PersistentFlags()
	f.String("config_file", "", "Configuration file (default: adsync.yaml in ., $HOME/.adsync or /etc/adsync)")
	f.String("log_level", "", "Log level: TRACE, DEBUG, INFO, WARN, ERROR or OFF (default $ADSYNC_LOG or INFO)")
	f.String("postgres_dsn", "", "PostgreSQL DSN; in-memory stores are used when empty")
	f.String("redis_addr", "", "Redis address for the shared sync lease; an in-process lease is used when empty")
	f.String("redis_password", "", "Redis password")
	f.Int("redis_db", 0, "Redis database number")
	f.String("settings_file", "", "JSON settings file saved to the settings store at startup")
	f.String("holder", "", "Lease holder name (default hostname:pid)")
	f.String("actor", "cli", "Actor recorded on reviewer operations")
	f.Int("import_workers", 0, "Concurrent imports (default 4)")
	f.Float64("import_rate", 0, "Committed store writes per second; zero disables pacing")
	f.Bool("retain_imported", false, "Keep imported users in staging as EXISTING")
	viper.BindPFlags(f)

	rootCmd.AddCommand(
		newServeCmd(),
		newSyncCmd(),
		newTestConnectionCmd(),
		newPreviewCmd(),
		newStagedCmd(),
		newHistoryCmd(),
	)
	return rootCmd
}

// initialize loads configuration and installs the root logger on the
// command context.
func initialize(cmd *cobra.Command, args []string) error {
	fl := NewFlagLoader(cmd)
	if err := loadConfiguration(fl.String("config_file")); err != nil {
		return err
	}
	cmd.SetContext(logging.New(cmd.Context(), fl.String("log_level")))
	return nil
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func main() {
	Execute()
}
