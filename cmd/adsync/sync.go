package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"

	"github.com/isometry/adsync/internal/scheduler"
	"github.com/isometry/adsync/internal/syncer"
)

func newSyncCmd() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a sync now and wait for it to finish",
		Long: `Run a manual sync with the saved settings and wait for it to finish.

Without --full the usual decision applies: a full run when the last full run
is older than the configured full sync interval, otherwise an incremental run
over entries changed since the last successful run.

Interrupting the command cancels the run at the next page boundary.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}
	syncCmd.Flags().Bool("full", false, "Force a full run")
	return syncCmd
}

func runSync(cmd *cobra.Command, args []string) error {
	full, _ := cmd.Flags().GetBool("full")
	actor := NewFlagLoader(cmd).String("actor")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		job, err := a.scheduler.Trigger(ctx, scheduler.TriggerRequest{Full: full, Actor: actor})
		if err != nil {
			return err
		}

		status, jobErr := job.Wait(ctx)
		if ctx.Err() != nil {
			tflog.SubsystemWarn(ctx, "sync", "Interrupted, cancelling sync", map[string]any{"job_id": job.ID.String()})
			job.Cancel()
			status, jobErr = job.Wait(context.WithoutCancel(ctx))
		}

		if err := writeJSON(cmd.OutOrStdout(), job.Info()); err != nil {
			return err
		}
		switch {
		case status == syncer.StatusSucceeded:
			return nil
		case jobErr != nil:
			return fmt.Errorf("sync %s: %w", status, jobErr)
		default:
			return fmt.Errorf("sync %s", status)
		}
	})
}
