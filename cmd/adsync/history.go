package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/isometry/adsync/internal/history"
)

func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List sync runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				entries, err := a.service.ListHistory(ctx, limit)
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []history.Entry{}
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	historyCmd.Flags().Int("limit", 20, "Maximum entries; zero lists all")
	return historyCmd
}
