package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

func newTestConnectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection",
		Short: "Connect and bind to the directory with the saved settings",
		Long: `Connect and bind to the directory with the saved settings and print the
response time and root DSE information. Exits non-zero when the connection
fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.TestConnection(ctx, nil)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if !result.Success {
					return errors.New(result.Message)
				}
				return nil
			})
		},
	}
}

func newPreviewCmd() *cobra.Command {
	previewCmd := &cobra.Command{
		Use:   "preview",
		Short: "Show how directory entries map to users without staging them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				entries, err := a.service.Preview(ctx, nil, limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	previewCmd.Flags().Int("limit", 10, "Maximum entries to preview")
	return previewCmd
}
