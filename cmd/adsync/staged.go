package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/isometry/adsync/internal/importer"
	"github.com/isometry/adsync/internal/staging"
)

func newStagedCmd() *cobra.Command {
	stagedCmd := &cobra.Command{
		Use:   "staged",
		Short: "Review staged users",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	stagedCmd.AddCommand(
		newStagedListCmd(),
		newStagedImportCmd(),
		newStagedRejectCmd(),
		newStagedSelectCmd(),
		newStagedReviewCmd(),
		newStagedClearCmd(),
		newStagedPurgeCmd(),
	)
	return stagedCmd
}

func newStagedListCmd() *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List staged users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := stagedFilter(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				users, err := a.service.ListStaged(ctx, filter)
				if err != nil {
					return err
				}
				if users == nil {
					users = []staging.User{}
				}
				return writeJSON(cmd.OutOrStdout(), users)
			})
		},
	}
	f := listCmd.Flags()
	f.StringSlice("status", nil, "Only these statuses (NEW, UPDATED, EXISTING, DISABLED, REJECTED)")
	f.String("search", "", "Case-insensitive match on username, email or display name")
	f.Bool("selected", false, "Only selected users")
	f.Int("limit", 0, "Maximum users to list; zero lists all")
	f.Int("offset", 0, "Users to skip")
	return listCmd
}

func stagedFilter(cmd *cobra.Command) (staging.Filter, error) {
	f := cmd.Flags()
	var filter staging.Filter

	statuses, _ := f.GetStringSlice("status")
	for _, s := range statuses {
		status := staging.Status(strings.ToUpper(strings.TrimSpace(s)))
		if !status.Valid() {
			return filter, fmt.Errorf("unknown staged status %q", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if f.Changed("selected") {
		selected, _ := f.GetBool("selected")
		filter.Selected = &selected
	}
	filter.Search, _ = f.GetString("search")
	filter.Limit, _ = f.GetInt("limit")
	filter.Offset, _ = f.GetInt("offset")
	return filter, nil
}

func newStagedImportCmd() *cobra.Command {
	importCmd := &cobra.Command{
		Use:   "import [ID...]",
		Short: "Import staged users into the application",
		Long: `Import the given staged users, or every selected user with --selected.

DISABLED users are deactivated when the directory settings enable
deactivation of removed users, and dismissed otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, _ := cmd.Flags().GetBool("selected")
			if selected == (len(args) > 0) {
				return errors.New("give staged user IDs or --selected, not both")
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			actor := NewFlagLoader(cmd).String("actor")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				var results []importer.Result
				if selected {
					results, err = a.service.ImportSelected(ctx, actor)
				} else {
					results, err = a.service.ImportStaged(ctx, actor, ids...)
				}
				if err != nil {
					return err
				}
				return writeImportResults(cmd.OutOrStdout(), results)
			})
		},
	}
	importCmd.Flags().Bool("selected", false, "Import every selected user")
	return importCmd
}

type importOutcome struct {
	importer.Result
	Error string `json:"error,omitempty"`
}

// writeImportResults prints every result and fails when any import failed.
func writeImportResults(w io.Writer, results []importer.Result) error {
	out := make([]importOutcome, 0, len(results))
	var failed int
	for _, r := range results {
		o := importOutcome{Result: r}
		if r.Err != nil {
			o.Error = r.Err.Error()
			failed++
		}
		out = append(out, o)
	}
	if err := writeJSON(w, out); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d imports failed", failed, len(results))
	}
	return nil
}

func newStagedRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject ID...",
		Short: "Reject staged users so later syncs ignore them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			actor := NewFlagLoader(cmd).String("actor")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.service.RejectStaged(ctx, actor, ids...)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]int{"rejected": n})
			})
		},
	}
}

func newStagedSelectCmd() *cobra.Command {
	selectCmd := &cobra.Command{
		Use:   "select [ID...]",
		Short: "Select staged users for a bulk import",
		Long: `Select the given staged users, or every user matching the list filters
with --all. --clear removes the selection instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			unselect, _ := cmd.Flags().GetBool("clear")
			if all == (len(args) > 0) {
				return errors.New("give staged user IDs or --all, not both")
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			filter, err := stagedFilter(cmd)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				n := len(ids)
				if all {
					n, err = a.service.SelectAllStaged(ctx, !unselect, filter)
				} else {
					err = a.service.SelectStaged(ctx, !unselect, ids...)
				}
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]int{"updated": n})
			})
		},
	}
	f := selectCmd.Flags()
	f.Bool("all", false, "Select every user matching the filters")
	f.Bool("clear", false, "Clear the selection instead")
	f.StringSlice("status", nil, "With --all, only these statuses")
	f.String("search", "", "With --all, case-insensitive match on username, email or display name")
	f.Int("limit", 0, "")
	f.Int("offset", 0, "")
	f.MarkHidden("limit")
	f.MarkHidden("offset")
	return selectCmd
}

func newStagedReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review ID...",
		Short: "Mark staged users as reviewed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			actor := NewFlagLoader(cmd).String("actor")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.service.MarkReviewed(ctx, actor, ids...)
			})
		},
	}
}

func newStagedClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [ID...]",
		Short: "Clear rejections so the next sync stages those users again",
		Long:  "Clear the given rejections, or every rejection when no IDs are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.service.ClearRejected(ctx, ids...)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]int{"cleared": n})
			})
		},
	}
}

func newStagedPurgeCmd() *cobra.Command {
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete rejections older than a retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			retention, _ := cmd.Flags().GetDuration("older_than")
			if retention < 0 {
				return fmt.Errorf("--older_than cannot be negative, got %s", retention)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.service.PurgeRejected(ctx, retention)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]int{"purged": n})
			})
		},
	}
	purgeCmd.Flags().Duration("older_than", 30*24*time.Hour, "Retention period for rejections")
	return purgeCmd
}
