package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/plaenen/projections/pkg/store"
)

var statusFilter string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List projection statuses",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			infos, err := a.coordinator.List(ctx, store.ProjectionStatus(statusFilter))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECTION\tOBJECT\tSTATUS\tCHANGED\tREBUILD")
			for _, info := range infos {
				rebuild := "-"
				if info.Rebuild != nil {
					rebuild = string(info.Rebuild.Strategy)
					if info.Rebuild.Error != "" {
						rebuild += ": " + info.Rebuild.Error
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					info.ProjectionName, info.ObjectID, info.Status,
					info.StatusChangedAt.Format(time.RFC3339), rebuild)
			}
			return w.Flush()
		})
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <projection> <object-id>",
	Short: "Stop inline updates of a projection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			return a.coordinator.Disable(ctx, args[0], args[1])
		})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable <projection> <object-id>",
	Short: "Resume inline updates of a disabled projection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			return a.coordinator.Enable(ctx, args[0], args[1])
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <projection> <object-id>",
	Short: "Retain a projection for rollback only",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			return a.coordinator.Archive(ctx, args[0], args[1])
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail rebuilds whose lease has expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			n, err := a.coordinator.RecoverStuckRebuilds(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("recovered %d stuck rebuild(s)\n", n)
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only list projections with this status (e.g. REBUILDING)")
	rootCmd.AddCommand(statusCmd, disableCmd, enableCmd, archiveCmd, recoverCmd)
}

// withApp opens the stores for a one-shot command and closes them afterwards.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
