// Command projectiond hosts projection inline updates, rebuild lease recovery
// and catch-up tooling on top of a SQLite event store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/plaenen/projections/pkg/config"
	"github.com/plaenen/projections/pkg/runner"
)

var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "projectiond",
	Short:         "Projection checkpoint and rebuild coordination daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		logger = cfg.Logger(os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

func main() {
	ctx, stop := runner.NotifyShutdown(context.Background())
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
