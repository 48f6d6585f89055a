package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/plaenen/projections/pkg/catchup"
	"github.com/plaenen/projections/pkg/checkpoint"
	"github.com/plaenen/projections/pkg/projection"
	"github.com/plaenen/projections/pkg/store"
)

var compareCmd = &cobra.Command{
	Use:   "compare <source-projection> <target-projection> <object-id>",
	Short: "Show the streams on which a stored projection lags another",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			source, err := a.storedCheckpoint(ctx, args[0], args[2])
			if err != nil {
				return err
			}
			target, err := a.storedCheckpoint(ctx, args[1], args[2])
			if errors.Is(err, store.ErrNotFound) {
				target = catchup.FromCheckpoint(checkpoint.New())
			} else if err != nil {
				return err
			}

			diffs := catchup.NewDiffService(
				catchup.WithLogger(a.logger),
				catchup.WithTracer(a.telemetry.Tracer("catchup")),
				catchup.WithMetrics(a.telemetry.Metrics),
			)
			diff, err := diffs.Compare(ctx, source, target)
			if err != nil {
				return err
			}
			printDiff(diff)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(compareCmd)
}

// storedCheckpoint reads only the checkpoint of a stored projection, whatever its state type.
func (a *app) storedCheckpoint(ctx context.Context, projectionName, objectID string) (catchup.Checkpointed, error) {
	data, err := a.projections.Load(ctx, projectionName, objectID)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", projectionName, objectID, err)
	}
	cp := checkpoint.New()
	if raw, ok := doc[projection.FieldCheckpoint]; ok {
		if err := json.Unmarshal(raw, cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint of %s/%s: %w", projectionName, objectID, err)
		}
	}
	return catchup.FromCheckpoint(cp), nil
}

func printDiff(diff *catchup.CheckpointDiff) {
	if diff.IsSynced() {
		if diff.FastPath {
			fmt.Println("in sync (fingerprints match)")
		} else {
			fmt.Println("in sync")
		}
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STREAM\tSOURCE\tTARGET\tGAP")
	for _, d := range diff.Diffs {
		target := "-"
		if d.TargetVersion != nil {
			target = string(*d.TargetVersion)
		}
		gap := fmt.Sprintf("%d", d.EstimatedMissingEvents)
		if d.TargetAhead {
			gap = fmt.Sprintf("+%d (target ahead)", d.EstimatedMissingEvents)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Stream, d.SourceVersion, target, gap)
	}
	w.Flush()
	fmt.Printf("%d stream(s) behind, %d missing, %d ahead, ~%d event(s)\n",
		len(diff.Lagging()), len(diff.MissingStreams), len(diff.Ahead()), diff.TotalMissingEvents)
}
