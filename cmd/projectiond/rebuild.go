package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plaenen/projections/pkg/catchup"
	"github.com/plaenen/projections/pkg/checkpoint"
	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/projection"
	"github.com/plaenen/projections/pkg/store"
)

var (
	rebuildStrategy   string
	rebuildIterations int
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <object-type> <object-id>",
	Short: "Rebuild the stream index of one object from its events",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy := store.RebuildStrategy(strings.ToUpper(rebuildStrategy))
		if strategy != store.RebuildStrategyBlocking && strategy != store.RebuildStrategyBlueGreen {
			return fmt.Errorf("unknown strategy %q", rebuildStrategy)
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			res, err := a.rebuild(ctx, args[0], args[1], strategy)
			if err != nil {
				return err
			}
			fmt.Printf("rebuilt %s/%s: %d event(s) in %d iteration(s)\n",
				streamIndexName(args[0]), args[1], res.EventsApplied, res.Iterations)
			return nil
		})
	},
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildStrategy, "strategy", string(store.RebuildStrategyBlocking), "BLOCKING or BLUE_GREEN")
	rebuildCmd.Flags().IntVar(&rebuildIterations, "max-iterations", 0, "catch-up iteration budget (default 10)")
	rootCmd.AddCommand(rebuildCmd)
}

// rebuild folds a fresh projection from scratch under the versioned key of the
// schema version it targets, converges it with the head of the object's stream
// and promotes it to the live key. Readers of the live key see the previous
// version until the promotion. A blue-green rebuild keeps that previous version
// under its own versioned key, archived for rollback. Any failure cancels the
// rebuild and discards the versioned copy.
func (a *app) rebuild(ctx context.Context, objectName, objectID string, strategy store.RebuildStrategy) (res *catchup.ConvergenceResult, err error) {
	name := streamIndexName(objectName)
	current, err := a.coordinator.GetStatus(ctx, name, objectID)
	if err != nil {
		return nil, err
	}
	token, err := a.coordinator.StartRebuild(ctx, name, objectID, strategy)
	if err != nil {
		return nil, err
	}
	building := versionedName(name, token.SchemaVersion)
	defer func() {
		if err != nil {
			bg := context.WithoutCancel(ctx)
			if cancelErr := a.coordinator.CancelRebuild(bg, name, objectID, err.Error()); cancelErr != nil {
				err = errors.Join(err, cancelErr)
			}
			if delErr := a.projections.Delete(bg, building, objectID); delErr != nil {
				err = errors.Join(err, delErr)
			}
		}
	}()

	p := a.streamIndexFactory(objectName)()
	if _, err := p.UpdateToVersion(ctx, domain.LatestVersionToken(objectName, objectID)); err != nil {
		return nil, err
	}

	if strategy == store.RebuildStrategyBlocking {
		if err := a.coordinator.StartCatchUp(ctx, token); err != nil {
			return nil, err
		}
	}

	opts := catchup.DefaultCatchUpOptions()
	if rebuildIterations > 0 {
		opts.MaxIterations = rebuildIterations
	}
	diffs := catchup.NewDiffService(
		catchup.WithPersister(a.persistAs(building, objectID)),
		catchup.WithLogger(a.logger),
		catchup.WithTracer(a.telemetry.Tracer("catchup")),
		catchup.WithMetrics(a.telemetry.Metrics),
	)
	res, err = diffs.ConvergentCatchUp(ctx, a.streamHead(ctx, objectName, objectID), p, opts)
	if err != nil {
		return res, err
	}
	if !res.Converged {
		return res, fmt.Errorf("catch-up did not converge: %s", res.Reason)
	}
	if err := a.persistAs(building, objectID)(ctx, p); err != nil {
		return res, err
	}

	if strategy == store.RebuildStrategyBlueGreen {
		if err := a.coordinator.MarkReady(ctx, token); err != nil {
			return res, err
		}
		if err := a.retain(ctx, name, objectID, current.SchemaVersion); err != nil {
			return res, err
		}
	}
	if err := a.promote(ctx, building, name, objectID); err != nil {
		return res, err
	}
	if err := a.coordinator.CompleteRebuild(ctx, token); err != nil {
		return res, err
	}
	return res, nil
}

// versionedName is the key a projection is stored under for one schema version.
func versionedName(name string, schemaVersion int) string {
	return fmt.Sprintf("%s@v%d", name, schemaVersion)
}

func (a *app) persistAs(projectionName, objectID string) catchup.Persister {
	return func(ctx context.Context, p projection.Folder) error {
		data, err := p.ToJSON()
		if err != nil {
			return err
		}
		return a.projections.Save(ctx, projectionName, objectID, data)
	}
}

// retain copies the live projection to the versioned key of its schema version
// and archives that key. Nothing is retained when no live projection exists.
func (a *app) retain(ctx context.Context, name, objectID string, schemaVersion int) error {
	data, err := a.projections.Load(ctx, name, objectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	archived := versionedName(name, schemaVersion)
	if err := a.projections.Save(ctx, archived, objectID, data); err != nil {
		return err
	}
	return a.coordinator.Archive(ctx, archived, objectID)
}

// promote moves the projection stored under from to the live key.
func (a *app) promote(ctx context.Context, from, live, objectID string) error {
	data, err := a.projections.Load(ctx, from, objectID)
	if err != nil {
		return fmt.Errorf("load %s/%s: %w", from, objectID, err)
	}
	if err := a.projections.Save(ctx, live, objectID, data); err != nil {
		return err
	}
	return a.projections.Delete(ctx, from, objectID)
}

// headSource is the checkpoint of an object's stream head, re-read on every comparison.
type headSource struct {
	ctx        context.Context
	a          *app
	objectName string
	objectID   string
}

func (a *app) streamHead(ctx context.Context, objectName, objectID string) *headSource {
	return &headSource{ctx: ctx, a: a, objectName: objectName, objectID: objectID}
}

func (h *headSource) Checkpoint() *checkpoint.Checkpoint {
	doc, err := h.a.events.Get(h.ctx, h.objectName, h.objectID)
	if err != nil {
		h.a.logger.Warn("read stream head", "object_name", h.objectName, "object_id", h.objectID, "error", err)
		return checkpoint.New()
	}
	if doc.CurrentVersion < 0 {
		return checkpoint.New()
	}
	return checkpoint.FromEntries(checkpoint.Entry{
		Stream:  doc.StreamID,
		Version: domain.FormatVersion(doc.CurrentVersion),
	})
}

func (h *headSource) Fingerprint() string {
	return checkpoint.Fingerprint(h.Checkpoint())
}

var _ catchup.Checkpointed = (*headSource)(nil)
