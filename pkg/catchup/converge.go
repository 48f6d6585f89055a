package catchup

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/observability"
	"github.com/plaenen/projections/pkg/projection"
)

// CatchUpOptions bound a convergent catch-up.
type CatchUpOptions struct {
	// MaxIterations caps the compare/sync rounds. Default 10.
	MaxIterations int

	// MaxEventsPerIteration aborts the catch-up when one comparison finds more
	// missing events than this. Default 1000.
	MaxEventsPerIteration int64

	// IterationDelay is the pause between rounds that did not converge. Default 100ms.
	IterationDelay time.Duration
}

// DefaultCatchUpOptions returns the default bounds.
func DefaultCatchUpOptions() CatchUpOptions {
	return CatchUpOptions{
		MaxIterations:         10,
		MaxEventsPerIteration: 1000,
		IterationDelay:        100 * time.Millisecond,
	}
}

func (o CatchUpOptions) withDefaults() CatchUpOptions {
	d := DefaultCatchUpOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.MaxEventsPerIteration <= 0 {
		o.MaxEventsPerIteration = d.MaxEventsPerIteration
	}
	if o.IterationDelay < 0 {
		o.IterationDelay = 0
	}
	return o
}

// ConvergenceResult reports how a convergent catch-up ended.
type ConvergenceResult struct {
	Converged     bool
	Iterations    int
	EventsApplied int
	Elapsed       time.Duration

	// Reason explains why the catch-up did not converge.
	Reason string

	// LastDiff is the most recent comparison.
	LastDiff *CheckpointDiff
}

// ConvergentCatchUp repeatedly compares target with source and syncs it until
// they match, the iteration budget runs out, or a single comparison finds more
// than MaxEventsPerIteration missing events. A round in which the target is only
// ahead of the source folds nothing and waits for the source to move. Failing
// to converge is reported in the result. The error is reserved for collaborator
// failures, misuse and cancellation.
func (s *DiffService) ConvergentCatchUp(ctx context.Context, source Checkpointed, target projection.Updatable, opts CatchUpOptions) (res *ConvergenceResult, err error) {
	opts = opts.withDefaults()
	ctx, span := s.tracer.Start(ctx, "catchup.ConvergentCatchUp")
	span.SetAttributes(observability.AttrProjection.String(target.Name()))
	defer func() { observability.EndSpan(span, err) }()

	start := time.Now()
	res = &ConvergenceResult{}
	defer func() {
		res.Elapsed = time.Since(start)
		span.SetAttributes(
			attribute.Bool("converged", res.Converged),
			observability.AttrIteration.Int(res.Iterations),
		)
		if err == nil {
			s.metrics.RecordCatchUp(ctx, target.Name(), res.Iterations, res.Elapsed, res.Converged)
		}
	}()

	logger := s.logger.With("projection", target.Name())

	for i := 1; i <= opts.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Iterations = i

		diff, err := s.Compare(ctx, source, target)
		if err != nil {
			return res, err
		}
		res.LastDiff = diff
		if diff.IsSynced() {
			res.Converged = true
			logger.Info("catch-up converged", "iteration", i, "events_applied", res.EventsApplied)
			return res, nil
		}

		if diff.TotalMissingEvents > opts.MaxEventsPerIteration {
			res.Reason = fmt.Sprintf("iteration %d: %d missing events exceed MaxEventsPerIteration (%d)",
				i, diff.TotalMissingEvents, opts.MaxEventsPerIteration)
			logger.Warn("catch-up aborted", "iteration", i, "missing_events", diff.TotalMissingEvents)
			return res, nil
		}

		if len(diff.Lagging()) > 0 {
			synced, err := s.Sync(ctx, source, target)
			if synced != nil {
				res.EventsApplied += synced.EventsApplied
			}
			if err != nil {
				return res, err
			}
			res.LastDiff = synced.Diff
			if synced.Diff.IsSynced() {
				res.Converged = true
				logger.Info("catch-up converged", "iteration", i, "events_applied", res.EventsApplied)
				return res, nil
			}
		}

		logger.Debug("catch-up iteration did not converge",
			"iteration", i,
			"missing_events", res.LastDiff.TotalMissingEvents,
			"ahead_streams", len(res.LastDiff.Ahead()))

		if i < opts.MaxIterations {
			if err := s.sleep(ctx, opts.IterationDelay); err != nil {
				return res, err
			}
		}
	}

	missing := int64(0)
	var ahead []domain.ObjectIdentifier
	if res.LastDiff != nil {
		missing = res.LastDiff.TotalMissingEvents
		ahead = res.LastDiff.Ahead()
	}
	res.Reason = fmt.Sprintf("not converged after %d iterations (MaxIterations), %d events still missing",
		opts.MaxIterations, missing)
	if len(ahead) > 0 {
		res.Reason += fmt.Sprintf(", target ahead of source on %d streams %v", len(ahead), ahead)
	}
	logger.Warn("catch-up exhausted iterations",
		"iterations", opts.MaxIterations,
		"missing_events", missing,
		"ahead_streams", len(ahead))
	return res, nil
}
