package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all metric instruments for projection folding, catch-up and rebuild coordination
type Metrics struct {
	// Fold metrics
	EventsFolded metric.Int64Counter
	FoldErrors   metric.Int64Counter

	// Checkpoint diff metrics
	DiffComparisons metric.Int64Counter
	MissingEvents   metric.Int64Histogram

	// Convergent catch-up metrics
	CatchUpIterations metric.Int64Counter
	CatchUpDuration   metric.Float64Histogram
	CatchUpOutcomes   metric.Int64Counter

	// Coordinator metrics
	StatusTransitions metric.Int64Counter
	InlineUpdates     metric.Int64Counter
	LeasesRecovered   metric.Int64Counter

	// Discovery metrics
	WorkItemsDiscovered metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsFolded, err = meter.Int64Counter(
		"projections.events.folded",
		metric.WithDescription("Total events folded into projections"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.folded: %w", err)
	}

	m.FoldErrors, err = meter.Int64Counter(
		"projections.fold.errors",
		metric.WithDescription("Events that failed to fold"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating fold.errors: %w", err)
	}

	m.DiffComparisons, err = meter.Int64Counter(
		"projections.diff.comparisons",
		metric.WithDescription("Checkpoint comparisons, by fast path and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating diff.comparisons: %w", err)
	}

	m.MissingEvents, err = meter.Int64Histogram(
		"projections.diff.missing_events",
		metric.WithDescription("Estimated events missing from the target checkpoint per comparison"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating diff.missing_events: %w", err)
	}

	m.CatchUpIterations, err = meter.Int64Counter(
		"projections.catchup.iterations",
		metric.WithDescription("Convergent catch-up iterations executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating catchup.iterations: %w", err)
	}

	m.CatchUpDuration, err = meter.Float64Histogram(
		"projections.catchup.duration",
		metric.WithDescription("Convergent catch-up duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating catchup.duration: %w", err)
	}

	m.CatchUpOutcomes, err = meter.Int64Counter(
		"projections.catchup.outcomes",
		metric.WithDescription("Convergent catch-up results by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating catchup.outcomes: %w", err)
	}

	m.StatusTransitions, err = meter.Int64Counter(
		"projections.status.transitions",
		metric.WithDescription("Projection status transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating status.transitions: %w", err)
	}

	m.InlineUpdates, err = meter.Int64Counter(
		"projections.inline.updates",
		metric.WithDescription("Inline update attempts by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating inline.updates: %w", err)
	}

	m.LeasesRecovered, err = meter.Int64Counter(
		"projections.rebuild.leases_recovered",
		metric.WithDescription("Expired rebuild leases force-failed by recovery"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rebuild.leases_recovered: %w", err)
	}

	m.WorkItemsDiscovered, err = meter.Int64Counter(
		"projections.discovery.work_items",
		metric.WithDescription("Catch-up work items discovered"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating discovery.work_items: %w", err)
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("projections"))
	if err != nil {
		panic(err) // noop instruments never fail
	}
	return m
}

// RecordFold records a single fold attempt
func (m *Metrics) RecordFold(ctx context.Context, projectionName, eventType string, err error) {
	attrs := metric.WithAttributes(
		AttrProjection.String(projectionName),
		AttrEventType.String(eventType),
	)
	if err != nil {
		m.FoldErrors.Add(ctx, 1, attrs)
		return
	}
	m.EventsFolded.Add(ctx, 1, attrs)
}

// RecordComparison records the outcome of a checkpoint comparison
func (m *Metrics) RecordComparison(ctx context.Context, fastPath, synced bool, missing int64) {
	m.DiffComparisons.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("fast_path", fastPath),
		attribute.Bool("synced", synced),
	))
	m.MissingEvents.Record(ctx, missing)
}

// RecordCatchUp records the result of a convergent catch-up run
func (m *Metrics) RecordCatchUp(ctx context.Context, projectionName string, iterations int, duration time.Duration, converged bool) {
	attrs := metric.WithAttributes(
		AttrProjection.String(projectionName),
		attribute.Bool("converged", converged),
	)
	m.CatchUpIterations.Add(ctx, int64(iterations), attrs)
	m.CatchUpDuration.Record(ctx, duration.Seconds(), attrs)
	m.CatchUpOutcomes.Add(ctx, 1, attrs)
}

// RecordTransition records a status transition
func (m *Metrics) RecordTransition(ctx context.Context, projectionName, from, to string) {
	m.StatusTransitions.Add(ctx, 1, metric.WithAttributes(
		AttrProjection.String(projectionName),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordInlineUpdate records whether an inline update was applied or skipped
func (m *Metrics) RecordInlineUpdate(ctx context.Context, projectionName, result string) {
	m.InlineUpdates.Add(ctx, 1, metric.WithAttributes(
		AttrProjection.String(projectionName),
		attribute.String("result", result),
	))
}

// RecordLeasesRecovered records rebuild leases reclaimed by a recovery sweep
func (m *Metrics) RecordLeasesRecovered(ctx context.Context, count int) {
	if count == 0 {
		return
	}
	m.LeasesRecovered.Add(ctx, int64(count))
}

// RecordWorkItems records work items returned by discovery
func (m *Metrics) RecordWorkItems(ctx context.Context, objectName string, count int) {
	m.WorkItemsDiscovered.Add(ctx, int64(count), metric.WithAttributes(
		AttrObjectName.String(objectName),
	))
}
