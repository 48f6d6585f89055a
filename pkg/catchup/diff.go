// Package catchup compares projection checkpoints, drives a lagging projection
// towards a reference one, and enumerates the objects a rebuild has to visit.
package catchup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/projections/pkg/checkpoint"
	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/observability"
	"github.com/plaenen/projections/pkg/projection"
)

// Checkpointed is anything exposing a checkpoint and its fingerprint.
// Every projection satisfies it.
type Checkpointed interface {
	Checkpoint() *checkpoint.Checkpoint
	Fingerprint() string
}

type staticCheckpoint struct {
	cp          *checkpoint.Checkpoint
	fingerprint string
}

func (s staticCheckpoint) Checkpoint() *checkpoint.Checkpoint { return s.cp }
func (s staticCheckpoint) Fingerprint() string                { return s.fingerprint }

// FromCheckpoint wraps a bare checkpoint, computing its fingerprint once.
func FromCheckpoint(cp *checkpoint.Checkpoint) Checkpointed {
	return staticCheckpoint{cp: cp, fingerprint: checkpoint.Fingerprint(cp)}
}

// StreamDiff is one stream on which source and target hold different versions.
type StreamDiff struct {
	Stream        domain.ObjectIdentifier
	SourceVersion domain.VersionIdentifier

	// TargetVersion is nil when the target has never seen the stream.
	TargetVersion *domain.VersionIdentifier

	// TargetAhead is set when the target has folded past the source on this
	// stream. Folding the target cannot close such a gap; the source has to
	// move forward.
	TargetAhead bool

	// EstimatedMissingEvents is the size of the version gap: exact for integer
	// versions, at least 1 otherwise. It is advisory.
	EstimatedMissingEvents int64
}

// CheckpointDiff is the result of comparing a source checkpoint with a target.
// It is recomputed on every comparison and never persisted.
type CheckpointDiff struct {
	Diffs          []StreamDiff
	MissingStreams []domain.ObjectIdentifier

	// TotalMissingEvents sums the estimates of the streams the target lags on.
	// Streams where the target is ahead are not counted.
	TotalMissingEvents int64

	// FastPath is set when equal fingerprints settled the comparison.
	FastPath bool
}

// IsSynced reports whether source and target agree on every source stream.
func (d *CheckpointDiff) IsSynced() bool {
	return len(d.Diffs) == 0
}

// Lagging returns the diffs the target can close by folding.
func (d *CheckpointDiff) Lagging() []StreamDiff {
	var out []StreamDiff
	for _, sd := range d.Diffs {
		if !sd.TargetAhead {
			out = append(out, sd)
		}
	}
	return out
}

// Ahead returns the streams on which the target is past the source.
func (d *CheckpointDiff) Ahead() []domain.ObjectIdentifier {
	var out []domain.ObjectIdentifier
	for _, sd := range d.Diffs {
		if sd.TargetAhead {
			out = append(out, sd.Stream)
		}
	}
	return out
}

// StreamResolver maps a stream identifier back to the object owning it.
type StreamResolver func(stream domain.ObjectIdentifier) (objectName, objectID string, ok bool)

// Persister saves a projection after it was synced.
type Persister func(ctx context.Context, p projection.Folder) error

// DiffService compares and synchronizes projection checkpoints.
type DiffService struct {
	resolve StreamResolver
	persist Persister
	sleep   func(ctx context.Context, d time.Duration) error

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// DiffOption configures a DiffService.
type DiffOption func(*DiffService)

// WithStreamResolver sets how streams are mapped to objects. The default
// parses identifiers built by domain.NewObjectIdentifier.
func WithStreamResolver(resolve StreamResolver) DiffOption {
	return func(s *DiffService) {
		s.resolve = resolve
	}
}

// WithPersister sets the function used to save the target after a sync.
func WithPersister(persist Persister) DiffOption {
	return func(s *DiffService) {
		s.persist = persist
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DiffOption {
	return func(s *DiffService) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) DiffOption {
	return func(s *DiffService) {
		s.tracer = tracer
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *observability.Metrics) DiffOption {
	return func(s *DiffService) {
		s.metrics = metrics
	}
}

// NewDiffService creates a diff service.
func NewDiffService(opts ...DiffOption) *DiffService {
	s := &DiffService{
		resolve: domain.ParseObjectIdentifier,
		sleep:   sleep,
		logger:  slog.Default(),
		tracer:  observability.NoopTracer(),
		metrics: observability.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Compare reports every source stream that the target is missing or holds at a
// different version, including streams where the target is ahead. Equal
// non-empty fingerprints return a synced diff without reading either checkpoint.
func (s *DiffService) Compare(ctx context.Context, source, target Checkpointed) (*CheckpointDiff, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, span := s.tracer.Start(ctx, "catchup.Compare")
	defer span.End()

	if fp := source.Fingerprint(); fp != "" && fp == target.Fingerprint() {
		span.SetAttributes(attribute.Bool("fast_path", true))
		s.metrics.RecordComparison(ctx, true, true, 0)
		return &CheckpointDiff{FastPath: true}, nil
	}

	diff := compareCheckpoints(source.Checkpoint(), target.Checkpoint())
	span.SetAttributes(
		attribute.Int("diff.streams", len(diff.Diffs)),
		attribute.Int("diff.missing_streams", len(diff.MissingStreams)),
		attribute.Int64("diff.missing_events", diff.TotalMissingEvents),
	)
	s.metrics.RecordComparison(ctx, false, diff.IsSynced(), diff.TotalMissingEvents)
	return diff, nil
}

func compareCheckpoints(source, target *checkpoint.Checkpoint) *CheckpointDiff {
	diff := &CheckpointDiff{}
	for _, e := range source.Entries() {
		tv, ok := target.Get(e.Stream)
		if !ok {
			d := StreamDiff{
				Stream:                 e.Stream,
				SourceVersion:          e.Version,
				EstimatedMissingEvents: estimateMissing(e.Version, nil),
			}
			diff.Diffs = append(diff.Diffs, d)
			diff.MissingStreams = append(diff.MissingStreams, e.Stream)
			diff.TotalMissingEvents += d.EstimatedMissingEvents
			continue
		}
		cmp := checkpoint.CompareVersions(e.Version, tv)
		if cmp == 0 {
			continue
		}
		d := StreamDiff{
			Stream:                 e.Stream,
			SourceVersion:          e.Version,
			TargetVersion:          &tv,
			TargetAhead:            cmp < 0,
			EstimatedMissingEvents: estimateMissing(e.Version, &tv),
		}
		diff.Diffs = append(diff.Diffs, d)
		if !d.TargetAhead {
			diff.TotalMissingEvents += d.EstimatedMissingEvents
		}
	}
	return diff
}

// estimateMissing returns the number of events between target and source, in
// either direction, when both versions are integers, and 1 otherwise. Versions
// count from 0, so a stream the target never saw is missing source+1 events.
func estimateMissing(source domain.VersionIdentifier, target *domain.VersionIdentifier) int64 {
	sv, ok := domain.ParseVersion(source)
	if !ok {
		return 1
	}
	tv := int64(-1)
	if target != nil {
		if tv, ok = domain.ParseVersion(*target); !ok {
			return 1
		}
	}
	gap := sv - tv
	if gap < 0 {
		gap = -gap
	}
	return max(gap, 1)
}

// SyncResult is the outcome of a Sync.
type SyncResult struct {
	EventsApplied int

	// Diff is a fresh comparison taken after the sync. It may not be synced
	// when writes landed meanwhile.
	Diff *CheckpointDiff
}

// Sync brings target up to at least the source's position on every lagging
// stream, persists it, and compares again. Streams where the target is ahead
// are left alone; when no stream lags nothing is folded or persisted.
func (s *DiffService) Sync(ctx context.Context, source Checkpointed, target projection.Updatable) (res *SyncResult, err error) {
	ctx, span := s.tracer.Start(ctx, "catchup.Sync", trace.WithAttributes(
		observability.AttrProjection.String(target.Name()),
	))
	defer func() { observability.EndSpan(span, err) }()

	diff, err := s.Compare(ctx, source, target)
	if err != nil {
		return nil, err
	}
	res = &SyncResult{Diff: diff}
	lagging := diff.Lagging()
	if len(lagging) == 0 {
		return res, nil
	}

	for _, d := range lagging {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name, id, ok := s.resolve(d.Stream)
		if !ok {
			return res, fmt.Errorf("sync %s: cannot resolve object for stream %s", target.Name(), d.Stream)
		}
		token := domain.NewStreamVersionToken(name, id, d.Stream, d.SourceVersion).WithLatest()
		update, err := target.UpdateToVersion(ctx, token)
		if update != nil {
			res.EventsApplied += update.EventsApplied
		}
		if err != nil {
			return res, fmt.Errorf("sync %s stream %s: %w", target.Name(), d.Stream, err)
		}
	}
	span.SetAttributes(observability.AttrEventCount.Int(res.EventsApplied))

	if s.persist != nil {
		if err := s.persist(ctx, target); err != nil {
			return res, fmt.Errorf("persist %s: %w", target.Name(), err)
		}
	}

	if res.Diff, err = s.Compare(ctx, source, target); err != nil {
		return res, err
	}
	return res, nil
}
