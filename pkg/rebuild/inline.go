package rebuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/observability"
	"github.com/plaenen/projections/pkg/projection"
	"github.com/plaenen/projections/pkg/store"
)

// ProjectionUpdateResult is the outcome of applying a version token inline.
type ProjectionUpdateResult struct {
	ProjectionName string
	ObjectID       string
	Token          *domain.VersionToken
	Status         store.ProjectionStatus

	// SkippedDueToStatus is set when the projection was not ACTIVE. The caller
	// should retry the token once the rebuild has finished.
	SkippedDueToStatus bool

	EventsApplied int
	UpToDate      bool
}

// ProjectionFactory returns an empty, fully configured projection.
type ProjectionFactory func() projection.Updatable

// InlineProcessor applies version tokens to stored projections as events are
// written, unless a rebuild or an operator has paused inline updates.
type InlineProcessor struct {
	name        string
	coordinator *Coordinator
	projections store.ProjectionStore
	factory     ProjectionFactory
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// InlineOption configures an InlineProcessor.
type InlineOption func(*InlineProcessor)

// WithInlineLogger sets the logger.
func WithInlineLogger(logger *slog.Logger) InlineOption {
	return func(p *InlineProcessor) {
		p.logger = logger
	}
}

// WithInlineMetrics sets the metric instruments.
func WithInlineMetrics(metrics *observability.Metrics) InlineOption {
	return func(p *InlineProcessor) {
		p.metrics = metrics
	}
}

// NewInlineProcessor creates an inline processor for the projection called name.
func NewInlineProcessor(name string, coordinator *Coordinator, projections store.ProjectionStore, factory ProjectionFactory, opts ...InlineOption) *InlineProcessor {
	p := &InlineProcessor{
		name:        name,
		coordinator: coordinator,
		projections: projections,
		factory:     factory,
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("projection", name)
	return p
}

// Name returns the projection name.
func (p *InlineProcessor) Name() string {
	return p.name
}

// Apply brings the stored projection for the token's object up to the token.
// The projection is saved only when events were applied.
func (p *InlineProcessor) Apply(ctx context.Context, token *domain.VersionToken) (*ProjectionUpdateResult, error) {
	if token == nil {
		return nil, fmt.Errorf("inline update %s: version token is required", p.name)
	}
	res := &ProjectionUpdateResult{
		ProjectionName: p.name,
		ObjectID:       token.ObjectID,
		Token:          token,
	}

	ok, err := p.coordinator.ShouldProcessInlineUpdates(ctx, p.name, token.ObjectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		status, err := p.coordinator.GetStatus(ctx, p.name, token.ObjectID)
		if err != nil {
			return nil, err
		}
		res.Status = status.Status
		res.SkippedDueToStatus = true
		p.metrics.RecordInlineUpdate(ctx, p.name, "skipped")
		p.logger.Debug("inline update skipped",
			"object_id", token.ObjectID,
			"status", status.Status,
			"token", token.String())
		return res, nil
	}
	res.Status = store.ProjectionStatusActive

	proj := p.factory()
	data, err := p.projections.Load(ctx, p.name, token.ObjectID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// first update for this object
	case err != nil:
		return nil, fmt.Errorf("load projection %s/%s: %w", p.name, token.ObjectID, err)
	default:
		if err := proj.LoadJSON(data); err != nil {
			return nil, fmt.Errorf("decode projection %s/%s: %w", p.name, token.ObjectID, err)
		}
	}

	update, err := proj.UpdateToVersion(ctx, token)
	if err != nil {
		p.metrics.RecordInlineUpdate(ctx, p.name, "failed")
		return nil, err
	}
	res.EventsApplied = update.EventsApplied
	res.UpToDate = update.UpToDate
	if update.EventsApplied == 0 {
		p.metrics.RecordInlineUpdate(ctx, p.name, "up_to_date")
		return res, nil
	}

	out, err := proj.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("encode projection %s/%s: %w", p.name, token.ObjectID, err)
	}
	if err := p.projections.Save(ctx, p.name, token.ObjectID, out); err != nil {
		return nil, fmt.Errorf("save projection %s/%s: %w", p.name, token.ObjectID, err)
	}
	p.metrics.RecordInlineUpdate(ctx, p.name, "applied")
	return res, nil
}
