// Package projection folds ordered event streams into materialized state while
// tracking per-stream progress in a checkpoint.
//
// A projection is built from a state type and a set of handlers keyed by event type:
//
//	type OrderTotals struct {
//	    Count int `json:"count"`
//	}
//
//	p := projection.New[OrderTotals]("order-totals",
//	    projection.WithDocumentStore(events),
//	    projection.WithEventStreamFactory(events),
//	).On("order.ItemAdded", func(ctx context.Context, s *OrderTotals, fc *projection.FoldContext) error {
//	    s.Count++
//	    return nil
//	})
//
//	_, err := p.UpdateToVersion(ctx, domain.NewVersionToken("order", "1", 2))
//
// Events without a handler are folded as no-ops: the checkpoint still advances.
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/projections/pkg/checkpoint"
	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/observability"
	"github.com/plaenen/projections/pkg/store"
)

// Handler applies one event to the projection state.
type Handler[S any] func(ctx context.Context, state *S, fc *FoldContext) error

// BatchHook runs once after UpdateToVersion has folded all events of a batch.
type BatchHook[S any] func(ctx context.Context, state *S) error

// Folder is the type-erased view of a projection used by routing, catch-up and persistence.
type Folder interface {
	Name() string
	Fold(ctx context.Context, event *domain.Event, doc *domain.Document, exec *domain.ExecutionContext) error
	Checkpoint() *checkpoint.Checkpoint
	Fingerprint() string
	ToJSON() ([]byte, error)
	LoadJSON(data []byte) error
}

// Updatable is a Folder that can drive itself from its event streams.
type Updatable interface {
	Folder
	UpdateToVersion(ctx context.Context, token *domain.VersionToken) (*UpdateResult, error)
}

// UpdateResult describes what an UpdateToVersion call did.
type UpdateResult struct {
	Token         *domain.VersionToken
	EventsApplied int

	// UpToDate is true when the checkpoint already covered the requested version.
	UpToDate bool
}

type options struct {
	documents store.DocumentStore
	streams   store.EventStreamFactory
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *observability.Metrics
}

// Option configures a projection.
type Option func(*options)

// WithDocumentStore sets the document store used to resolve streams.
func WithDocumentStore(documents store.DocumentStore) Option {
	return func(o *options) {
		o.documents = documents
	}
}

// WithEventStreamFactory sets the factory used to open event streams.
func WithEventStreamFactory(streams store.EventStreamFactory) Option {
	return func(o *options) {
		o.streams = streams
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// router is implemented by projections that fan events out to destinations.
type router interface {
	beginFold()
	endFold()
	addDestination(key, typeName string, metadata map[string]string) error
	routeToDestination(key string, opts ...RouteOption) error
	forward(ctx context.Context, fc *FoldContext) error
	afterBatch(ctx context.Context) error
	marshalExtra(fields map[string]json.RawMessage) error
	unmarshalExtra(fields map[string]json.RawMessage) error
}

// Projection folds events into a state of type S. One projection instance is
// expected to be driven by a single task at a time.
type Projection[S any] struct {
	name        string
	state       *S
	checkpoint  *checkpoint.Checkpoint
	fingerprint string

	documents store.DocumentStore
	streams   store.EventStreamFactory

	handlers   map[string]Handler[S]
	batchHooks []BatchHook[S]
	router     router

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// New creates an empty projection.
func New[S any](name string, opts ...Option) *Projection[S] {
	o := options{
		logger:  slog.Default(),
		tracer:  observability.NoopTracer(),
		metrics: observability.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Projection[S]{
		name:       name,
		state:      new(S),
		checkpoint: checkpoint.New(),
		documents:  o.documents,
		streams:    o.streams,
		handlers:   make(map[string]Handler[S]),
		logger:     o.logger.With("projection", name),
		tracer:     o.tracer,
		metrics:    o.metrics,
	}
}

// On registers the handler for an event type, replacing any previous one.
func (p *Projection[S]) On(eventType string, handler Handler[S]) *Projection[S] {
	p.handlers[eventType] = handler
	return p
}

// OnBatchComplete registers a hook that runs after each UpdateToVersion batch that applied events.
func (p *Projection[S]) OnBatchComplete(hook BatchHook[S]) *Projection[S] {
	p.batchHooks = append(p.batchHooks, hook)
	return p
}

// SetDocumentStore replaces the document store.
func (p *Projection[S]) SetDocumentStore(documents store.DocumentStore) {
	p.documents = documents
}

// SetEventStreamFactory replaces the event stream factory.
func (p *Projection[S]) SetEventStreamFactory(streams store.EventStreamFactory) {
	p.streams = streams
}

// Name returns the projection name.
func (p *Projection[S]) Name() string {
	return p.name
}

// State returns the live projection state.
func (p *Projection[S]) State() *S {
	return p.state
}

// Checkpoint returns a copy of the checkpoint.
func (p *Projection[S]) Checkpoint() *checkpoint.Checkpoint {
	return p.checkpoint.Clone()
}

// Fingerprint returns the digest of the current checkpoint.
func (p *Projection[S]) Fingerprint() string {
	return p.fingerprint
}

// CheckpointToken returns the checkpointed position of a stream as a token, or nil if unseen.
func (p *Projection[S]) CheckpointToken(objectName, objectID string, stream domain.ObjectIdentifier) *domain.VersionToken {
	v, ok := p.checkpoint.Get(stream)
	if !ok {
		return nil
	}
	return domain.NewStreamVersionToken(objectName, objectID, stream, v)
}

// UpdateToVersion folds the events of the token's stream that come after the
// checkpoint, up to the token's version or to the end of the stream when the
// token asks for the latest version. The stream is the one the object's
// document names. The checkpoint advances after every event, so a failure on
// event N leaves the checkpoint at N-1. A checkpointed version that is not a
// decimal fails with ErrInvalidCheckpoint.
func (p *Projection[S]) UpdateToVersion(ctx context.Context, token *domain.VersionToken) (res *UpdateResult, err error) {
	if token == nil {
		return nil, fmt.Errorf("projection %s: version token is required", p.name)
	}
	if p.documents == nil {
		return nil, ErrMissingDocumentStore
	}
	if p.streams == nil {
		return nil, ErrMissingEventStreamFactory
	}

	ctx, span := p.tracer.Start(ctx, "projection.UpdateToVersion", trace.WithAttributes(
		append(observability.TokenAttrs(token.ObjectName, token.ObjectID, string(token.ObjectIdentifier), string(token.VersionIdentifier)),
			observability.AttrProjection.String(p.name),
			attribute.Bool("latest", token.TryUpdateToLatestVersion),
		)...,
	))
	defer func() { observability.EndSpan(span, err) }()

	res = &UpdateResult{Token: token}

	doc, err := p.documents.Get(ctx, token.ObjectName, token.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("load document %s/%s: %w", token.ObjectName, token.ObjectID, err)
	}

	start := int64(0)
	if v, ok := p.checkpoint.Get(doc.StreamID); ok {
		n, ok := domain.ParseVersion(v)
		if !ok {
			return nil, fmt.Errorf("%w: stream %s is at %q", ErrInvalidCheckpoint, doc.StreamID, v)
		}
		start = n + 1
	}

	var until *int64
	if !token.TryUpdateToLatestVersion {
		// the token may name the default identifier of a custom stream
		candidate := *token
		candidate.ObjectIdentifier = doc.StreamID
		newer, err := checkpoint.IsNewer(&candidate, p.CheckpointToken(doc.ObjectName, doc.ObjectID, doc.StreamID))
		if err != nil {
			return nil, err
		}
		if !newer {
			res.UpToDate = true
			return res, nil
		}
		v := token.Version
		until = &v
	}

	stream, err := p.streams.Open(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", doc.StreamID, err)
	}

	events, err := stream.Read(ctx, start, until)
	if err != nil {
		return nil, fmt.Errorf("read stream %s from %d: %w", doc.StreamID, start, err)
	}

	for _, event := range events {
		if err := p.Fold(ctx, event, doc, nil); err != nil {
			return res, fmt.Errorf("fold %s: %w", event, err)
		}
		res.EventsApplied++
	}
	span.SetAttributes(observability.AttrEventCount.Int(res.EventsApplied))

	if res.EventsApplied == 0 {
		res.UpToDate = true
		return res, nil
	}

	for _, hook := range p.batchHooks {
		if err := hook(ctx, p.state); err != nil {
			return res, fmt.Errorf("post-batch hook: %w", err)
		}
	}
	if p.router != nil {
		if err := p.router.afterBatch(ctx); err != nil {
			return res, fmt.Errorf("finalize destinations: %w", err)
		}
	}

	p.logger.Debug("projection updated",
		"stream", doc.StreamID,
		"from_version", start,
		"events_applied", res.EventsApplied,
		"fingerprint", p.fingerprint)

	return res, nil
}

// Fold applies a single event and advances the checkpoint for the event's stream.
// When exec names the event itself as parent, Fold fails with a ProcessingLoopError.
func (p *Projection[S]) Fold(ctx context.Context, event *domain.Event, doc *domain.Document, exec *domain.ExecutionContext) (err error) {
	if exec != nil && exec.ParentEvent != nil && exec.ParentEvent.SameAs(event) {
		return &ProcessingLoopError{Projection: p.name, Event: event}
	}
	defer func() { p.metrics.RecordFold(ctx, p.name, event.EventType, err) }()

	payload, err := domain.DecodePayload(event)
	if err != nil {
		return err
	}

	fc := &FoldContext{
		Event:     event,
		Document:  doc,
		Execution: exec,
		Payload:   payload,
	}

	if p.router != nil {
		p.router.beginFold()
		defer p.router.endFold()
		fc.router = p.router
	}

	if handler, ok := p.handlers[event.EventType]; ok {
		if err := handler(ctx, p.state, fc); err != nil {
			return err
		}
	}

	if p.router != nil {
		if err := p.router.forward(ctx, fc); err != nil {
			return err
		}
	}

	stream := event.StreamID
	if stream == "" && doc != nil {
		stream = doc.StreamID
	}
	p.checkpoint.Set(stream, event.VersionIdentifier())
	p.fingerprint = checkpoint.Fingerprint(p.checkpoint)
	return nil
}
