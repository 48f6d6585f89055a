package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/plaenen/projections/pkg/domain"
)

// DestinationFactory creates an empty destination projection for a key.
type DestinationFactory func(key string) Folder

// RoutedProjection is a projection whose handlers can fan events out to child
// projections (destinations). Each destination keeps its own checkpoint; the
// parent checkpoint advances once per folded event.
type RoutedProjection[S any] struct {
	*Projection[S]

	registry *DestinationRegistry

	mu           sync.RWMutex
	factories    map[string]DestinationFactory
	destinations map[string]Folder

	// fold-scoped, owned by the single task driving the projection
	folding bool
	pending []route
	touched map[string]struct{}
}

// NewRouted creates an empty routed projection.
func NewRouted[S any](name string, opts ...Option) *RoutedProjection[S] {
	rp := &RoutedProjection[S]{
		Projection:   New[S](name, opts...),
		registry:     NewDestinationRegistry(),
		factories:    make(map[string]DestinationFactory),
		destinations: make(map[string]Folder),
		touched:      make(map[string]struct{}),
	}
	rp.Projection.router = rp
	return rp
}

// On registers the handler for an event type.
func (rp *RoutedProjection[S]) On(eventType string, handler Handler[S]) *RoutedProjection[S] {
	rp.Projection.On(eventType, handler)
	return rp
}

// OnBatchComplete registers a post-batch hook.
func (rp *RoutedProjection[S]) OnBatchComplete(hook BatchHook[S]) *RoutedProjection[S] {
	rp.Projection.OnBatchComplete(hook)
	return rp
}

// RegisterDestinationType registers the factory used to create destinations of typeName.
func (rp *RoutedProjection[S]) RegisterDestinationType(typeName string, factory DestinationFactory) *RoutedProjection[S] {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.factories[typeName] = factory
	return rp
}

// Registry returns the destination metadata registry.
func (rp *RoutedProjection[S]) Registry() *DestinationRegistry {
	return rp.registry
}

// Destination returns the destination projection for key.
func (rp *RoutedProjection[S]) Destination(key string) (Folder, bool) {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	d, ok := rp.destinations[key]
	return d, ok
}

// AddDestination creates a destination. It fails with ErrRoutingOutsideFold
// unless called from a handler.
func (rp *RoutedProjection[S]) AddDestination(key, typeName string, metadata map[string]string) error {
	return rp.addDestination(key, typeName, metadata)
}

// RouteToDestination records a forward to key. It fails with ErrRoutingOutsideFold
// unless called from a handler.
func (rp *RoutedProjection[S]) RouteToDestination(key string, opts ...RouteOption) error {
	return rp.routeToDestination(key, opts...)
}

func (rp *RoutedProjection[S]) beginFold() {
	rp.folding = true
	rp.pending = rp.pending[:0]
}

func (rp *RoutedProjection[S]) endFold() {
	rp.folding = false
	rp.pending = rp.pending[:0]
}

func (rp *RoutedProjection[S]) addDestination(key, typeName string, metadata map[string]string) error {
	if !rp.folding {
		return ErrRoutingOutsideFold
	}
	if rp.registry.Has(key) {
		return nil
	}

	dest, err := rp.create(key, typeName)
	if err != nil {
		return err
	}

	rp.mu.Lock()
	rp.destinations[key] = dest
	rp.mu.Unlock()
	rp.registry.Add(key, typeName, metadata, domain.Now())

	rp.logger.Debug("destination added", "destination", key, "type", typeName)
	return nil
}

func (rp *RoutedProjection[S]) create(key, typeName string) (Folder, error) {
	rp.mu.RLock()
	factory, ok := rp.factories[typeName]
	rp.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("projection %s: destination %q: %w %q", rp.name, key, ErrUnknownDestinationType, typeName)
	}
	return factory(key), nil
}

func (rp *RoutedProjection[S]) routeToDestination(key string, opts ...RouteOption) error {
	if !rp.folding {
		return ErrRoutingOutsideFold
	}
	if !rp.registry.Has(key) {
		return &UnknownDestinationError{Projection: rp.name, Key: key}
	}
	r := route{key: key}
	for _, opt := range opts {
		opt(&r)
	}
	rp.pending = append(rp.pending, r)
	return nil
}

func (rp *RoutedProjection[S]) forward(ctx context.Context, fc *FoldContext) error {
	for _, r := range rp.pending {
		dest, ok := rp.Destination(r.key)
		if !ok {
			return &UnknownDestinationError{Projection: rp.name, Key: r.key}
		}

		event := fc.Event
		exec := fc.Execution
		if r.event != nil {
			event = substitute(r.event, fc)
			exec = domain.NewExecutionContext(fc.Event)
		}
		if r.execution != nil {
			exec = r.execution
		}

		if err := dest.Fold(ctx, event, fc.Document, exec); err != nil {
			return fmt.Errorf("destination %s: %w", r.key, err)
		}
		rp.touched[r.key] = struct{}{}
	}
	return nil
}

// substitute gives a custom event without stream information the position of
// the event that caused it.
func substitute(e *domain.Event, fc *FoldContext) *domain.Event {
	if e.StreamID != "" {
		return e
	}
	cp := *e
	cp.StreamID = fc.Event.StreamID
	if cp.StreamID == "" && fc.Document != nil {
		cp.StreamID = fc.Document.StreamID
	}
	cp.Version = fc.Event.Version
	return &cp
}

// afterBatch refreshes metadata of every destination changed since the last call.
func (rp *RoutedProjection[S]) afterBatch(context.Context) error {
	now := domain.Now()
	for key := range rp.touched {
		if dest, ok := rp.Destination(key); ok {
			rp.registry.Touch(key, dest.Fingerprint(), now)
		}
		delete(rp.touched, key)
	}
	return nil
}

type routedMetadata struct {
	Registry *DestinationRegistry `json:"registry"`
}

func (rp *RoutedProjection[S]) marshalExtra(fields map[string]json.RawMessage) error {
	if err := rp.afterBatch(context.Background()); err != nil {
		return err
	}

	meta, err := json.Marshal(routedMetadata{Registry: rp.registry})
	if err != nil {
		return fmt.Errorf("marshal destination registry: %w", err)
	}
	fields[FieldMetadata] = meta

	rp.mu.RLock()
	defer rp.mu.RUnlock()
	destinations := make(map[string]json.RawMessage, len(rp.destinations))
	for key, dest := range rp.destinations {
		data, err := dest.ToJSON()
		if err != nil {
			return fmt.Errorf("destination %s: %w", key, err)
		}
		destinations[key] = data
	}
	raw, err := json.Marshal(destinations)
	if err != nil {
		return err
	}
	fields[FieldDestinations] = raw
	return nil
}

func (rp *RoutedProjection[S]) unmarshalExtra(fields map[string]json.RawMessage) error {
	registry := NewDestinationRegistry()
	if raw, ok := fields[FieldMetadata]; ok {
		meta := routedMetadata{Registry: registry}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decode destination registry: %w", err)
		}
	}

	var states map[string]json.RawMessage
	if raw, ok := fields[FieldDestinations]; ok {
		if err := json.Unmarshal(raw, &states); err != nil {
			return fmt.Errorf("decode destinations: %w", err)
		}
	}

	destinations := make(map[string]Folder, registry.Len())
	for _, key := range registry.Keys() {
		m, _ := registry.Get(key)
		dest, err := rp.create(key, m.TypeName)
		if err != nil {
			return err
		}
		if data, ok := states[key]; ok {
			if err := dest.LoadJSON(data); err != nil {
				return fmt.Errorf("destination %s: %w", key, err)
			}
		}
		destinations[key] = dest
	}

	rp.registry = registry
	rp.mu.Lock()
	rp.destinations = destinations
	rp.mu.Unlock()
	clear(rp.touched)
	return nil
}
