package projection

import (
	"google.golang.org/protobuf/proto"

	"github.com/plaenen/projections/pkg/domain"
)

// FoldContext carries the event being folded and its surroundings to a handler.
type FoldContext struct {
	Event     *domain.Event
	Document  *domain.Document
	Execution *domain.ExecutionContext

	// Payload is the typed protobuf payload when the event type is registered, else nil.
	Payload proto.Message

	router router
}

// AddDestination creates the destination key on first use. Adding an existing key is a no-op.
func (fc *FoldContext) AddDestination(key, typeName string, metadata map[string]string) error {
	if fc.router == nil {
		return ErrRoutingUnsupported
	}
	return fc.router.addDestination(key, typeName, metadata)
}

// RouteToDestination records that the event (or a substitute passed with WithEvent)
// should be forwarded to the destination once all handlers have run.
func (fc *FoldContext) RouteToDestination(key string, opts ...RouteOption) error {
	if fc.router == nil {
		return ErrRoutingUnsupported
	}
	return fc.router.routeToDestination(key, opts...)
}

type route struct {
	key       string
	event     *domain.Event
	execution *domain.ExecutionContext
}

// RouteOption customizes a single forward.
type RouteOption func(*route)

// WithEvent forwards a substitute event instead of the event being folded.
// A substitute without a stream identifier inherits the stream and version of the original.
func WithEvent(event *domain.Event) RouteOption {
	return func(r *route) {
		r.event = event
	}
}

// WithExecutionContext sets the execution context the destination folds with.
func WithExecutionContext(ec *domain.ExecutionContext) RouteOption {
	return func(r *route) {
		r.execution = ec
	}
}
