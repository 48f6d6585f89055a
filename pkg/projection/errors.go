package projection

import (
	"errors"
	"fmt"

	"github.com/plaenen/projections/pkg/domain"
)

var (
	// ErrConfiguration is the parent of all missing-collaborator errors. It is never retryable.
	ErrConfiguration = errors.New("projection misconfigured")

	// ErrMissingDocumentStore is returned when an update runs without a document store.
	ErrMissingDocumentStore = fmt.Errorf("%w: document store is required", ErrConfiguration)

	// ErrMissingEventStreamFactory is returned when an update runs without an event stream factory.
	ErrMissingEventStreamFactory = fmt.Errorf("%w: event stream factory is required", ErrConfiguration)

	// ErrProcessingLoop is returned when an event is folded on behalf of itself.
	ErrProcessingLoop = errors.New("processing loop detected")

	// ErrRoutingOutsideFold is returned when routing is requested while no fold is in progress.
	ErrRoutingOutsideFold = errors.New("routing is only valid while a fold is in progress")

	// ErrRoutingUnsupported is returned when a plain projection handler asks to route.
	ErrRoutingUnsupported = errors.New("projection does not route to destinations")

	// ErrUnknownDestination is returned when routing to a destination that was never added.
	ErrUnknownDestination = errors.New("unknown destination")

	// ErrUnknownDestinationType is returned when a destination type has no registered factory.
	ErrUnknownDestinationType = errors.New("unknown destination type")

	// ErrInvalidCheckpoint is returned when the checkpointed version of a stream cannot be parsed.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint version")

	// ErrInvalidState is returned when projection state cannot be (de)serialized as a JSON object.
	ErrInvalidState = errors.New("invalid projection state")
)

// ProcessingLoopError reports the event that was folded on behalf of itself.
type ProcessingLoopError struct {
	Projection string
	Event      *domain.Event
}

func (e *ProcessingLoopError) Error() string {
	return fmt.Sprintf("processing loop detected in projection %s: event %s is its own parent", e.Projection, e.Event)
}

func (e *ProcessingLoopError) Is(target error) bool {
	return target == ErrProcessingLoop
}

// UnknownDestinationError names the destination key that was routed to without being added.
type UnknownDestinationError struct {
	Projection string
	Key        string
}

func (e *UnknownDestinationError) Error() string {
	return fmt.Sprintf("projection %s routed to destination %q which was never added", e.Projection, e.Key)
}

func (e *UnknownDestinationError) Is(target error) bool {
	return target == ErrUnknownDestination
}
