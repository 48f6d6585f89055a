package domain

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

// Event is a single immutable fact recorded on an object's stream.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// ObjectName is the type name of the object the stream belongs to (e.g. "order").
	ObjectName string `json:"object_name"`

	// ObjectID identifies the object instance within ObjectName.
	ObjectID string `json:"object_id"`

	// StreamID identifies the physical stream the event was read from.
	StreamID ObjectIdentifier `json:"stream_id"`

	// EventType is the type name of the event. When it matches a message
	// registered in the protobuf global registry, Data is decoded into a typed payload.
	EventType string `json:"event_type"`

	// Version is the position of the event within its stream, starting at 0.
	Version int64 `json:"version"`

	// Timestamp is when the event was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Data is the serialized payload.
	Data []byte `json:"data,omitempty"`

	// Metadata carries contextual information about the event.
	Metadata EventMetadata `json:"metadata"`
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the event or command that caused this event
	CausationID string `json:"causation_id,omitempty"`

	// CorrelationID is used to trace related events across streams
	CorrelationID string `json:"correlation_id,omitempty"`

	// Custom allows for application-specific metadata
	Custom map[string]string `json:"custom,omitempty"`
}

// VersionIdentifier returns the event's version in identifier form.
func (e *Event) VersionIdentifier() VersionIdentifier {
	return FormatVersion(e.Version)
}

// SameAs reports whether both values denote the same recorded event: the same
// pointer, or equal IDs when both carry one. Events without an ID are never
// matched by position, since a substitute event shares the position of the
// event that caused it.
func (e *Event) SameAs(other *Event) bool {
	if e == nil || other == nil {
		return false
	}
	if e == other {
		return true
	}
	return e.ID != "" && e.ID == other.ID
}

func (e *Event) String() string {
	return fmt.Sprintf("%s@%d(%s)", e.StreamID, e.Version, e.EventType)
}

// DecodePayload decodes the event data into the protobuf message registered under
// the event type. It returns (nil, nil) when no such message type is registered.
func DecodePayload(event *Event) (proto.Message, error) {
	if event == nil || event.EventType == "" {
		return nil, nil
	}
	messageType, err := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(event.EventType))
	if err != nil {
		return nil, nil
	}
	msg := messageType.New().Interface()
	if err := proto.Unmarshal(event.Data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", event.EventType, err)
	}
	return msg, nil
}
