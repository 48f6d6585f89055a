// Package store defines the storage collaborators the projection core depends on.
// Implementations live in the memory, sqlite, blob and badger sub-packages.
package store

import (
	"context"

	"github.com/plaenen/projections/pkg/domain"
)

// EventStream reads the ordered events of a single stream.
type EventStream interface {
	// Read returns events with startVersion <= version <= untilVersion in ascending
	// version order. A nil untilVersion reads to the latest available event.
	Read(ctx context.Context, startVersion int64, untilVersion *int64) ([]*domain.Event, error)
}

// EventStreamFactory opens the stream a document points at.
type EventStreamFactory interface {
	Open(ctx context.Context, doc *domain.Document) (EventStream, error)
}

// DocumentStore resolves object documents.
type DocumentStore interface {
	// Get returns the document for an object.
	// Returns ErrNotFound if the object has no document.
	Get(ctx context.Context, objectName, objectID string) (*domain.Document, error)
}

// ObjectIDPage is one page of object ids returned by an ObjectIDProvider.
type ObjectIDPage struct {
	Items             []string
	ContinuationToken *string
	HasMore           bool
}

// ObjectIDProvider pages through all object ids of an object type.
type ObjectIDProvider interface {
	// GetObjectIDs returns up to pageSize ids after the position encoded in
	// continuationToken. A nil token starts from the beginning. A token the
	// provider cannot parse fails with ErrInvalidContinuationToken.
	GetObjectIDs(ctx context.Context, objectName string, continuationToken *string, pageSize int) (*ObjectIDPage, error)

	// Count returns the number of objects of a type.
	Count(ctx context.Context, objectName string) (int64, error)
}

// ProjectionStore persists serialized projections, one blob per (projection, object).
type ProjectionStore interface {
	// Save stores the serialized projection, replacing any previous version.
	Save(ctx context.Context, projectionName, objectID string, data []byte) error

	// Load returns the serialized projection.
	// Returns ErrNotFound if nothing was saved yet.
	Load(ctx context.Context, projectionName, objectID string) ([]byte, error)

	// Delete removes the stored projection. Deleting a missing projection is not an error.
	Delete(ctx context.Context, projectionName, objectID string) error
}
