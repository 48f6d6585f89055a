package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document, stream, projection or status does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write conflicts with a concurrent write.
	ErrConflict = errors.New("conflict")

	// ErrStreamClosed is returned when a stream no longer accepts reads or writes.
	ErrStreamClosed = errors.New("stream closed")

	// ErrInvalidContinuationToken is returned by an ObjectIDProvider that cannot
	// parse the continuation token it was given.
	ErrInvalidContinuationToken = errors.New("invalid continuation token")
)

// NotFoundError names the missing resource.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a not-found error for a resource kind and key.
func NewNotFoundError(kind, key string) error {
	return &NotFoundError{Kind: kind, Key: key}
}
