// Package idgen generates identifiers: sortable ULIDs for rebuild tokens and
// random UUIDs for events.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewSortableID returns a ULID string. IDs generated in the same millisecond
// sort in generation order.
func NewSortableID(now time.Time) (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustGenerateSortableID returns a ULID for the current time and panics if entropy fails.
func MustGenerateSortableID() string {
	id, err := NewSortableID(time.Now())
	if err != nil {
		panic(err)
	}
	return id
}

// NewEventID returns a random UUID.
func NewEventID() string {
	return uuid.NewString()
}

// SortableIDTime returns the timestamp encoded in a ULID.
func SortableIDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()).UTC(), nil
}
