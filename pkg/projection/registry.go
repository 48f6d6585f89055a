package projection

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"
)

// DestinationMetadata describes one destination of a routed projection.
type DestinationMetadata struct {
	TypeName              string            `json:"typeName"`
	CreatedAt             time.Time         `json:"createdAt"`
	LastModifiedAt        time.Time         `json:"lastModifiedAt"`
	CheckpointFingerprint string            `json:"checkpointFingerprint,omitempty"`
	UserMetadata          map[string]string `json:"userMetadata,omitempty"`
}

func (m DestinationMetadata) clone() DestinationMetadata {
	m.UserMetadata = maps.Clone(m.UserMetadata)
	return m
}

// DestinationRegistry holds destination metadata keyed by destination key.
// It is safe for concurrent use; updates to several keys are not atomic as a group.
type DestinationRegistry struct {
	mu      sync.RWMutex
	entries map[string]DestinationMetadata
}

// NewDestinationRegistry returns an empty registry.
func NewDestinationRegistry() *DestinationRegistry {
	return &DestinationRegistry{entries: make(map[string]DestinationMetadata)}
}

// Add registers a destination. It returns false and leaves the registry
// unchanged when the key already exists.
func (r *DestinationRegistry) Add(key, typeName string, metadata map[string]string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return false
	}
	r.entries[key] = DestinationMetadata{
		TypeName:       typeName,
		CreatedAt:      now,
		LastModifiedAt: now,
		UserMetadata:   maps.Clone(metadata),
	}
	return true
}

// Get returns a copy of the metadata for key.
func (r *DestinationRegistry) Get(key string) (DestinationMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.entries[key]
	if !ok {
		return DestinationMetadata{}, false
	}
	return m.clone(), true
}

// Has reports whether key is registered.
func (r *DestinationRegistry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Keys returns the registered keys in sorted order.
func (r *DestinationRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// Len returns the number of registered destinations.
func (r *DestinationRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Touch records that the destination changed. Unknown keys are ignored.
func (r *DestinationRegistry) Touch(key, fingerprint string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.entries[key]
	if !ok {
		return
	}
	m.LastModifiedAt = now
	m.CheckpointFingerprint = fingerprint
	r.entries[key] = m
}

func (r *DestinationRegistry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.Marshal(r.entries)
}

func (r *DestinationRegistry) UnmarshalJSON(data []byte) error {
	entries := make(map[string]DestinationMetadata)
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	if entries == nil {
		entries = make(map[string]DestinationMetadata)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = entries
	return nil
}
