package memory

import (
	"context"
	"sync"

	"github.com/plaenen/projections/pkg/store"
)

// ProjectionStore implements store.ProjectionStore in memory.
type ProjectionStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewProjectionStore creates an empty projection store.
func NewProjectionStore() *ProjectionStore {
	return &ProjectionStore{blobs: make(map[string][]byte)}
}

func projectionKey(name, objectID string) string {
	return name + "/" + objectID
}

func (s *ProjectionStore) Save(ctx context.Context, projectionName, objectID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[projectionKey(projectionName, objectID)] = append([]byte(nil), data...)
	return nil
}

func (s *ProjectionStore) Load(ctx context.Context, projectionName, objectID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[projectionKey(projectionName, objectID)]
	if !ok {
		return nil, store.NewNotFoundError("projection", projectionKey(projectionName, objectID))
	}
	return append([]byte(nil), data...), nil
}

func (s *ProjectionStore) Delete(ctx context.Context, projectionName, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, projectionKey(projectionName, objectID))
	return nil
}
