package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/plaenen/projections/pkg/store"
)

// StatusStore implements store.StatusStore in memory.
type StatusStore struct {
	mu       sync.RWMutex
	statuses map[string]*store.ProjectionStatusInfo
}

// NewStatusStore creates an empty status store.
func NewStatusStore() *StatusStore {
	return &StatusStore{statuses: make(map[string]*store.ProjectionStatusInfo)}
}

func (s *StatusStore) Save(ctx context.Context, info *store.ProjectionStatusInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[projectionKey(info.ProjectionName, info.ObjectID)] = info.Clone()
	return nil
}

func (s *StatusStore) Load(ctx context.Context, projectionName, objectID string) (*store.ProjectionStatusInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.statuses[projectionKey(projectionName, objectID)]
	if !ok {
		return nil, store.NewNotFoundError("projection status", projectionKey(projectionName, objectID))
	}
	return info.Clone(), nil
}

func (s *StatusStore) List(ctx context.Context, status store.ProjectionStatus) ([]*store.ProjectionStatusInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.ProjectionStatusInfo
	for _, info := range s.statuses {
		if status == "" || info.Status == status {
			out = append(out, info.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectionName != out[j].ProjectionName {
			return out[i].ProjectionName < out[j].ProjectionName
		}
		return out[i].ObjectID < out[j].ObjectID
	})
	return out, nil
}
