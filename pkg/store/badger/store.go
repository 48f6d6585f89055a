package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/plaenen/projections/pkg/store"
)

const (
	projectionPrefix = "projection/"
	statusPrefix     = "status/"
)

// Store implements store.ProjectionStore and store.StatusStore on one BadgerDB.
type Store struct {
	db *badger.DB
}

// NewStore wraps an open database. The caller keeps ownership of db.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Statuses returns the status-store view of s.
func (s *Store) Statuses() *StatusStore {
	return &StatusStore{db: s.db}
}

func projectionKey(projectionName, objectID string) []byte {
	return []byte(projectionPrefix + projectionName + "\x00" + objectID)
}

func (s *Store) Save(ctx context.Context, projectionName, objectID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(projectionKey(projectionName, objectID), data)
	})
	if err != nil {
		return fmt.Errorf("save projection %s/%s: %w", projectionName, objectID, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, projectionName, objectID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(projectionKey(projectionName, objectID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.NewNotFoundError("projection", projectionName+"/"+objectID)
	}
	if err != nil {
		return nil, fmt.Errorf("load projection %s/%s: %w", projectionName, objectID, err)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, projectionName, objectID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(projectionKey(projectionName, objectID))
	})
	if err != nil {
		return fmt.Errorf("delete projection %s/%s: %w", projectionName, objectID, err)
	}
	return nil
}

// StatusStore implements store.StatusStore, one JSON value per (projection, object).
type StatusStore struct {
	db *badger.DB
}

func statusKey(projectionName, objectID string) []byte {
	return []byte(statusPrefix + projectionName + "\x00" + objectID)
}

func (s *StatusStore) Save(ctx context.Context, info *store.ProjectionStatusInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(statusKey(info.ProjectionName, info.ObjectID), data)
	})
	if err != nil {
		return fmt.Errorf("save status %s/%s: %w", info.ProjectionName, info.ObjectID, err)
	}
	return nil
}

func (s *StatusStore) Load(ctx context.Context, projectionName, objectID string) (*store.ProjectionStatusInfo, error) {
	var info store.ProjectionStatusInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(statusKey(projectionName, objectID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.NewNotFoundError("projection status", projectionName+"/"+objectID)
	}
	if err != nil {
		return nil, fmt.Errorf("load status %s/%s: %w", projectionName, objectID, err)
	}
	return &info, nil
}

func (s *StatusStore) List(ctx context.Context, status store.ProjectionStatus) ([]*store.ProjectionStatusInfo, error) {
	var out []*store.ProjectionStatusInfo
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(statusPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var info store.ProjectionStatusInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return err
			}
			if status == "" || info.Status == status {
				out = append(out, &info)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectionName != out[j].ProjectionName {
			return out[i].ProjectionName < out[j].ProjectionName
		}
		return out[i].ObjectID < out[j].ObjectID
	})
	return out, nil
}
