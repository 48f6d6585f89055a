package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/store"
)

// ProjectionStore implements store.ProjectionStore for SQLite, one row per
// (projection, object).
type ProjectionStore struct {
	db *sql.DB
}

// NewProjectionStore creates a projection store on db. The schema is created by Migrate.
func NewProjectionStore(db *sql.DB) *ProjectionStore {
	return &ProjectionStore{db: db}
}

func (s *ProjectionStore) Save(ctx context.Context, projectionName, objectID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projections (projection_name, object_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(projection_name, object_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, projectionName, objectID, data, domain.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save projection %s/%s: %w", projectionName, objectID, err)
	}
	return nil
}

func (s *ProjectionStore) Load(ctx context.Context, projectionName, objectID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM projections WHERE projection_name = ? AND object_id = ?
	`, projectionName, objectID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFoundError("projection", projectionName+"/"+objectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load projection %s/%s: %w", projectionName, objectID, err)
	}
	return data, nil
}

func (s *ProjectionStore) Delete(ctx context.Context, projectionName, objectID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM projections WHERE projection_name = ? AND object_id = ?
	`, projectionName, objectID)
	if err != nil {
		return fmt.Errorf("failed to delete projection %s/%s: %w", projectionName, objectID, err)
	}
	return nil
}
