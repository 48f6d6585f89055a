package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/store"
)

// StatusStore implements store.StatusStore for SQLite.
type StatusStore struct {
	db *sql.DB
}

// NewStatusStore creates a status store on db. The schema is created by Migrate.
func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// Save upserts the projection status.
func (s *StatusStore) Save(ctx context.Context, info *store.ProjectionStatusInfo) error {
	// Serialize rebuild info to JSON
	var rebuildJSON sql.NullString
	if info.Rebuild != nil {
		data, err := json.Marshal(info.Rebuild)
		if err != nil {
			return fmt.Errorf("failed to marshal rebuild info: %w", err)
		}
		rebuildJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_status (projection_name, object_id, status, status_changed_at, schema_version, rebuild_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(projection_name, object_id) DO UPDATE SET
			status = excluded.status,
			status_changed_at = excluded.status_changed_at,
			schema_version = excluded.schema_version,
			rebuild_json = excluded.rebuild_json
	`, info.ProjectionName, info.ObjectID, string(info.Status), info.StatusChangedAt.UnixMilli(), info.SchemaVersion, rebuildJSON)
	if err != nil {
		return fmt.Errorf("failed to save projection status: %w", err)
	}
	return nil
}

// Load returns the projection status, or store.ErrNotFound.
func (s *StatusStore) Load(ctx context.Context, projectionName, objectID string) (*store.ProjectionStatusInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT projection_name, object_id, status, status_changed_at, schema_version, rebuild_json
		FROM projection_status
		WHERE projection_name = ? AND object_id = ?
	`, projectionName, objectID)

	info, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFoundError("projection status", projectionName+"/"+objectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load projection status: %w", err)
	}
	return info, nil
}

// List returns statuses ordered by projection name and object id.
func (s *StatusStore) List(ctx context.Context, status store.ProjectionStatus) ([]*store.ProjectionStatusInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT projection_name, object_id, status, status_changed_at, schema_version, rebuild_json
		FROM projection_status
		WHERE ? = '' OR status = ?
		ORDER BY projection_name, object_id
	`, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list projection statuses: %w", err)
	}
	defer rows.Close()

	var out []*store.ProjectionStatusInfo
	for rows.Next() {
		info, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan projection status: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatus(row scanner) (*store.ProjectionStatusInfo, error) {
	var (
		info        store.ProjectionStatusInfo
		status      string
		changedAt   int64
		rebuildJSON sql.NullString
	)
	if err := row.Scan(&info.ProjectionName, &info.ObjectID, &status, &changedAt, &info.SchemaVersion, &rebuildJSON); err != nil {
		return nil, err
	}
	info.Status = store.ProjectionStatus(status)
	info.StatusChangedAt = domain.TimeFromUnixMilli(changedAt)

	if rebuildJSON.Valid {
		var rebuild store.RebuildInfo
		if err := json.Unmarshal([]byte(rebuildJSON.String), &rebuild); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rebuild info: %w", err)
		}
		info.Rebuild = &rebuild
	}
	return &info, nil
}
