package store

import (
	"context"
	"time"
)

// ProjectionStatus represents the operational status of one projection for one object.
type ProjectionStatus string

const (
	// ProjectionStatusActive means inline updates are applied as events arrive
	ProjectionStatusActive ProjectionStatus = "ACTIVE"

	// ProjectionStatusRebuilding means the projection is being rebuilt from scratch
	ProjectionStatusRebuilding ProjectionStatus = "REBUILDING"

	// ProjectionStatusCatchingUp means the rebuilt projection is converging with live writes
	ProjectionStatusCatchingUp ProjectionStatus = "CATCHING_UP"

	// ProjectionStatusReady means the rebuilt projection is ready to take over (blue-green)
	ProjectionStatusReady ProjectionStatus = "READY"

	// ProjectionStatusArchived means the projection version is retained for rollback only
	ProjectionStatusArchived ProjectionStatus = "ARCHIVED"

	// ProjectionStatusDisabled means inline updates are switched off by an operator
	ProjectionStatusDisabled ProjectionStatus = "DISABLED"

	// ProjectionStatusFailed means the last rebuild failed
	ProjectionStatusFailed ProjectionStatus = "FAILED"
)

// IsRebuilding reports whether the status belongs to the rebuild flow.
func (s ProjectionStatus) IsRebuilding() bool {
	switch s {
	case ProjectionStatusRebuilding, ProjectionStatusCatchingUp, ProjectionStatusReady:
		return true
	}
	return false
}

// RebuildStrategy selects how a rebuilt projection takes over from the live one.
type RebuildStrategy string

const (
	// RebuildStrategyBlocking pauses inline updates, catches up, then resumes
	RebuildStrategyBlocking RebuildStrategy = "BLOCKING"

	// RebuildStrategyBlueGreen builds the new version alongside the live one and cuts over when ready
	RebuildStrategyBlueGreen RebuildStrategy = "BLUE_GREEN"
)

// RebuildInfo describes the rebuild currently or most recently attached to a status.
type RebuildInfo struct {
	Token    string          `json:"token"`
	Strategy RebuildStrategy `json:"strategy"`

	// SchemaVersion is the version the rebuild produces. It becomes the
	// status's SchemaVersion once the rebuild completes.
	SchemaVersion int `json:"schema_version"`

	StartedAt   time.Time  `json:"started_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ProjectionStatusInfo is the tracked status of a projection for one object.
type ProjectionStatusInfo struct {
	ProjectionName  string           `json:"projection_name"`
	ObjectID        string           `json:"object_id"`
	Status          ProjectionStatus `json:"status"`
	StatusChangedAt time.Time        `json:"status_changed_at"`
	SchemaVersion   int              `json:"schema_version"`
	Rebuild         *RebuildInfo     `json:"rebuild,omitempty"`
}

// Clone returns a deep copy.
func (i *ProjectionStatusInfo) Clone() *ProjectionStatusInfo {
	if i == nil {
		return nil
	}
	c := *i
	if i.Rebuild != nil {
		r := *i.Rebuild
		if i.Rebuild.CompletedAt != nil {
			t := *i.Rebuild.CompletedAt
			r.CompletedAt = &t
		}
		c.Rebuild = &r
	}
	return &c
}

// StatusStore persists projection status for every (projection, object) pair.
type StatusStore interface {
	// Save upserts the status.
	Save(ctx context.Context, info *ProjectionStatusInfo) error

	// Load returns the status. Returns ErrNotFound if none was saved.
	Load(ctx context.Context, projectionName, objectID string) (*ProjectionStatusInfo, error)

	// List returns all statuses, or only those with the given status when status is non-empty.
	List(ctx context.Context, status ProjectionStatus) ([]*ProjectionStatusInfo, error)
}
