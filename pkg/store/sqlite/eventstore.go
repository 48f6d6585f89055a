// Package sqlite stores event streams, projection statuses and serialized
// projections in SQLite through the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/idgen"
	"github.com/plaenen/projections/pkg/store"
)

// StreamType is the document stream type assigned by this package.
const StreamType = "sqlite"

// EventStore implements store.DocumentStore, store.EventStreamFactory and
// store.ObjectIDProvider on SQLite.
type EventStore struct {
	db *sql.DB
	mu sync.Mutex // serializes appends
}

type eventStoreConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
}

func defaultEventStoreConfig() eventStoreConfig {
	return eventStoreConfig{
		dsn:          "projections.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
	}
}

// EventStoreOption configures an EventStore.
type EventStoreOption func(*eventStoreConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses a private in-memory database.
func WithMemoryDatabase() EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging. Ignored for in-memory databases.
func WithWALMode(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate runs pending migrations when the store opens. Default true.
func WithAutoMigrate(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.autoMigrate = enabled
	}
}

// NewEventStore opens the database and returns an event store.
//
//	events, err := sqlite.NewEventStore(ctx, sqlite.WithDSN("/var/lib/projections.db"))
//	statuses, err := sqlite.NewStatusStore(ctx, events.DB())
func NewEventStore(ctx context.Context, opts ...EventStoreOption) (*EventStore, error) {
	config := defaultEventStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// every connection to ":memory:" gets its own database
	memoryDB := config.dsn == ":memory:"
	if memoryDB {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if config.walMode && !memoryDB {
		if _, err := db.ExecContext(ctx, `
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if config.autoMigrate {
		if err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &EventStore{db: db}, nil
}

// DB returns the underlying database, for sharing with the other stores of this package.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// PutDocument inserts or replaces a document. Use it for objects whose stream
// identifier is not the default one, before appending to them.
func (s *EventStore) PutDocument(ctx context.Context, doc *domain.Document) error {
	tags, err := marshalTags(doc.Tags)
	if err != nil {
		return err
	}
	streamType := doc.StreamType
	if streamType == "" {
		streamType = StreamType
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (object_name, object_id, stream_id, stream_key, stream_type, current_version, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(object_name, object_id) DO UPDATE SET
			stream_id = excluded.stream_id,
			stream_key = excluded.stream_key,
			stream_type = excluded.stream_type,
			current_version = excluded.current_version,
			tags = excluded.tags
	`, doc.ObjectName, doc.ObjectID, string(doc.StreamID), string(doc.StreamID.Normalized()), streamType, doc.CurrentVersion, tags)
	if err != nil {
		return fmt.Errorf("save document %s/%s: %w", doc.ObjectName, doc.ObjectID, err)
	}
	return nil
}

// Append appends events to an object's stream in one transaction, assigning
// ids, stream identifier and consecutive versions. The document is created on
// first append.
func (s *EventStore) Append(ctx context.Context, objectName, objectID string, events ...*domain.Event) ([]*domain.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	doc, err := getDocument(ctx, tx, objectName, objectID)
	if errors.Is(err, store.ErrNotFound) {
		doc = domain.NewDocument(objectName, objectID)
		doc.StreamType = StreamType
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (object_name, object_id, stream_id, stream_key, stream_type, current_version)
			VALUES (?, ?, ?, ?, ?, ?)
		`, objectName, objectID, string(doc.StreamID), string(doc.StreamID.Normalized()), doc.StreamType, doc.CurrentVersion)
	}
	if err != nil {
		return nil, err
	}

	appended := make([]*domain.Event, 0, len(events))
	for _, e := range events {
		c := *e
		if c.ID == "" {
			c.ID = idgen.NewEventID()
		}
		c.ObjectName = objectName
		c.ObjectID = objectID
		c.StreamID = doc.StreamID
		c.Version = doc.CurrentVersion + 1
		if c.Timestamp.IsZero() {
			c.Timestamp = domain.Now()
		}

		metadata, err := json.Marshal(c.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (event_id, stream_key, stream_id, version, object_name, object_id, event_type, timestamp, data, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, string(c.StreamID.Normalized()), string(c.StreamID), c.Version, objectName, objectID,
			c.EventType, c.Timestamp.UnixMilli(), c.Data, string(metadata))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("append %s@%d: %w", c.StreamID, c.Version, store.ErrConflict)
			}
			return nil, fmt.Errorf("insert event: %w", err)
		}

		doc.CurrentVersion = c.Version
		appended = append(appended, &c)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET current_version = ? WHERE object_name = ? AND object_id = ?`,
		doc.CurrentVersion, objectName, objectID,
	); err != nil {
		return nil, fmt.Errorf("update document version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return appended, nil
}

// Get implements store.DocumentStore.
func (s *EventStore) Get(ctx context.Context, objectName, objectID string) (*domain.Document, error) {
	return getDocument(ctx, s.db, objectName, objectID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q queryer, objectName, objectID string) (*domain.Document, error) {
	var (
		doc      = &domain.Document{ObjectName: objectName, ObjectID: objectID}
		streamID string
		tags     sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT stream_id, stream_type, current_version, tags
		FROM documents WHERE object_name = ? AND object_id = ?
	`, objectName, objectID).Scan(&streamID, &doc.StreamType, &doc.CurrentVersion, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFoundError("document", objectName+"/"+objectID)
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s/%s: %w", objectName, objectID, err)
	}
	doc.StreamID = domain.ObjectIdentifier(streamID)
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &doc.Tags); err != nil {
			return nil, fmt.Errorf("decode document tags: %w", err)
		}
	}
	return doc, nil
}

// Open implements store.EventStreamFactory.
func (s *EventStore) Open(ctx context.Context, doc *domain.Document) (store.EventStream, error) {
	if doc == nil || doc.StreamID == "" {
		return nil, fmt.Errorf("document has no stream identifier")
	}
	return &stream{db: s.db, key: doc.StreamID.Normalized()}, nil
}

type stream struct {
	db  *sql.DB
	key domain.ObjectIdentifier
}

func (st *stream) Read(ctx context.Context, startVersion int64, untilVersion *int64) ([]*domain.Event, error) {
	var until sql.NullInt64
	if untilVersion != nil {
		until = sql.NullInt64{Int64: *untilVersion, Valid: true}
	}
	rows, err := st.db.QueryContext(ctx, `
		SELECT event_id, stream_id, version, object_name, object_id, event_type, timestamp, data, metadata
		FROM events
		WHERE stream_key = ? AND version >= ? AND (? IS NULL OR version <= ?)
		ORDER BY version
	`, string(st.key), startVersion, until, until)
	if err != nil {
		return nil, fmt.Errorf("query stream %s: %w", st.key, err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var (
			e        domain.Event
			streamID string
			ts       int64
			metadata string
		)
		if err := rows.Scan(&e.ID, &streamID, &e.Version, &e.ObjectName, &e.ObjectID, &e.EventType, &ts, &e.Data, &metadata); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.StreamID = domain.ObjectIdentifier(streamID)
		e.Timestamp = domain.TimeFromUnixMilli(ts)
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// GetObjectIDs implements store.ObjectIDProvider. The continuation token is the
// last object id of the previous page.
func (s *EventStore) GetObjectIDs(ctx context.Context, objectName string, continuationToken *string, pageSize int) (*store.ObjectIDPage, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	after := ""
	if continuationToken != nil {
		after = *continuationToken
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT object_id FROM documents
		WHERE object_name = ? AND object_id > ?
		ORDER BY object_id
		LIMIT ?
	`, objectName, after, pageSize+1)
	if err != nil {
		return nil, fmt.Errorf("query object ids of %s: %w", objectName, err)
	}
	defer rows.Close()

	page := &store.ObjectIDPage{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		page.Items = append(page.Items, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Items) > pageSize {
		page.Items = page.Items[:pageSize]
		last := page.Items[pageSize-1]
		page.ContinuationToken = &last
		page.HasMore = true
	}
	return page, nil
}

// Count implements store.ObjectIDProvider.
func (s *EventStore) Count(ctx context.Context, objectName string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE object_name = ?`, objectName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", objectName, err)
	}
	return n, nil
}

func marshalTags(tags map[string]string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal tags: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
