// Package memory provides in-memory implementations of the store contracts.
// They are safe for concurrent use and intended for tests and embedded use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/idgen"
	"github.com/plaenen/projections/pkg/store"
)

// StreamType is the document stream type assigned by this package.
const StreamType = "memory"

type objectKey struct {
	name string
	id   string
}

// EventStore keeps documents and their event streams in memory. It implements
// store.DocumentStore, store.EventStreamFactory and store.ObjectIDProvider.
type EventStore struct {
	mu        sync.RWMutex
	documents map[objectKey]*domain.Document
	streams   map[domain.ObjectIdentifier][]*domain.Event

	// readHook, when set, runs before every stream read.
	readHook func(ctx context.Context, stream domain.ObjectIdentifier)
}

// NewEventStore creates an empty in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		documents: make(map[objectKey]*domain.Document),
		streams:   make(map[domain.ObjectIdentifier][]*domain.Event),
	}
}

// OnRead registers a hook invoked before every stream read. Tests use it to
// simulate writes landing while a projection is catching up.
func (s *EventStore) OnRead(hook func(ctx context.Context, stream domain.ObjectIdentifier)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readHook = hook
}

// PutDocument registers a document, for objects whose stream identifier is not the default.
func (s *EventStore) PutDocument(doc *domain.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *doc
	if c.StreamType == "" {
		c.StreamType = StreamType
	}
	s.documents[objectKey{doc.ObjectName, doc.ObjectID}] = &c
}

// Append appends events to an object's stream, assigning ids, stream identifier and
// consecutive versions. The document is created on first append.
func (s *EventStore) Append(ctx context.Context, objectName, objectID string, events ...*domain.Event) ([]*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := objectKey{objectName, objectID}
	doc, ok := s.documents[key]
	if !ok {
		doc = domain.NewDocument(objectName, objectID)
		doc.StreamType = StreamType
		s.documents[key] = doc
	}

	streamKey := doc.StreamID.Normalized()
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
		doc.CurrentVersion = c.Version
		s.streams[streamKey] = append(s.streams[streamKey], &c)
		appended = append(appended, &c)
	}
	return appended, nil
}

// Get implements store.DocumentStore.
func (s *EventStore) Get(ctx context.Context, objectName, objectID string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[objectKey{objectName, objectID}]
	if !ok {
		return nil, store.NewNotFoundError("document", objectName+"/"+objectID)
	}
	c := *doc
	return &c, nil
}

// Open implements store.EventStreamFactory.
func (s *EventStore) Open(ctx context.Context, doc *domain.Document) (store.EventStream, error) {
	if doc == nil || doc.StreamID == "" {
		return nil, fmt.Errorf("document has no stream identifier")
	}
	return &stream{store: s, id: doc.StreamID}, nil
}

// GetObjectIDs implements store.ObjectIDProvider. Tokens are offsets into the
// sorted id list.
func (s *EventStore) GetObjectIDs(ctx context.Context, objectName string, continuationToken *string, pageSize int) (*store.ObjectIDPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	ids := s.objectIDs(objectName)

	offset := 0
	if continuationToken != nil {
		n, err := strconv.Atoi(*continuationToken)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w %q", store.ErrInvalidContinuationToken, *continuationToken)
		}
		offset = n
	}
	if offset > len(ids) {
		offset = len(ids)
	}
	end := offset + pageSize
	if end > len(ids) {
		end = len(ids)
	}

	page := &store.ObjectIDPage{Items: ids[offset:end]}
	if end < len(ids) {
		next := strconv.Itoa(end)
		page.ContinuationToken = &next
		page.HasMore = true
	}
	return page, nil
}

// Count implements store.ObjectIDProvider.
func (s *EventStore) Count(ctx context.Context, objectName string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int64(len(s.objectIDs(objectName))), nil
}

func (s *EventStore) objectIDs(objectName string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for k := range s.documents {
		if k.name == objectName {
			ids = append(ids, k.id)
		}
	}
	sort.Strings(ids)
	return ids
}

type stream struct {
	store *EventStore
	id    domain.ObjectIdentifier
}

func (st *stream) Read(ctx context.Context, startVersion int64, untilVersion *int64) ([]*domain.Event, error) {
	st.store.mu.RLock()
	hook := st.store.readHook
	st.store.mu.RUnlock()
	if hook != nil {
		hook(ctx, st.id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st.store.mu.RLock()
	defer st.store.mu.RUnlock()
	var out []*domain.Event
	for _, e := range st.store.streams[st.id.Normalized()] {
		if e.Version < startVersion {
			continue
		}
		if untilVersion != nil && e.Version > *untilVersion {
			break
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}
