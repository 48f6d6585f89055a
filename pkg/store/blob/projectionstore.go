// Package blob stores serialized projections in any gocloud.dev/blob bucket
// (file system, memory, S3, GCS, Azure).
package blob

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	"gocloud.dev/gcerrors"

	"github.com/plaenen/projections/pkg/store"
)

const contentType = "application/json"

// ProjectionStore implements store.ProjectionStore on a blob bucket. Each
// projection is stored under "<prefix><projection>/<object id>.json".
type ProjectionStore struct {
	bucket *blob.Bucket
	prefix string
	owned  bool
	logger *slog.Logger
}

// Option configures a ProjectionStore.
type Option func(*ProjectionStore)

// WithPrefix sets the key prefix, e.g. "projections/".
func WithPrefix(prefix string) Option {
	return func(s *ProjectionStore) {
		s.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *ProjectionStore) {
		s.logger = logger
	}
}

// NewProjectionStore wraps an open bucket. The caller keeps ownership of the bucket.
func NewProjectionStore(bucket *blob.Bucket, opts ...Option) *ProjectionStore {
	s := &ProjectionStore{
		bucket: bucket,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenProjectionStore opens the bucket at urlstr ("mem://", "file:///var/lib/projections")
// and closes it when the store is closed.
func OpenProjectionStore(ctx context.Context, urlstr string, opts ...Option) (*ProjectionStore, error) {
	bucket, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", urlstr, err)
	}
	s := NewProjectionStore(bucket, opts...)
	s.owned = true
	return s, nil
}

// Close closes the bucket if the store opened it.
func (s *ProjectionStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.bucket.Close()
}

func (s *ProjectionStore) key(projectionName, objectID string) string {
	return s.prefix + path.Join(url.PathEscape(projectionName), url.PathEscape(objectID)+".json")
}

func (s *ProjectionStore) Save(ctx context.Context, projectionName, objectID string, data []byte) error {
	key := s.key(projectionName, objectID)
	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	s.logger.Debug("projection saved", "key", key, "bytes", len(data))
	return nil
}

func (s *ProjectionStore) Load(ctx context.Context, projectionName, objectID string) ([]byte, error) {
	key := s.key(projectionName, objectID)
	data, err := s.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, store.NewNotFoundError("projection", key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *ProjectionStore) Delete(ctx context.Context, projectionName, objectID string) error {
	key := s.key(projectionName, objectID)
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
