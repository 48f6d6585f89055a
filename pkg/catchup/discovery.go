package catchup

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/plaenen/projections/pkg/observability"
	"github.com/plaenen/projections/pkg/store"
)

// WorkItem is one object a rebuild has to visit.
type WorkItem struct {
	ObjectName string `json:"object_name"`
	ObjectID   string `json:"object_id"`
}

// WorkItemPage is one page of discovered work items.
type WorkItemPage struct {
	Items []WorkItem

	// ContinuationToken resumes discovery after this page. Nil when HasMore is false.
	ContinuationToken *string
	HasMore           bool
}

// discoveryToken is the decoded continuation token. Field names are part of
// the wire format.
type discoveryToken struct {
	ObjectIndex   int
	ProviderToken *string
}

func encodeToken(t discoveryToken) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// decodeToken returns the position encoded in token. Missing, malformed and
// out-of-range tokens decode to the beginning.
func decodeToken(token *string, objectNames int) discoveryToken {
	if token == nil || *token == "" {
		return discoveryToken{}
	}
	data, err := base64.StdEncoding.DecodeString(*token)
	if err != nil {
		return discoveryToken{}
	}
	var t discoveryToken
	if err := json.Unmarshal(data, &t); err != nil {
		return discoveryToken{}
	}
	if t.ObjectIndex < 0 || t.ObjectIndex >= objectNames {
		return discoveryToken{}
	}
	return t
}

// DiscoveryService enumerates the objects of several object types through a
// paging provider, one type after the other.
type DiscoveryService struct {
	provider    store.ObjectIDProvider
	objectNames []string
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// DiscoveryOption configures a DiscoveryService.
type DiscoveryOption func(*DiscoveryService)

// WithDiscoveryLogger sets the logger.
func WithDiscoveryLogger(logger *slog.Logger) DiscoveryOption {
	return func(s *DiscoveryService) {
		s.logger = logger
	}
}

// WithDiscoveryMetrics sets the metric instruments.
func WithDiscoveryMetrics(metrics *observability.Metrics) DiscoveryOption {
	return func(s *DiscoveryService) {
		s.metrics = metrics
	}
}

// NewDiscoveryService creates a discovery service over objectNames, enumerated in the given order.
func NewDiscoveryService(provider store.ObjectIDProvider, objectNames []string, opts ...DiscoveryOption) *DiscoveryService {
	s := &DiscoveryService{
		provider:    provider,
		objectNames: append([]string(nil), objectNames...),
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DiscoverWorkItems returns up to pageSize work items starting at continuationToken.
// A nil token starts from the beginning. A token that cannot be decoded also
// starts from the beginning. A token whose provider position is rejected by the
// provider restarts the object type it points into.
func (s *DiscoveryService) DiscoverWorkItems(ctx context.Context, continuationToken *string, pageSize int) (*WorkItemPage, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("discover work items: page size must be positive, got %d", pageSize)
	}
	pos := decodeToken(continuationToken, len(s.objectNames))
	if continuationToken != nil && pos == (discoveryToken{}) && *continuationToken != "" {
		s.logger.Debug("discovery token not resumable, starting over")
	}

	page := &WorkItemPage{}
	for pos.ObjectIndex < len(s.objectNames) && len(page.Items) < pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := s.objectNames[pos.ObjectIndex]
		ids, err := s.provider.GetObjectIDs(ctx, name, pos.ProviderToken, pageSize-len(page.Items))
		if errors.Is(err, store.ErrInvalidContinuationToken) && pos.ProviderToken != nil {
			s.logger.Debug("provider token not resumable, restarting object type",
				"object_name", name,
				"error", err)
			pos.ProviderToken = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", name, err)
		}
		for _, id := range ids.Items {
			page.Items = append(page.Items, WorkItem{ObjectName: name, ObjectID: id})
		}
		s.metrics.RecordWorkItems(ctx, name, len(ids.Items))

		if ids.HasMore && ids.ContinuationToken != nil {
			pos.ProviderToken = ids.ContinuationToken
			if len(ids.Items) == 0 {
				// provider made no progress; let the caller come back
				break
			}
			continue
		}
		pos = discoveryToken{ObjectIndex: pos.ObjectIndex + 1}
	}

	if pos.ObjectIndex >= len(s.objectNames) {
		return page, nil
	}
	token, err := encodeToken(pos)
	if err != nil {
		return nil, err
	}
	page.ContinuationToken = &token
	page.HasMore = true
	return page, nil
}

// StreamWorkItems enumerates every work item lazily, fetching pageSize items at
// a time. Cancellation is checked before every page; iteration stops after the
// first error.
func (s *DiscoveryService) StreamWorkItems(ctx context.Context, pageSize int) iter.Seq2[WorkItem, error] {
	return func(yield func(WorkItem, error) bool) {
		var token *string
		for {
			if err := ctx.Err(); err != nil {
				yield(WorkItem{}, err)
				return
			}
			page, err := s.DiscoverWorkItems(ctx, token, pageSize)
			if err != nil {
				yield(WorkItem{}, err)
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
			if !page.HasMore {
				return
			}
			token = page.ContinuationToken
		}
	}
}

// EstimateTotalWorkItems sums the object counts of every object type. The
// counts are fetched concurrently and may be expensive for large stores.
func (s *DiscoveryService) EstimateTotalWorkItems(ctx context.Context) (int64, error) {
	counts := make([]int64, len(s.objectNames))
	g, ctx := errgroup.WithContext(ctx)
	for i, name := range s.objectNames {
		g.Go(func() error {
			n, err := s.provider.Count(ctx, name)
			if err != nil {
				return fmt.Errorf("count %s: %w", name, err)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	return total, nil
}
