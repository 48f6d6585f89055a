package projection_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/projection"
	"github.com/plaenen/projections/pkg/store"
	"github.com/plaenen/projections/pkg/store/memory"
)

type orderTotals struct {
	Items    int      `json:"items"`
	Versions []int64  `json:"versions"`
	Notes    []string `json:"notes,omitempty"`
}

func newOrderProjection(events *memory.EventStore) *projection.Projection[orderTotals] {
	return projection.New[orderTotals]("order-totals",
		projection.WithDocumentStore(events),
		projection.WithEventStreamFactory(events),
	).On("order.ItemAdded", func(ctx context.Context, s *orderTotals, fc *projection.FoldContext) error {
		s.Items++
		s.Versions = append(s.Versions, fc.Event.Version)
		return nil
	})
}

func seedOrder(t *testing.T, events *memory.EventStore, id string, n int) {
	t.Helper()
	batch := make([]*domain.Event, n)
	for i := range batch {
		batch[i] = &domain.Event{EventType: "order.ItemAdded"}
	}
	_, err := events.Append(context.Background(), "order", id, batch...)
	require.NoError(t, err)
}

// countingStreams counts the streams opened through it.
type countingStreams struct {
	store.EventStreamFactory
	opens int
}

func (c *countingStreams) Open(ctx context.Context, doc *domain.Document) (store.EventStream, error) {
	c.opens++
	return c.EventStreamFactory.Open(ctx, doc)
}

func TestUpdateToVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("folds a custom stream up to the token version", func(t *testing.T) {
		events := memory.NewEventStore()
		doc := domain.NewDocument("order", "1")
		doc.StreamID = "order-1"
		events.PutDocument(doc)
		seedOrder(t, events, "1", 3)

		p := newOrderProjection(events)
		res, err := p.UpdateToVersion(ctx, domain.NewVersionToken("order", "1", 2))
		require.NoError(t, err)
		assert.Equal(t, 3, res.EventsApplied)
		assert.False(t, res.UpToDate)

		v, ok := p.Checkpoint().Get("order-1")
		require.True(t, ok)
		assert.Equal(t, domain.VersionIdentifier("2"), v)

		sum := sha256.Sum256([]byte("order-1|2\n"))
		assert.Equal(t, hex.EncodeToString(sum[:]), p.Fingerprint())
		assert.Equal(t, 3, p.State().Items)
	})

	t.Run("stops at the token version", func(t *testing.T) {
		events := memory.NewEventStore()
		seedOrder(t, events, "1", 5)

		p := newOrderProjection(events)
		res, err := p.UpdateToVersion(ctx, domain.NewVersionToken("order", "1", 1))
		require.NoError(t, err)
		assert.Equal(t, 2, res.EventsApplied)
		assert.Equal(t, []int64{0, 1}, p.State().Versions)
	})

	t.Run("resumes after the checkpoint", func(t *testing.T) {
		events := memory.NewEventStore()
		seedOrder(t, events, "1", 2)
		p := newOrderProjection(events)

		_, err := p.UpdateToVersion(ctx, domain.LatestVersionToken("order", "1"))
		require.NoError(t, err)

		seedOrder(t, events, "1", 2)
		res, err := p.UpdateToVersion(ctx, domain.LatestVersionToken("order", "1"))
		require.NoError(t, err)
		assert.Equal(t, 2, res.EventsApplied)
		assert.Equal(t, []int64{0, 1, 2, 3}, p.State().Versions)
	})

	t.Run("token at or behind checkpoint is up to date", func(t *testing.T) {
		events := memory.NewEventStore()
		seedOrder(t, events, "1", 3)
		p := newOrderProjection(events)

		_, err := p.UpdateToVersion(ctx, domain.NewVersionToken("order", "1", 2))
		require.NoError(t, err)

		for _, v := range []int64{0, 2} {
			res, err := p.UpdateToVersion(ctx, domain.NewVersionToken("order", "1", v))
			require.NoError(t, err)
			assert.True(t, res.UpToDate)
			assert.Zero(t, res.EventsApplied)
		}
		assert.Equal(t, 3, p.State().Items)
	})

	t.Run("custom stream at the checkpoint is up to date without reading", func(t *testing.T) {
		events := memory.NewEventStore()
		doc := domain.NewDocument("order", "1")
		doc.StreamID = "order-1"
		events.PutDocument(doc)
		seedOrder(t, events, "1", 3)

		streams := &countingStreams{EventStreamFactory: events}
		p := projection.New[orderTotals]("order-totals",
			projection.WithDocumentStore(events),
			projection.WithEventStreamFactory(streams),
		)
		_, err := p.UpdateToVersion(ctx, domain.LatestVersionToken("order", "1"))
		require.NoError(t, err)
		require.Equal(t, 1, streams.opens)

		for _, v := range []int64{1, 2} {
			res, err := p.UpdateToVersion(ctx, domain.NewVersionToken("order", "1", v))
			require.NoError(t, err)
			assert.True(t, res.UpToDate)
			assert.Zero(t, res.EventsApplied)
		}
		assert.Equal(t, 1, streams.opens)
	})

	t.Run("unparseable checkpoint version fails", func(t *testing.T) {
		events := memory.NewEventStore()
		seedOrder(t, events, "1", 3)
		p := newOrderProjection(events)
		require.NoError(t, p.LoadJSON([]byte(`{"items":7,"$checkpoint":{"order__1":"abc"}}`)))

		for _, token := range []*domain.VersionToken{
			domain.LatestVersionToken("order", "1"),
			domain.NewVersionToken("order", "1", 2),
		} {
			res, err := p.UpdateToVersion(ctx, token)
			require.ErrorIs(t, err, projection.ErrInvalidCheckpoint)
			assert.Nil(t, res)
		}
		assert.Equal(t, 7, p.State().Items)
	})

	t.Run("checkpoint is monotonic and tracks the last folded event", func(t *testing.T) {
		events := memory.NewEventStore()
		seedOrder(t, events, "1", 4)

		var seen []domain.VersionIdentifier
		p := projection.New[orderTotals]("watch",
			projection.WithDocumentStore(events),
			projection.WithEventStreamFactory(events),
		)
		p.On("order.ItemAdded", func(ctx context.Context, s *orderTotals, fc *projection.FoldContext) error {
			if v, ok := p.Checkpoint().Get(fc.Event.StreamID); ok {
				seen = append(seen, v)
			}
			return nil
		})

		_, err := p.UpdateToVersion(ctx, domain.LatestVersionToken("order", "1"))
		require.NoError(t, err)
		assert.Equal(t, []domain.VersionIdentifier{"0", "1", "2"}, seen)
		v, _ := p.Checkpoint().Get(domain.NewObjectIdentifier("order", "1"))
		assert.Equal(t, domain.VersionIdentifier("3"), v)
	})

	t.Run("failure leaves checkpoint at the previous event", func(t *testing.T) {
		events := memory.NewEventStore()
		seedOrder(t, events, "1", 5)
		boom := errors.New("boom")

		p := projection.New[orderTotals]("failing",
			projection.WithDocumentStore(events),
			projection.WithEventStreamFactory(events),
		).On("order.ItemAdded", func(ctx context.Context, s *orderTotals, fc *projection.FoldContext) error {
			if fc.Event.Version == 3 {
				return boom
			}
			s.Items++
			return nil
		})

		res, err := p.UpdateToVersion(ctx, domain.LatestVersionToken("order", "1"))
		require.ErrorIs(t, err, boom)
		require.NotNil(t, res)
		assert.Equal(t, 3, res.EventsApplied)

		v, ok := p.Checkpoint().Get(domain.NewObjectIdentifier("order", "1"))
		require.True(t, ok)
		assert.Equal(t, domain.VersionIdentifier("2"), v)
	})

	t.Run("missing collaborators are configuration errors", func(t *testing.T) {
		p := projection.New[orderTotals]("bare")
		_, err := p.UpdateToVersion(ctx, domain.LatestVersionToken("order", "1"))
		assert.ErrorIs(t, err, projection.ErrMissingDocumentStore)
		assert.ErrorIs(t, err, projection.ErrConfiguration)

		p.SetDocumentStore(memory.NewEventStore())
		_, err = p.UpdateToVersion(ctx, domain.LatestVersionToken("order", "1"))
		assert.ErrorIs(t, err, projection.ErrMissingEventStreamFactory)
	})

	t.Run("unknown document propagates not found", func(t *testing.T) {
		p := newOrderProjection(memory.NewEventStore())
		_, err := p.UpdateToVersion(ctx, domain.LatestVersionToken("order", "404"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "order/404")
	})

	t.Run("batch hooks run once per batch with events", func(t *testing.T) {
		events := memory.NewEventStore()
		seedOrder(t, events, "1", 3)

		calls := 0
		p := newOrderProjection(events).OnBatchComplete(func(ctx context.Context, s *orderTotals) error {
			calls++
			return nil
		})

		_, err := p.UpdateToVersion(ctx, domain.LatestVersionToken("order", "1"))
		require.NoError(t, err)
		_, err = p.UpdateToVersion(ctx, domain.LatestVersionToken("order", "1"))
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestFold(t *testing.T) {
	ctx := context.Background()

	t.Run("unhandled events still advance the checkpoint", func(t *testing.T) {
		p := projection.New[orderTotals]("noop")
		err := p.Fold(ctx, &domain.Event{StreamID: "s", Version: 7, EventType: "other"}, nil, nil)
		require.NoError(t, err)
		v, _ := p.Checkpoint().Get("s")
		assert.Equal(t, domain.VersionIdentifier("7"), v)
	})

	t.Run("event folded on behalf of itself is a loop", func(t *testing.T) {
		p := projection.New[orderTotals]("loop")
		event := &domain.Event{ID: "e-1", StreamID: "s", Version: 1, EventType: "order.ItemAdded"}

		err := p.Fold(ctx, event, nil, domain.NewExecutionContext(event))
		require.ErrorIs(t, err, projection.ErrProcessingLoop)

		var loopErr *projection.ProcessingLoopError
		require.ErrorAs(t, err, &loopErr)
		assert.Equal(t, "loop", loopErr.Projection)
		assert.Zero(t, p.Checkpoint().Len())
	})

	t.Run("registered protobuf payloads are decoded", func(t *testing.T) {
		data, err := proto.Marshal(wrapperspb.String("hello"))
		require.NoError(t, err)

		var got string
		p := projection.New[orderTotals]("typed").
			On("google.protobuf.StringValue", func(ctx context.Context, s *orderTotals, fc *projection.FoldContext) error {
				got = fc.Payload.(*wrapperspb.StringValue).GetValue()
				return nil
			})

		err = p.Fold(ctx, &domain.Event{StreamID: "s", EventType: "google.protobuf.StringValue", Data: data}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	})

	t.Run("plain projections cannot route", func(t *testing.T) {
		p := projection.New[orderTotals]("plain").
			On("x", func(ctx context.Context, s *orderTotals, fc *projection.FoldContext) error {
				return fc.RouteToDestination("k")
			})
		err := p.Fold(ctx, &domain.Event{StreamID: "s", EventType: "x"}, nil, nil)
		assert.ErrorIs(t, err, projection.ErrRoutingUnsupported)
	})
}

func TestJSON(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	seedOrder(t, events, "1", 3)

	p := newOrderProjection(events)
	_, err := p.UpdateToVersion(ctx, domain.LatestVersionToken("order", "1"))
	require.NoError(t, err)

	data, err := p.ToJSON()
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.JSONEq(t, `{"order__1":"2"}`, string(fields[projection.FieldCheckpoint]))
	assert.JSONEq(t, `"`+p.Fingerprint()+`"`, string(fields[projection.FieldCheckpointFingerprint]))
	assert.JSONEq(t, `3`, string(fields["items"]))

	t.Run("round trip", func(t *testing.T) {
		restored := newOrderProjection(events)
		require.NoError(t, restored.LoadJSON(data))
		assert.Equal(t, p.State(), restored.State())
		assert.True(t, p.Checkpoint().Equal(restored.Checkpoint()))
		assert.Equal(t, p.Fingerprint(), restored.Fingerprint())

		res, err := restored.UpdateToVersion(ctx, domain.NewVersionToken("order", "1", 2))
		require.NoError(t, err)
		assert.True(t, res.UpToDate)
	})

	t.Run("empty checkpoint has null fingerprint", func(t *testing.T) {
		data, err := projection.New[orderTotals]("empty").ToJSON()
		require.NoError(t, err)
		var fields map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &fields))
		assert.Equal(t, "null", string(fields[projection.FieldCheckpointFingerprint]))
		assert.JSONEq(t, `{}`, string(fields[projection.FieldCheckpoint]))
	})

	t.Run("stale fingerprint is recomputed", func(t *testing.T) {
		restored := projection.New[orderTotals]("stale")
		require.NoError(t, restored.LoadJSON([]byte(`{"items":1,"$checkpoint":{"a":"5"},"$checkpointFingerprint":"bogus"}`)))
		assert.NotEqual(t, "bogus", restored.Fingerprint())
		assert.Equal(t, 1, restored.State().Items)
	})

	t.Run("non-object state is rejected", func(t *testing.T) {
		_, err := projection.New[int]("scalar").ToJSON()
		assert.ErrorIs(t, err, projection.ErrInvalidState)
	})
}
