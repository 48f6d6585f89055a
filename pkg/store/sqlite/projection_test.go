package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/projection"
	"github.com/plaenen/projections/pkg/store/sqlite"
)

type itemCount struct {
	Items int `json:"items"`
}

func TestProjectionOverSQLite(t *testing.T) {
	ctx := context.Background()
	events := newEventStore(t)
	projections := sqlite.NewProjectionStore(events.DB())

	_, err := events.Append(ctx, "order", "1",
		&domain.Event{EventType: "order.ItemAdded"},
		&domain.Event{EventType: "order.ItemAdded"},
	)
	require.NoError(t, err)

	newProjection := func() *projection.Projection[itemCount] {
		return projection.New[itemCount]("item-count",
			projection.WithDocumentStore(events),
			projection.WithEventStreamFactory(events),
		).On("order.ItemAdded", func(ctx context.Context, s *itemCount, fc *projection.FoldContext) error {
			s.Items++
			return nil
		})
	}

	p := newProjection()
	res, err := p.UpdateToVersion(ctx, domain.LatestVersionToken("order", "1"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.EventsApplied)

	data, err := p.ToJSON()
	require.NoError(t, err)
	require.NoError(t, projections.Save(ctx, "item-count", "1", data))

	_, err = events.Append(ctx, "order", "1", &domain.Event{EventType: "order.ItemAdded"})
	require.NoError(t, err)

	stored, err := projections.Load(ctx, "item-count", "1")
	require.NoError(t, err)
	resumed := newProjection()
	require.NoError(t, resumed.LoadJSON(stored))
	assert.Equal(t, p.Fingerprint(), resumed.Fingerprint())

	res, err = resumed.UpdateToVersion(ctx, domain.LatestVersionToken("order", "1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsApplied)
	assert.Equal(t, 3, resumed.State().Items)
}
