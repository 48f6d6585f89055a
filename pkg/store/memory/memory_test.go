package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/store"
	"github.com/plaenen/projections/pkg/store/memory"
)

func TestEventStore(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()

	appended, err := events.Append(ctx, "order", "1",
		&domain.Event{EventType: "order.Placed"},
		&domain.Event{EventType: "order.ItemAdded"},
		&domain.Event{EventType: "order.ItemAdded"},
	)
	require.NoError(t, err)
	require.Len(t, appended, 3)
	assert.Equal(t, int64(2), appended[2].Version)
	assert.NotEmpty(t, appended[0].ID)

	doc, err := events.Get(ctx, "order", "1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.CurrentVersion)
	assert.Equal(t, memory.StreamType, doc.StreamType)

	stream, err := events.Open(ctx, doc)
	require.NoError(t, err)
	until := int64(1)
	read, err := stream.Read(ctx, 1, &until)
	require.NoError(t, err)
	require.Len(t, read, 1)
	assert.Equal(t, "order.ItemAdded", read[0].EventType)

	_, err = events.Get(ctx, "order", "2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = events.Open(ctx, &domain.Document{})
	assert.Error(t, err)
}

func TestEventStore_ObjectIDs(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	for _, id := range []string{"b", "a", "c"} {
		_, err := events.Append(ctx, "customer", id, &domain.Event{EventType: "customer.Registered"})
		require.NoError(t, err)
	}

	page, err := events.GetObjectIDs(ctx, "customer", nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, page.Items)
	require.True(t, page.HasMore)

	page, err = events.GetObjectIDs(ctx, "customer", page.ContinuationToken, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, page.Items)
	assert.False(t, page.HasMore)

	bad := "x"
	_, err = events.GetObjectIDs(ctx, "customer", &bad, 2)
	assert.ErrorIs(t, err, store.ErrInvalidContinuationToken)

	n, err := events.Count(ctx, "customer")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestStatusStore(t *testing.T) {
	ctx := context.Background()
	statuses := memory.NewStatusStore()

	_, err := statuses.Load(ctx, "totals", "1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	info := &store.ProjectionStatusInfo{
		ProjectionName: "totals",
		ObjectID:       "1",
		Status:         store.ProjectionStatusRebuilding,
		Rebuild:        &store.RebuildInfo{Token: "tok"},
	}
	require.NoError(t, statuses.Save(ctx, info))
	require.NoError(t, statuses.Save(ctx, &store.ProjectionStatusInfo{ProjectionName: "totals", ObjectID: "0", Status: store.ProjectionStatusActive}))

	// the store keeps its own copy
	info.Rebuild.Token = "changed"
	loaded, err := statuses.Load(ctx, "totals", "1")
	require.NoError(t, err)
	assert.Equal(t, "tok", loaded.Rebuild.Token)

	all, err := statuses.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "0", all[0].ObjectID)

	rebuilding, err := statuses.List(ctx, store.ProjectionStatusRebuilding)
	require.NoError(t, err)
	assert.Len(t, rebuilding, 1)
}

func TestProjectionStore(t *testing.T) {
	ctx := context.Background()
	projections := memory.NewProjectionStore()

	data := []byte(`{"n":1}`)
	require.NoError(t, projections.Save(ctx, "totals", "1", data))
	data[0] = 'x'

	loaded, err := projections.Load(ctx, "totals", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(loaded))

	require.NoError(t, projections.Delete(ctx, "totals", "1"))
	_, err = projections.Load(ctx, "totals", "1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
