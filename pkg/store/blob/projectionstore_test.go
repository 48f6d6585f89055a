package blob_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/plaenen/projections/pkg/store"
	"github.com/plaenen/projections/pkg/store/blob"
)

func TestProjectionStore(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })

	projections := blob.NewProjectionStore(bucket,
		blob.WithPrefix("projections/"),
		blob.WithLogger(slog.New(slog.DiscardHandler)),
	)

	_, err := projections.Load(ctx, "totals", "1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, projections.Save(ctx, "totals", "1", []byte(`{"count":1}`)))
	require.NoError(t, projections.Save(ctx, "totals", "1", []byte(`{"count":2}`)))

	data, err := projections.Load(ctx, "totals", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":2}`, string(data))

	exists, err := bucket.Exists(ctx, "projections/totals/1.json")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, projections.Delete(ctx, "totals", "1"))
	require.NoError(t, projections.Delete(ctx, "totals", "1"))
	_, err = projections.Load(ctx, "totals", "1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProjectionStore_EscapesKeys(t *testing.T) {
	ctx := context.Background()
	projections, err := blob.OpenProjectionStore(ctx, "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { projections.Close() })

	require.NoError(t, projections.Save(ctx, "totals", "a/b", []byte(`{}`)))
	_, err = projections.Load(ctx, "totals", "a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	data, err := projections.Load(ctx, "totals", "a/b")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}
