package rebuild_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/projections/pkg/rebuild"
	"github.com/plaenen/projections/pkg/store"
	"github.com/plaenen/projections/pkg/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCoordinator(clock *fakeClock) *rebuild.Coordinator {
	return rebuild.NewCoordinator(
		rebuild.WithClock(clock.Now),
		rebuild.WithLeaseTimeout(time.Minute),
		rebuild.WithLogger(slog.New(slog.DiscardHandler)),
	)
}

func requireStatus(t *testing.T, c *rebuild.Coordinator, want store.ProjectionStatus) {
	t.Helper()
	info, err := c.GetStatus(context.Background(), "orders", "1")
	require.NoError(t, err)
	assert.Equal(t, want, info.Status)
}

func TestCoordinator_BlockingFlow(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(newFakeClock())

	requireStatus(t, c, store.ProjectionStatusActive)
	ok, err := c.ShouldProcessInlineUpdates(ctx, "orders", "1")
	require.NoError(t, err)
	assert.True(t, ok)

	token, err := c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking)
	require.NoError(t, err)
	assert.NotEmpty(t, token.Value)
	requireStatus(t, c, store.ProjectionStatusRebuilding)

	ok, err = c.ShouldProcessInlineUpdates(ctx, "orders", "1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.StartCatchUp(ctx, token))
	requireStatus(t, c, store.ProjectionStatusCatchingUp)

	require.NoError(t, c.CompleteRebuild(ctx, token))
	requireStatus(t, c, store.ProjectionStatusActive)

	info, err := c.GetStatus(ctx, "orders", "1")
	require.NoError(t, err)
	require.NotNil(t, info.Rebuild)
	assert.NotNil(t, info.Rebuild.CompletedAt)
	assert.Equal(t, token.Value, info.Rebuild.Token)

	_, held := c.ActiveToken("orders", "1")
	assert.False(t, held)
}

func TestCoordinator_BlueGreenFlow(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(newFakeClock())

	token, err := c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlueGreen)
	require.NoError(t, err)
	require.NoError(t, c.MarkReady(ctx, token))
	requireStatus(t, c, store.ProjectionStatusReady)

	err = c.StartCatchUp(ctx, token)
	assert.ErrorIs(t, err, rebuild.ErrInvalidTransition)

	require.NoError(t, c.CompleteRebuild(ctx, token))
	requireStatus(t, c, store.ProjectionStatusActive)
}

func TestCoordinator_SchemaVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("advances from start to complete", func(t *testing.T) {
		c := newCoordinator(newFakeClock())

		token, err := c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlueGreen)
		require.NoError(t, err)
		assert.Equal(t, 1, token.SchemaVersion)

		info, err := c.GetStatus(ctx, "orders", "1")
		require.NoError(t, err)
		assert.Equal(t, 0, info.SchemaVersion)
		require.NotNil(t, info.Rebuild)
		assert.Equal(t, 1, info.Rebuild.SchemaVersion)

		require.NoError(t, c.MarkReady(ctx, token))
		require.NoError(t, c.CompleteRebuild(ctx, token))
		info, err = c.GetStatus(ctx, "orders", "1")
		require.NoError(t, err)
		assert.Equal(t, 1, info.SchemaVersion)

		token, err = c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking, rebuild.WithSchemaVersion(5))
		require.NoError(t, err)
		require.NoError(t, c.CompleteRebuild(ctx, token))
		info, err = c.GetStatus(ctx, "orders", "1")
		require.NoError(t, err)
		assert.Equal(t, 5, info.SchemaVersion)
	})

	t.Run("cancel keeps the current version", func(t *testing.T) {
		c := newCoordinator(newFakeClock())

		_, err := c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking)
		require.NoError(t, err)
		require.NoError(t, c.CancelRebuild(ctx, "orders", "1", "boom"))

		info, err := c.GetStatus(ctx, "orders", "1")
		require.NoError(t, err)
		assert.Equal(t, 0, info.SchemaVersion)
	})

	t.Run("must advance", func(t *testing.T) {
		c := newCoordinator(newFakeClock())

		token, err := c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking, rebuild.WithSchemaVersion(2))
		require.NoError(t, err)
		require.NoError(t, c.CompleteRebuild(ctx, token))

		_, err = c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking, rebuild.WithSchemaVersion(2))
		require.ErrorIs(t, err, rebuild.ErrSchemaVersion)
		requireStatus(t, c, store.ProjectionStatusActive)
	})
}

func TestCoordinator_TokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(newFakeClock())

	token, err := c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking)
	require.NoError(t, err)
	require.NoError(t, c.CompleteRebuild(ctx, token))

	for name, call := range map[string]func() error{
		"complete":   func() error { return c.CompleteRebuild(ctx, token) },
		"catch up":   func() error { return c.StartCatchUp(ctx, token) },
		"mark ready": func() error { return c.MarkReady(ctx, token) },
	} {
		t.Run(name, func(t *testing.T) {
			err := call()
			require.ErrorIs(t, err, rebuild.ErrInvalidToken)
			var tokenErr *rebuild.InvalidTokenError
			require.ErrorAs(t, err, &tokenErr)
			assert.Equal(t, rebuild.TokenUnknown, tokenErr.Problem)
		})
	}
	requireStatus(t, c, store.ProjectionStatusActive)
}

func TestCoordinator_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(newFakeClock())

	first, err := c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking)
	require.NoError(t, err)
	second, err := c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking)
	require.NoError(t, err)
	require.NotEqual(t, first.Value, second.Value)

	err = c.StartCatchUp(ctx, first)
	var tokenErr *rebuild.InvalidTokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, rebuild.TokenMismatch, tokenErr.Problem)

	require.NoError(t, c.StartCatchUp(ctx, second))
}

func TestCoordinator_ExpiredToken(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newCoordinator(clock)

	token, err := c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	err = c.CompleteRebuild(ctx, token)
	var tokenErr *rebuild.InvalidTokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, rebuild.TokenExpired, tokenErr.Problem)
	requireStatus(t, c, store.ProjectionStatusRebuilding)
}

func TestCoordinator_CancelRebuild(t *testing.T) {
	ctx := context.Background()

	t.Run("without message returns to active", func(t *testing.T) {
		c := newCoordinator(newFakeClock())
		token, err := c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking)
		require.NoError(t, err)

		require.NoError(t, c.CancelRebuild(ctx, "orders", "1", ""))
		requireStatus(t, c, store.ProjectionStatusActive)
		assert.ErrorIs(t, c.CompleteRebuild(ctx, token), rebuild.ErrInvalidToken)
	})

	t.Run("with message fails", func(t *testing.T) {
		c := newCoordinator(newFakeClock())
		_, err := c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking)
		require.NoError(t, err)

		require.NoError(t, c.CancelRebuild(ctx, "orders", "1", "schema broken"))
		info, err := c.GetStatus(ctx, "orders", "1")
		require.NoError(t, err)
		assert.Equal(t, store.ProjectionStatusFailed, info.Status)
		assert.Equal(t, "schema broken", info.Rebuild.Error)
	})

	t.Run("without a rebuild still succeeds", func(t *testing.T) {
		c := newCoordinator(newFakeClock())
		require.NoError(t, c.CancelRebuild(ctx, "orders", "1", ""))
		requireStatus(t, c, store.ProjectionStatusActive)
	})
}

func TestCoordinator_DisableEnable(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(newFakeClock())

	require.NoError(t, c.Disable(ctx, "orders", "1"))
	requireStatus(t, c, store.ProjectionStatusDisabled)
	ok, err := c.ShouldProcessInlineUpdates(ctx, "orders", "1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking)
	assert.ErrorIs(t, err, rebuild.ErrInvalidTransition)

	require.NoError(t, c.Enable(ctx, "orders", "1"))
	requireStatus(t, c, store.ProjectionStatusActive)

	_, err = c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Disable(ctx, "orders", "1"), rebuild.ErrInvalidTransition)
}

func TestCoordinator_Archive(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(newFakeClock())

	_, err := c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlueGreen)
	require.NoError(t, err)
	require.NoError(t, c.Archive(ctx, "orders", "1"))
	requireStatus(t, c, store.ProjectionStatusArchived)

	_, held := c.ActiveToken("orders", "1")
	assert.False(t, held)

	archived, err := c.List(ctx, store.ProjectionStatusArchived)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "orders", archived[0].ProjectionName)
}

func TestCoordinator_RecoverStuckRebuilds(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newCoordinator(clock)

	stuck, err := c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking)
	require.NoError(t, err)
	require.NoError(t, c.StartCatchUp(ctx, stuck))

	clock.Advance(30 * time.Second)
	fresh, err := c.StartRebuild(ctx, "orders", "2", store.RebuildStrategyBlocking)
	require.NoError(t, err)

	clock.Advance(45 * time.Second)
	n, err := c.RecoverStuckRebuilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, err := c.GetStatus(ctx, "orders", "1")
	require.NoError(t, err)
	assert.Equal(t, store.ProjectionStatusFailed, info.Status)
	assert.Contains(t, info.Rebuild.Error, "lease expired")
	assert.ErrorIs(t, c.CompleteRebuild(ctx, stuck), rebuild.ErrInvalidToken)

	info, err = c.GetStatus(ctx, "orders", "2")
	require.NoError(t, err)
	assert.Equal(t, store.ProjectionStatusRebuilding, info.Status)
	require.NoError(t, c.StartCatchUp(ctx, fresh))

	n, err = c.RecoverStuckRebuilds(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// a failed projection can be rebuilt again
	_, err = c.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlocking)
	require.NoError(t, err)
}

func TestCoordinator_RecoverOrphanedRebuilds(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	statuses := memory.NewStatusStore()
	opts := []rebuild.Option{
		rebuild.WithStatusStore(statuses),
		rebuild.WithClock(clock.Now),
		rebuild.WithLeaseTimeout(time.Minute),
		rebuild.WithLogger(slog.New(slog.DiscardHandler)),
	}

	crashed := rebuild.NewCoordinator(opts...)
	_, err := crashed.StartRebuild(ctx, "orders", "1", store.RebuildStrategyBlueGreen)
	require.NoError(t, err)

	restarted := rebuild.NewCoordinator(opts...)
	n, err := restarted.RecoverStuckRebuilds(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease recorded by the previous process has not expired yet")

	clock.Advance(2 * time.Minute)
	n, err = restarted.RecoverStuckRebuilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, err := restarted.GetStatus(ctx, "orders", "1")
	require.NoError(t, err)
	assert.Equal(t, store.ProjectionStatusFailed, info.Status)
	assert.Contains(t, info.Rebuild.Error, "lease expired")
}

func TestCoordinator_ConcurrentKeys(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(newFakeClock())

	var wg sync.WaitGroup
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := c.StartRebuild(ctx, "orders", id, store.RebuildStrategyBlocking)
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, c.StartCatchUp(ctx, token))
			assert.NoError(t, c.CompleteRebuild(ctx, token))
		}()
	}
	wg.Wait()

	active, err := c.List(ctx, store.ProjectionStatusActive)
	require.NoError(t, err)
	assert.Len(t, active, len(ids))
}
