package catchup_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/projections/pkg/catchup"
	"github.com/plaenen/projections/pkg/checkpoint"
	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/projection"
	"github.com/plaenen/projections/pkg/store/memory"
)

var quiet = slog.New(slog.DiscardHandler)

// countingCheckpoint records how often its checkpoint is read.
type countingCheckpoint struct {
	cp    *checkpoint.Checkpoint
	reads int
}

func (c *countingCheckpoint) Checkpoint() *checkpoint.Checkpoint {
	c.reads++
	return c.cp
}

func (c *countingCheckpoint) Fingerprint() string {
	return checkpoint.Fingerprint(c.cp)
}

func entries(kv ...any) *checkpoint.Checkpoint {
	c := checkpoint.New()
	for i := 0; i < len(kv); i += 2 {
		c.Set(domain.ObjectIdentifier(kv[i].(string)), domain.FormatVersion(int64(kv[i+1].(int))))
	}
	return c
}

func TestCompare(t *testing.T) {
	ctx := context.Background()
	svc := catchup.NewDiffService(catchup.WithLogger(quiet))

	t.Run("matching fingerprints take the fast path", func(t *testing.T) {
		source := &countingCheckpoint{cp: entries("A", 5, "B", 3)}
		target := &countingCheckpoint{cp: entries("B", 3, "A", 5)}

		diff, err := svc.Compare(ctx, source, target)
		require.NoError(t, err)
		assert.True(t, diff.IsSynced())
		assert.True(t, diff.FastPath)
		assert.Zero(t, source.reads)
		assert.Zero(t, target.reads)
	})

	t.Run("stream missing from target", func(t *testing.T) {
		diff, err := svc.Compare(ctx,
			catchup.FromCheckpoint(entries("A", 5, "B", 3)),
			catchup.FromCheckpoint(entries("A", 5)))
		require.NoError(t, err)

		assert.False(t, diff.IsSynced())
		assert.Equal(t, []domain.ObjectIdentifier{"B"}, diff.MissingStreams)
		require.Len(t, diff.Diffs, 1)
		assert.Equal(t, domain.ObjectIdentifier("B"), diff.Diffs[0].Stream)
		assert.Nil(t, diff.Diffs[0].TargetVersion)
		assert.Equal(t, int64(4), diff.Diffs[0].EstimatedMissingEvents)
		assert.Equal(t, diff.Diffs[0].EstimatedMissingEvents, diff.TotalMissingEvents)
	})

	t.Run("lagging stream estimates the version gap", func(t *testing.T) {
		diff, err := svc.Compare(ctx,
			catchup.FromCheckpoint(entries("A", 9)),
			catchup.FromCheckpoint(entries("A", 4)))
		require.NoError(t, err)
		require.Len(t, diff.Diffs, 1)
		require.NotNil(t, diff.Diffs[0].TargetVersion)
		assert.Equal(t, domain.VersionIdentifier("4"), *diff.Diffs[0].TargetVersion)
		assert.Equal(t, int64(5), diff.TotalMissingEvents)
		assert.Empty(t, diff.MissingStreams)
	})

	t.Run("target ahead is a difference", func(t *testing.T) {
		diff, err := svc.Compare(ctx,
			catchup.FromCheckpoint(entries("A", 4)),
			catchup.FromCheckpoint(entries("A", 9)))
		require.NoError(t, err)
		assert.False(t, diff.IsSynced())
		require.Len(t, diff.Diffs, 1)
		assert.True(t, diff.Diffs[0].TargetAhead)
		assert.Equal(t, int64(5), diff.Diffs[0].EstimatedMissingEvents)
		assert.Zero(t, diff.TotalMissingEvents)
		assert.Empty(t, diff.Lagging())
		assert.Equal(t, []domain.ObjectIdentifier{"A"}, diff.Ahead())
	})

	t.Run("non-numeric versions estimate one event", func(t *testing.T) {
		diff, err := svc.Compare(ctx,
			catchup.FromCheckpoint(checkpoint.FromEntries(checkpoint.Entry{Stream: "A", Version: "v-b"})),
			catchup.FromCheckpoint(checkpoint.FromEntries(checkpoint.Entry{Stream: "A", Version: "v-a"})))
		require.NoError(t, err)
		assert.Equal(t, int64(1), diff.TotalMissingEvents)
	})

	t.Run("differing fingerprints without differing streams are synced", func(t *testing.T) {
		source := catchup.FromCheckpoint(entries("A", 5))
		target := &countingCheckpoint{cp: entries("A", 5, "Z", 1)}

		diff, err := svc.Compare(ctx, source, target)
		require.NoError(t, err)
		assert.True(t, diff.IsSynced())
		assert.False(t, diff.FastPath)
	})

	t.Run("empty checkpoints never take the fast path", func(t *testing.T) {
		target := &countingCheckpoint{cp: checkpoint.New()}
		diff, err := svc.Compare(ctx, catchup.FromCheckpoint(checkpoint.New()), target)
		require.NoError(t, err)
		assert.True(t, diff.IsSynced())
		assert.False(t, diff.FastPath)
		assert.Equal(t, 1, target.reads)
	})
}

type counter struct {
	N int `json:"n"`
}

func counterProjection(name string, events *memory.EventStore) *projection.Projection[counter] {
	return projection.New[counter](name,
		projection.WithDocumentStore(events),
		projection.WithEventStreamFactory(events),
		projection.WithLogger(quiet),
	).On("tick", func(ctx context.Context, s *counter, fc *projection.FoldContext) error {
		s.N++
		return nil
	})
}

func appendTicks(t *testing.T, events *memory.EventStore, id string, n int) {
	t.Helper()
	batch := make([]*domain.Event, n)
	for i := range batch {
		batch[i] = &domain.Event{EventType: "tick"}
	}
	_, err := events.Append(context.Background(), "clock", id, batch...)
	require.NoError(t, err)
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	appendTicks(t, events, "a", 3)
	appendTicks(t, events, "b", 2)

	live := counterProjection("live", events)
	for _, id := range []string{"a", "b"} {
		_, err := live.UpdateToVersion(ctx, domain.LatestVersionToken("clock", id))
		require.NoError(t, err)
	}

	var persisted []string
	svc := catchup.NewDiffService(
		catchup.WithLogger(quiet),
		catchup.WithPersister(func(ctx context.Context, p projection.Folder) error {
			persisted = append(persisted, p.Name())
			return nil
		}),
	)

	rebuilt := counterProjection("rebuilt", events)
	res, err := svc.Sync(ctx, live, rebuilt)
	require.NoError(t, err)
	assert.Equal(t, 5, res.EventsApplied)
	assert.True(t, res.Diff.IsSynced())
	assert.Equal(t, live.Fingerprint(), rebuilt.Fingerprint())
	assert.Equal(t, []string{"rebuilt"}, persisted)

	t.Run("target ahead is not folded", func(t *testing.T) {
		persisted = nil
		res, err := svc.Sync(ctx, catchup.FromCheckpoint(entries("clock__a", 1)), rebuilt)
		require.NoError(t, err)
		assert.Zero(t, res.EventsApplied)
		assert.Equal(t, []domain.ObjectIdentifier{"clock__a"}, res.Diff.Ahead())
		assert.Empty(t, persisted)
	})

	t.Run("unresolvable stream", func(t *testing.T) {
		_, err := svc.Sync(ctx, catchup.FromCheckpoint(entries("not-an-object", 1)), counterProjection("x", events))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot resolve")
	})
}

func TestConvergentCatchUp(t *testing.T) {
	ctx := context.Background()
	opts := catchup.CatchUpOptions{IterationDelay: time.Millisecond}

	t.Run("converges once writes stop", func(t *testing.T) {
		events := memory.NewEventStore()
		appendTicks(t, events, "a", 5)

		live := &headCheckpoint{events: events, objectName: "clock", objectID: "a"}

		// writes keep landing while the target reads its stream
		writes := 0
		events.OnRead(func(ctx context.Context, stream domain.ObjectIdentifier) {
			if writes < 3 {
				writes++
				appendTicks(t, events, "a", 1)
			}
		})
		svc := catchup.NewDiffService(catchup.WithLogger(quiet))
		rebuilt := counterProjection("rebuilt", events)

		res, err := svc.ConvergentCatchUp(ctx, live, rebuilt, opts)
		require.NoError(t, err)
		assert.True(t, res.Converged, res.Reason)
		assert.LessOrEqual(t, res.Iterations, 10)
		assert.GreaterOrEqual(t, res.EventsApplied, 5)
	})

	t.Run("already synced converges in one iteration", func(t *testing.T) {
		svc := catchup.NewDiffService(catchup.WithLogger(quiet))
		events := memory.NewEventStore()
		res, err := svc.ConvergentCatchUp(ctx, catchup.FromCheckpoint(checkpoint.New()), counterProjection("x", events), opts)
		require.NoError(t, err)
		assert.True(t, res.Converged)
		assert.Equal(t, 1, res.Iterations)
		assert.Zero(t, res.EventsApplied)
	})

	t.Run("aborts when too many events are missing", func(t *testing.T) {
		events := memory.NewEventStore()
		source := &growingCheckpoint{stream: domain.NewObjectIdentifier("clock", "a"), step: 2000}
		svc := catchup.NewDiffService(catchup.WithLogger(quiet))

		res, err := svc.ConvergentCatchUp(ctx, source, counterProjection("x", events), opts)
		require.NoError(t, err)
		assert.False(t, res.Converged)
		assert.Equal(t, 1, res.Iterations)
		assert.Contains(t, res.Reason, "MaxEventsPerIteration")
		assert.Contains(t, res.Reason, "1000")
	})

	t.Run("target ahead waits for the source", func(t *testing.T) {
		events := memory.NewEventStore()
		appendTicks(t, events, "a", 5)
		rebuilt := counterProjection("rebuilt", events)
		_, err := rebuilt.UpdateToVersion(ctx, domain.LatestVersionToken("clock", "a"))
		require.NoError(t, err)

		svc := catchup.NewDiffService(catchup.WithLogger(quiet))
		res, err := svc.ConvergentCatchUp(ctx, catchup.FromCheckpoint(entries("clock__a", 2)), rebuilt,
			catchup.CatchUpOptions{MaxIterations: 2, IterationDelay: time.Millisecond})
		require.NoError(t, err)
		assert.False(t, res.Converged)
		assert.Zero(t, res.EventsApplied)
		assert.Contains(t, res.Reason, "target ahead of source on 1 streams")
	})

	t.Run("gives up after max iterations", func(t *testing.T) {
		events := memory.NewEventStore()
		appendTicks(t, events, "a", 1)
		source := &growingCheckpoint{stream: domain.NewObjectIdentifier("clock", "a"), step: 10}
		svc := catchup.NewDiffService(catchup.WithLogger(quiet))

		res, err := svc.ConvergentCatchUp(ctx, source, counterProjection("x", events),
			catchup.CatchUpOptions{MaxIterations: 3, IterationDelay: time.Millisecond})
		require.NoError(t, err)
		assert.False(t, res.Converged)
		assert.Equal(t, 3, res.Iterations)
		assert.Contains(t, res.Reason, "MaxIterations")
	})

	t.Run("cancellation is an error", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		svc := catchup.NewDiffService(catchup.WithLogger(quiet))
		_, err := svc.ConvergentCatchUp(cctx, catchup.FromCheckpoint(entries("clock__a", 1)), counterProjection("x", memory.NewEventStore()), opts)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// headCheckpoint reports the head of one object's stream, like a live
// projection that keeps up with every write.
type headCheckpoint struct {
	events     *memory.EventStore
	objectName string
	objectID   string
}

func (h *headCheckpoint) Checkpoint() *checkpoint.Checkpoint {
	doc, err := h.events.Get(context.Background(), h.objectName, h.objectID)
	if err != nil {
		return checkpoint.New()
	}
	return checkpoint.FromEntries(checkpoint.Entry{Stream: doc.StreamID, Version: domain.FormatVersion(doc.CurrentVersion)})
}

func (h *headCheckpoint) Fingerprint() string {
	return checkpoint.Fingerprint(h.Checkpoint())
}

// growingCheckpoint moves its single stream forward by step on every read,
// like a live projection under sustained writes.
type growingCheckpoint struct {
	stream  domain.ObjectIdentifier
	step    int64
	version int64
}

func (g *growingCheckpoint) Checkpoint() *checkpoint.Checkpoint {
	g.version += g.step
	return checkpoint.FromEntries(checkpoint.Entry{Stream: g.stream, Version: domain.FormatVersion(g.version)})
}

func (g *growingCheckpoint) Fingerprint() string {
	return "growing"
}
