package runner_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/projections/pkg/runner"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func service(rec *recorder, name string, startErr error) runner.Service {
	return runner.FuncService{
		ServiceName: name,
		StartFunc: func(ctx context.Context) error {
			rec.add("start " + name)
			return startErr
		},
		StopFunc: func(ctx context.Context) error {
			rec.add("stop " + name)
			return nil
		},
	}
}

func TestRunner(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("starts in order and stops on cancel", func(t *testing.T) {
		rec := &recorder{}
		r := runner.New([]runner.Service{service(rec, "a", nil), service(rec, "b", nil)},
			runner.WithLogger(logger),
			runner.WithoutSignalHandling(),
		)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- r.Run(ctx) }()

		require.Eventually(t, func() bool { return len(rec.list()) == 2 }, time.Second, 5*time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("runner did not stop")
		}
		events := rec.list()
		assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, events)
	})

	t.Run("failed start stops started services", func(t *testing.T) {
		rec := &recorder{}
		boom := errors.New("boom")
		r := runner.New([]runner.Service{service(rec, "a", nil), service(rec, "b", boom), service(rec, "c", nil)},
			runner.WithLogger(logger),
			runner.WithoutSignalHandling(),
		)

		err := r.Run(context.Background())
		require.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"start a", "start b", "stop a"}, rec.list())
	})
}

type checked struct {
	runner.FuncService
	err error
}

func (c checked) HealthCheck(context.Context) error { return c.err }

func TestRunner_HealthCheck(t *testing.T) {
	ctx := context.Background()
	down := errors.New("disconnected")

	healthy := runner.New([]runner.Service{
		runner.FuncService{ServiceName: "plain"},
		checked{FuncService: runner.FuncService{ServiceName: "consumer"}},
	})
	assert.NoError(t, healthy.HealthCheck(ctx))

	unhealthy := runner.New([]runner.Service{
		checked{FuncService: runner.FuncService{ServiceName: "consumer"}, err: down},
	})
	err := unhealthy.HealthCheck(ctx)
	require.ErrorIs(t, err, down)
	assert.Contains(t, err.Error(), "consumer")
}
