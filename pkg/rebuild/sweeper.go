package rebuild

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the Sweeper looks for expired leases.
const DefaultSweepInterval = time.Minute

// Sweeper periodically runs RecoverStuckRebuilds. It implements runner.Service.
type Sweeper struct {
	coordinator *Coordinator
	interval    time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper. A non-positive interval selects DefaultSweepInterval.
func NewSweeper(coordinator *Coordinator, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{coordinator: coordinator, interval: interval, logger: logger}
}

func (s *Sweeper) Name() string { return "rebuild-sweeper" }

// Start launches the sweep loop in the background.
func (s *Sweeper) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	return nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.coordinator.RecoverStuckRebuilds(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("rebuild sweep failed", "error", err)
			}
		}
	}
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
