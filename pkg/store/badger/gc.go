package badger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// GCService periodically garbage collects the value log. It implements runner.Service.
type GCService struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGCService creates a GC service. It does nothing until started.
func NewGCService(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCService, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio < 0 || ratio > 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GCService{db: db, interval: interval, ratio: ratio, logger: logger}, nil
}

func (s *GCService) Name() string { return "badger-gc" }

func (s *GCService) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	return nil
}

func (s *GCService) Stop(ctx context.Context) error {
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

func (s *GCService) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *GCService) collect() {
	// ErrNoRewrite means there was nothing worth collecting
	err := s.db.RunValueLogGC(s.ratio)
	switch {
	case err == nil:
		s.logger.Debug("badger value log GC completed")
	case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
	default:
		s.logger.Warn("badger value log GC failed", "error", err)
	}
}
