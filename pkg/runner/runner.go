// Package runner hosts long-lived services such as the rebuild sweeper and the
// inline update subscriber. Services start in order and stop in reverse order.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Runner manages the lifecycle of multiple services.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
	handleSignals   bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for the runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithShutdownTimeout sets the timeout for graceful shutdown.
// Default is 30 seconds.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout sets the timeout for each service start.
// Default is 1 minute.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// WithoutSignalHandling stops Run from listening for SIGINT/SIGTERM; only
// context cancellation ends it.
func WithoutSignalHandling() Option {
	return func(r *Runner) {
		r.handleSignals = false
	}
}

// New creates a new Runner with the given services and options.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  1 * time.Minute,
		handleSignals:   true,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts all services and blocks until the context is cancelled or a
// shutdown signal arrives, then stops them gracefully.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.handleSignals {
		var stop context.CancelFunc
		ctx, stop = NotifyShutdown(ctx)
		defer stop()
	}

	r.logger.Info("starting services", "count", len(r.services))
	started := make([]Service, 0, len(r.services))

	for _, service := range r.services {
		r.logger.Debug("starting service", "service", service.Name())

		startCtx, startCancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		startCancel()

		if err != nil {
			r.logger.Error("failed to start service",
				"service", service.Name(),
				"error", err)

			if stopErr := r.stopServices(started); stopErr != nil {
				return errors.Join(fmt.Errorf("start service %s: %w", service.Name(), err), stopErr)
			}
			return fmt.Errorf("start service %s: %w", service.Name(), err)
		}

		started = append(started, service)
		r.logger.Info("service started", "service", service.Name())
	}

	<-ctx.Done()

	r.logger.Info("shutting down services gracefully", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// stopServices stops services in reverse start order. All stops share one
// shutdown deadline; a failed stop does not prevent the remaining ones.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := ctx.Err(); err != nil {
			r.logger.Error("shutdown timeout exceeded", "timeout", r.shutdownTimeout, "service", svc.Name())
			errs = append(errs, fmt.Errorf("stop %s: shutdown timeout exceeded after %s", svc.Name(), r.shutdownTimeout))
			continue
		}
		if err := svc.Stop(ctx); err != nil {
			r.logger.Error("error stopping service", "service", svc.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		r.logger.Info("service stopped", "service", svc.Name())
	}
	return errors.Join(errs...)
}

// HealthCheck checks the health of all services that implement HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
			}
		}
	}
	return nil
}
