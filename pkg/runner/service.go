package runner

import "context"

// Service is a component hosted by the Runner.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start returns once the service is running. Background work must outlive
	// ctx, which only bounds startup.
	Start(ctx context.Context) error

	// Stop shuts the service down within the context deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health.
type HealthChecker interface {
	Service
	HealthCheck(ctx context.Context) error
}

// FuncService adapts a pair of functions to Service.
type FuncService struct {
	ServiceName string
	StartFunc   func(ctx context.Context) error
	StopFunc    func(ctx context.Context) error
}

func (s FuncService) Name() string { return s.ServiceName }

func (s FuncService) Start(ctx context.Context) error {
	if s.StartFunc == nil {
		return nil
	}
	return s.StartFunc(ctx)
}

func (s FuncService) Stop(ctx context.Context) error {
	if s.StopFunc == nil {
		return nil
	}
	return s.StopFunc(ctx)
}
