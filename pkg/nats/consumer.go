package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/rebuild"
)

// Applier applies a version token to one projection.
type Applier interface {
	Name() string
	Apply(ctx context.Context, token *domain.VersionToken) (*rebuild.ProjectionUpdateResult, error)
}

// Consumer feeds the tokens of one object type to inline processors.
// It implements runner.Service.
type Consumer struct {
	bus        *TokenBus
	objectName string
	durable    string
	appliers   []Applier
	logger     *slog.Logger

	mu  sync.Mutex
	sub *Subscription
}

// NewConsumer creates a consumer for objectName. Consumers with the same
// durable name share the work.
func NewConsumer(bus *TokenBus, objectName, durable string, logger *slog.Logger, appliers ...Applier) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		bus:        bus,
		objectName: objectName,
		durable:    durable,
		appliers:   appliers,
		logger:     logger.With("object_name", objectName),
	}
}

func (c *Consumer) Name() string { return "token-consumer-" + c.durable }

func (c *Consumer) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return nil
	}
	sub, err := c.bus.Subscribe(c.objectName, c.durable, c.Handle)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

func (c *Consumer) Stop(context.Context) error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// HealthCheck reports whether the consumer is subscribed and connected.
func (c *Consumer) HealthCheck(context.Context) error {
	c.mu.Lock()
	subscribed := c.sub != nil
	c.mu.Unlock()
	if !subscribed {
		return fmt.Errorf("consumer %s is not subscribed", c.durable)
	}
	if !c.bus.Conn().IsConnected() {
		return fmt.Errorf("nats connection is %s", c.bus.Conn().Status())
	}
	return nil
}

// Handle applies token to every projection. Appliers that already processed the
// token see it as up to date on redelivery. A projection paused by a rebuild
// defers the token.
func (c *Consumer) Handle(ctx context.Context, token *domain.VersionToken) error {
	deferred := false
	for _, a := range c.appliers {
		res, err := a.Apply(ctx, token)
		if err != nil {
			return fmt.Errorf("apply %s to %s: %w", token, a.Name(), err)
		}
		if res.SkippedDueToStatus && res.Status.IsRebuilding() {
			deferred = true
		}
	}
	if deferred {
		return ErrDeferred
	}
	return nil
}
