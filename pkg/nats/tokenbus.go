// Package nats carries version tokens between writers and projection workers
// over NATS JetStream.
//
// Writers publish a token after appending events; workers consume tokens and
// bring their projections up to the announced version.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/projections/pkg/domain"
)

// ErrDeferred asks the bus to redeliver a token after Config.RetryDelay
// instead of immediately.
var ErrDeferred = errors.New("token deferred")

// TokenHandler handles one version token. Returning an error redelivers the token.
type TokenHandler func(ctx context.Context, token *domain.VersionToken) error

// Config holds configuration for the token bus.
type Config struct {
	ConnectionConfig

	// StreamName is the JetStream stream holding tokens
	StreamName string

	// SubjectPrefix prefixes every token subject: "<prefix>.<object name>"
	SubjectPrefix string

	// MaxAge is how long to retain tokens in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64

	Storage nats.StorageType

	// AckWait is how long a worker may take before a token is redelivered
	AckWait time.Duration

	// RetryDelay is the redelivery delay of deferred tokens
	RetryDelay time.Duration
}

// DefaultConfig returns defaults for a local server.
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		StreamName:       "PROJECTION_TOKENS",
		SubjectPrefix:    "tokens",
		MaxAge:           24 * time.Hour,
		MaxBytes:         256 * 1024 * 1024,
		Storage:          nats.FileStorage,
		AckWait:          30 * time.Second,
		RetryDelay:       5 * time.Second,
	}
}

// TokenBus publishes and subscribes to version tokens on JetStream.
type TokenBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewTokenBus connects to NATS and creates or updates the token stream.
func NewTokenBus(config Config, logger *slog.Logger) (*TokenBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := Connect(config.ConnectionConfig, logger)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bus := &TokenBus{
		nc:     nc,
		js:     js,
		config: config,
		logger: logger.With("stream", config.StreamName),
		subs:   make(map[string]*nats.Subscription),
	}
	if err := bus.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return bus, nil
}

func (b *TokenBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       b.config.StreamName,
		Subjects:   []string{b.config.SubjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     b.config.MaxAge,
		MaxBytes:   b.config.MaxBytes,
		Storage:    b.config.Storage,
		Replicas:   1,
		Duplicates: time.Minute,
	}

	info, err := b.js.StreamInfo(b.config.StreamName)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if info.Config.MaxAge != b.config.MaxAge || info.Config.MaxBytes != b.config.MaxBytes {
		if _, err := b.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}
	return nil
}

// Subject returns the subject tokens of objectName are published on.
func (b *TokenBus) Subject(objectName string) string {
	return b.config.SubjectPrefix + "." + subjectToken(objectName)
}

// subjectToken makes s safe for use as one subject token or durable name.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}

// Publish announces a token. Tokens naming an explicit version are deduplicated
// by stream and version.
func (b *TokenBus) Publish(ctx context.Context, token *domain.VersionToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to serialize token %s: %w", token, err)
	}

	msg := nats.NewMsg(b.Subject(token.ObjectName))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")

	opts := []nats.PubOpt{nats.Context(ctx)}
	if !token.TryUpdateToLatestVersion {
		opts = append(opts, nats.MsgId(token.String()))
	}
	if _, err := b.js.PublishMsg(msg, opts...); err != nil {
		return fmt.Errorf("failed to publish token %s: %w", token, err)
	}
	return nil
}

// PublishEvents announces the tokens of freshly appended events.
func (b *TokenBus) PublishEvents(ctx context.Context, doc *domain.Document, events ...*domain.Event) error {
	for _, e := range events {
		if err := b.Publish(ctx, domain.NewVersionTokenFromEvent(doc, e)); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe delivers tokens of objectName to handler through the durable queue
// group named durable. Workers sharing a durable name split the tokens.
func (b *TokenBus) Subscribe(objectName, durable string, handler TokenHandler) (*Subscription, error) {
	durable = subjectToken(durable)
	logger := b.logger.With("object_name", objectName, "durable", durable)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[durable]; exists {
		return nil, fmt.Errorf("durable %s is already subscribed", durable)
	}

	sub, err := b.js.QueueSubscribe(
		b.Subject(objectName),
		durable,
		func(msg *nats.Msg) {
			var token domain.VersionToken
			if err := json.Unmarshal(msg.Data, &token); err != nil {
				// poison message, redelivery will not help
				logger.Error("dropping malformed token", "error", err)
				msg.Term()
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), b.config.AckWait)
			defer cancel()
			err := handler(ctx, &token)
			if errors.Is(err, ErrDeferred) {
				logger.Debug("token deferred", "token", token.String(), "delay", b.config.RetryDelay)
				msg.NakWithDelay(b.config.RetryDelay)
				return
			}
			if err != nil {
				logger.Warn("token handler failed, redelivering", "token", token.String(), "error", err)
				msg.Nak()
				return
			}
			msg.Ack()
		},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(b.config.AckWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	b.subs[durable] = sub
	return &Subscription{bus: b, sub: sub, durable: durable}, nil
}

// Conn returns the underlying connection.
func (b *TokenBus) Conn() *nats.Conn {
	return b.nc
}

// Close drains subscriptions and closes the connection.
func (b *TokenBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for durable, sub := range b.subs {
		sub.Unsubscribe()
		delete(b.subs, durable)
	}
	b.nc.Close()
	return nil
}

// Subscription is an active token subscription.
type Subscription struct {
	bus     *TokenBus
	sub     *nats.Subscription
	durable string
}

// Unsubscribe stops delivery after in-flight tokens are handled.
func (s *Subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s.durable)
	return s.sub.Drain()
}
