package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ConnectionConfig describes how to reach the NATS server.
type ConnectionConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Name is the client name for connection identification
	Name string

	MaxReconnects int
	ReconnectWait time.Duration

	// Credentials for authentication (optional)
	Token string
	User  string
	Pass  string
}

// DefaultConnectionConfig returns defaults for a local server.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		URL:           nats.DefaultURL,
		Name:          "projectiond",
		MaxReconnects: 60,
		ReconnectWait: 2 * time.Second,
	}
}

// Connect opens a NATS connection, logging disconnects and reconnects.
func Connect(config ConnectionConfig, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	} else if config.User != "" && config.Pass != "" {
		opts = append(opts, nats.UserInfo(config.User, config.Pass))
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
