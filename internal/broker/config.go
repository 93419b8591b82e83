// ABOUTME: Builds broker dialers and client options from the YAML configuration
// ABOUTME: Selects the in-process transport for memory:// and AMQP otherwise

package broker

import (
	"log/slog"

	"github.com/2389/coven-relay/internal/config"
)

// DialerFromConfig returns the transport selected by cfg. Every call with
// memory:// returns a fresh in-process broker, so callers that need to
// share one must reuse the returned dialer.
func DialerFromConfig(cfg config.BrokerConfig, connectionName string) Dialer {
	if cfg.IsMemory() {
		return NewMemory()
	}
	return &AMQPDialer{
		URL:            cfg.DSN(),
		Heartbeat:      cfg.Heartbeat,
		ConnectionName: connectionName,
	}
}

// OptionsFromConfig maps the broker section onto client options.
func OptionsFromConfig(cfg config.BrokerConfig, logger *slog.Logger) Options {
	return Options{
		ReconnectDelay:       cfg.ReconnectDelay,
		UnexpectedErrorDelay: cfg.UnexpectedErrorDelay,
		Prefetch:             cfg.Prefetch,
		Logger:               logger,
	}
}
