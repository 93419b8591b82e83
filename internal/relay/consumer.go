// ABOUTME: Answer-queue ingress loop that routes events to live sessions
// ABOUTME: Acks on handoff, rejects malformed bodies, discards unroutable events

package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/wire"
)

// QueueConsumer is the broker operation the consumer needs.
type QueueConsumer interface {
	Consume(ctx context.Context, queue string, handle broker.Handler) error
}

// Router hands an event to the session that owns it.
type Router interface {
	Deliver(ev wire.AnswerEvent) bool
}

// ConsumerStats counts what the ingress loop did with each message.
type ConsumerStats struct {
	Delivered  int64 `json:"delivered"`
	Unroutable int64 `json:"unroutable"`
	Rejected   int64 `json:"rejected"`
}

// Consumer drains the answer queue into the session registry.
type Consumer struct {
	broker QueueConsumer
	queue  string
	router Router
	logger *slog.Logger

	delivered  atomic.Int64
	unroutable atomic.Int64
	rejected   atomic.Int64
}

// NewConsumer creates a consumer. Pass nil logger for default.
func NewConsumer(b QueueConsumer, queue string, router Router, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		broker: b,
		queue:  queue,
		router: router,
		logger: logger.With("component", "answer_consumer"),
	}
}

// Run consumes until ctx is cancelled. Reconnection is handled by the broker
// client; Run returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("answer consumer starting", "queue", c.queue)
	err := c.broker.Consume(ctx, c.queue, c.handle)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (c *Consumer) handle(_ context.Context, d broker.Delivery) {
	ev, err := wire.DecodeAnswer(d.Body)
	if err != nil {
		c.rejected.Add(1)
		c.logger.Warn("rejecting malformed answer", "error", err, "bytes", len(d.Body))
		if rejectErr := d.Reject(false); rejectErr != nil {
			c.logger.Error("failed to reject message", "error", rejectErr)
		}
		return
	}

	if c.router.Deliver(*ev) {
		c.delivered.Add(1)
	} else {
		c.unroutable.Add(1)
		c.logger.Debug("discarding answer for unknown session",
			"session_id", ev.SessionID,
			"type", int(ev.Type))
	}

	if err := d.Ack(); err != nil {
		c.logger.Error("failed to ack message", "session_id", ev.SessionID, "error", err)
	}
}

// Stats returns the consumer's counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Delivered:  c.delivered.Load(),
		Unroutable: c.unroutable.Load(),
		Rejected:   c.rejected.Load(),
	}
}
