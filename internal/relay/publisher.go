// ABOUTME: Publishes request envelopes onto the durable question queue
// ABOUTME: Broker failures surface as ErrBrokerUnavailable for a 503 response

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-relay/internal/wire"
)

// ErrBrokerUnavailable is returned when a request could not be handed to
// the broker.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// QueuePublisher is the broker operation the publishers need.
type QueuePublisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Publisher sends envelopes to the question queue.
type Publisher struct {
	broker QueuePublisher
	queue  string
}

// NewPublisher creates a publisher for queue.
func NewPublisher(broker QueuePublisher, queue string) *Publisher {
	return &Publisher{broker: broker, queue: queue}
}

// Publish double-encodes env and publishes it persistently.
func (p *Publisher) Publish(ctx context.Context, env *wire.Envelope) error {
	body, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := p.broker.Publish(ctx, p.queue, body); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// AnswerPublisher sends answer events to the answer queue.
type AnswerPublisher struct {
	broker QueuePublisher
	queue  string
}

// NewAnswerPublisher creates a publisher for the answer queue.
func NewAnswerPublisher(broker QueuePublisher, queue string) *AnswerPublisher {
	return &AnswerPublisher{broker: broker, queue: queue}
}

// Emit double-encodes ev and publishes it.
func (p *AnswerPublisher) Emit(ctx context.Context, ev wire.AnswerEvent) error {
	body, err := wire.Encode(&ev)
	if err != nil {
		return fmt.Errorf("encoding answer event: %w", err)
	}
	if err := p.broker.Publish(ctx, p.queue, body); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}
