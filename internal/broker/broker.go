// ABOUTME: Transport abstraction for the durable question and answer queues
// ABOUTME: Dialers produce connections; deliveries carry manual ack/reject

package broker

import (
	"context"
	"errors"
)

// ErrConnectionLost marks transport failures. The consume loop retries these
// after the transport delay; anything else waits the longer unexpected delay.
var ErrConnectionLost = errors.New("broker connection lost")

// Dialer opens connections to a broker.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one broker connection with a single channel.
type Conn interface {
	// DeclareQueue declares a durable queue. Declaring an existing queue is a no-op.
	DeclareQueue(name string) error
	// Publish sends body to queue with persistent delivery mode and returns
	// once the broker has accepted it. It may be called concurrently.
	Publish(ctx context.Context, queue string, body []byte) error
	// Consume starts manual-ack delivery from queue. The channel closes when
	// the connection does.
	Consume(queue string, prefetch int) (<-chan Delivery, error)
	// NotifyClose yields at most one error when the connection ends
	// unexpectedly.
	NotifyClose() <-chan error
	Close() error
}

// Acknowledger settles deliveries on the connection they arrived on.
type Acknowledger interface {
	Ack(tag uint64) error
	Reject(tag uint64, requeue bool) error
}

// Delivery is one message handed to a consumer.
type Delivery struct {
	Body        []byte
	Tag         uint64
	Redelivered bool

	ack Acknowledger
}

// NewDelivery binds a message to the acknowledger that settles it.
func NewDelivery(body []byte, tag uint64, redelivered bool, ack Acknowledger) Delivery {
	return Delivery{Body: body, Tag: tag, Redelivered: redelivered, ack: ack}
}

// Ack confirms the message was handed off.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return errors.New("delivery has no acknowledger")
	}
	return d.ack.Ack(d.Tag)
}

// Reject refuses the message. With requeue false the broker discards it.
func (d Delivery) Reject(requeue bool) error {
	if d.ack == nil {
		return errors.New("delivery has no acknowledger")
	}
	return d.ack.Reject(d.Tag, requeue)
}

// Handler processes one delivery and is responsible for settling it.
type Handler func(ctx context.Context, d Delivery)
