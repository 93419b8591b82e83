// ABOUTME: RabbitMQ transport built on amqp091-go
// ABOUTME: Durable queues, persistent messages, publisher confirms, manual acks

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPDialer connects to a RabbitMQ broker.
type AMQPDialer struct {
	URL       string
	Heartbeat time.Duration
	// ConnectionName is shown in the broker's management UI.
	ConnectionName string
}

// Dial opens a connection and one channel in confirm mode.
func (d *AMQPDialer) Dial(ctx context.Context) (Conn, error) {
	cfg := amqp.Config{
		Heartbeat:  d.Heartbeat,
		Properties: amqp.NewConnectionProperties(),
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if d.ConnectionName != "" {
		cfg.Properties.SetClientConnectionName(d.ConnectionName)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(d.URL, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: opening channel: %v", ErrConnectionLost, err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}

	closeCh := make(chan error, 1)
	amqpClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-amqpClosed; ok && amqpErr != nil {
			closeCh <- fmt.Errorf("%w: %v", ErrConnectionLost, amqpErr)
		}
		close(closeCh)
	}()

	return &amqpConn{conn: conn, ch: ch, closed: closeCh, done: make(chan struct{})}, nil
}

type amqpConn struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan error

	done      chan struct{}
	closeOnce sync.Once
}

func (c *amqpConn) DeclareQueue(name string) error {
	_, err := c.ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return wrapAMQP(err)
	}
	return nil
}

func (c *amqpConn) Publish(ctx context.Context, queue string, body []byte) error {
	confirm, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return wrapAMQP(err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked publish to %s", queue)
	}
	return nil
}

func (c *amqpConn) Consume(queue string, prefetch int) (<-chan Delivery, error) {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, wrapAMQP(err)
	}

	src, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, wrapAMQP(err)
	}

	out := make(chan Delivery)
	ack := &channelAcker{ch: c.ch}
	go func() {
		defer close(out)
		for d := range src {
			select {
			case out <- NewDelivery(d.Body, d.DeliveryTag, d.Redelivered, ack):
			case <-c.done:
				return
			}
		}
	}()
	return out, nil
}

func (c *amqpConn) NotifyClose() <-chan error {
	return c.closed
}

func (c *amqpConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

type channelAcker struct {
	ch *amqp.Channel
}

func (a *channelAcker) Ack(tag uint64) error {
	return a.ch.Ack(tag, false)
}

func (a *channelAcker) Reject(tag uint64, requeue bool) error {
	return a.ch.Reject(tag, requeue)
}

// wrapAMQP marks closed-channel and connection-level errors as transport loss.
func wrapAMQP(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && (amqpErr == amqp.ErrClosed || !amqpErr.Server) {
		return fmt.Errorf("%w: %v", ErrConnectionLost, amqpErr)
	}
	return err
}
