// ABOUTME: Broker client with a shared publisher and a reconnecting consume loop
// ABOUTME: Publish failures surface to the caller; consume failures are retried

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Default retry delays for the consume loop.
const (
	DefaultReconnectDelay       = 5 * time.Second
	DefaultUnexpectedErrorDelay = 10 * time.Second
	DefaultPrefetch             = 32
)

// Options tunes a Client. Zero values take the defaults above.
type Options struct {
	ReconnectDelay       time.Duration
	UnexpectedErrorDelay time.Duration
	Prefetch             int
	Logger               *slog.Logger
}

// Client wraps a Dialer with the publish and consume policies used by both
// the gateway and the workers.
type Client struct {
	dialer Dialer
	opts   Options
	logger *slog.Logger

	pubMu   sync.Mutex
	pubConn Conn
	pubDecl map[string]bool

	connected     atomic.Bool
	stateMu       sync.Mutex
	onStateChange []func(connected bool)
}

// NewClient creates a client. No connection is made until the first
// Publish or Consume.
func NewClient(dialer Dialer, opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.UnexpectedErrorDelay <= 0 {
		opts.UnexpectedErrorDelay = DefaultUnexpectedErrorDelay
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = DefaultPrefetch
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		dialer:  dialer,
		opts:    opts,
		logger:  logger.With("component", "broker"),
		pubDecl: make(map[string]bool),
	}
}

// Publish sends body to queue on the shared publishing connection. The queue
// is declared durable on first use. Failures reset the connection so the
// next call redials; they are never retried here.
//
// The lock covers dialing and declaring only. Callers publish and wait for
// their confirms concurrently; messages from one goroutine keep their order.
func (c *Client) Publish(ctx context.Context, queue string, body []byte) error {
	conn, err := c.publisherFor(ctx, queue)
	if err != nil {
		return err
	}

	if err := conn.Publish(ctx, queue, body); err != nil {
		c.resetPublisher(conn)
		return fmt.Errorf("publishing to %s: %w", queue, err)
	}
	return nil
}

// publisherFor returns the shared publishing connection with queue declared.
func (c *Client) publisherFor(ctx context.Context, queue string) (Conn, error) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if c.pubConn == nil {
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("dialing broker for publish: %w", err)
		}
		c.pubConn = conn
		c.pubDecl = make(map[string]bool)
	}

	if !c.pubDecl[queue] {
		if err := c.pubConn.DeclareQueue(queue); err != nil {
			c.resetPublisherLocked()
			return nil, fmt.Errorf("declaring queue %s: %w", queue, err)
		}
		c.pubDecl[queue] = true
	}
	return c.pubConn, nil
}

// resetPublisher drops conn if it is still the shared publisher. A failure
// seen by several publishers at once closes it only once.
func (c *Client) resetPublisher(conn Conn) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.pubConn == conn {
		c.resetPublisherLocked()
	}
}

func (c *Client) resetPublisherLocked() {
	if c.pubConn != nil {
		_ = c.pubConn.Close()
	}
	c.pubConn = nil
}

// Connected reports whether the consume loop currently holds a connection.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// OnStateChange registers fn to be called when the consume loop connects or
// loses its connection.
func (c *Client) OnStateChange(fn func(connected bool)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.onStateChange = append(c.onStateChange, fn)
}

func (c *Client) setConnected(v bool) {
	if c.connected.Swap(v) == v {
		return
	}
	c.stateMu.Lock()
	hooks := append([]func(bool){}, c.onStateChange...)
	c.stateMu.Unlock()
	for _, fn := range hooks {
		fn(v)
	}
}

// Consume delivers messages from queue to handle until ctx is cancelled.
// It owns its connection: on loss it waits, redials, and redeclares the
// queue. Messages left unacknowledged on a dead connection come back as
// fresh deliveries. Returns ctx.Err() when stopped.
func (c *Client) Consume(ctx context.Context, queue string, handle Handler) error {
	for {
		err := c.consumeOnce(ctx, queue, handle)
		c.setConnected(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.opts.UnexpectedErrorDelay
		if errors.Is(err, ErrConnectionLost) {
			delay = c.opts.ReconnectDelay
			c.logger.Warn("consumer connection lost, reconnecting",
				"queue", queue, "error", err, "retry_in", delay)
		} else {
			c.logger.Error("consumer failed, reconnecting",
				"queue", queue, "error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, queue string, handle Handler) error {
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	defer conn.Close()

	if err := conn.DeclareQueue(queue); err != nil {
		return fmt.Errorf("declaring queue %s: %w", queue, err)
	}

	deliveries, err := conn.Consume(queue, c.opts.Prefetch)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", queue, err)
	}

	c.setConnected(true)
	c.logger.Info("consuming", "queue", queue, "prefetch", c.opts.Prefetch)

	closed := conn.NotifyClose()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-closed:
			if !ok || err == nil {
				return ErrConnectionLost
			}
			return err
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: delivery channel closed", ErrConnectionLost)
			}
			handle(ctx, d)
		}
	}
}

// Close releases the publishing connection.
func (c *Client) Close() error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.pubConn == nil {
		return nil
	}
	err := c.pubConn.Close()
	c.pubConn = nil
	return err
}
