// ABOUTME: In-process broker used for single-process runs and tests
// ABOUTME: Tracks unacked deliveries and requeues them when a connection drops

package broker

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Memory is an in-process broker implementing Dialer. Queues are created on
// first use and live as long as the Memory value.
type Memory struct {
	mu      sync.Mutex
	queues  map[string]*memQueue
	conns   map[*memConn]struct{}
	down    bool
	nextTag uint64
}

type memMessage struct {
	body        []byte
	redelivered bool
}

type memQueue struct {
	ready []memMessage
	dead  [][]byte
	// wake is closed and replaced whenever the queue or its consumers change.
	wake chan struct{}
}

func (q *memQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]*memQueue),
		conns:  make(map[*memConn]struct{}),
	}
}

func (m *Memory) queueLocked(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{wake: make(chan struct{})}
		m.queues[name] = q
	}
	return q
}

// Dial implements Dialer.
func (m *Memory) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.down {
		return nil, fmt.Errorf("%w: broker unreachable", ErrConnectionLost)
	}
	c := &memConn{
		m:        m,
		done:     make(chan struct{}),
		closeErr: make(chan error, 1),
		unacked:  make(map[uint64]unackedMessage),
	}
	m.conns[c] = struct{}{}
	return c, nil
}

// Drop severs every open connection as a network failure would. Unacked
// deliveries return to the front of their queues marked redelivered.
func (m *Memory) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked()
}

func (m *Memory) dropLocked() {
	for c := range m.conns {
		c.closeLocked(fmt.Errorf("%w: connection reset", ErrConnectionLost))
	}
}

// SetDown makes the broker refuse new connections. Going down also drops
// the open ones.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
	if down {
		m.dropLocked()
	}
}

// Put enqueues body directly, bypassing connections.
func (m *Memory) Put(queue string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queueLocked(queue)
	q.ready = append(q.ready, memMessage{body: body})
	q.broadcast()
}

// Take removes and returns the next ready message from queue.
func (m *Memory) Take(queue string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queueLocked(queue)
	if len(q.ready) == 0 {
		return nil, false
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	return msg.body, true
}

// Len returns the number of ready messages in queue.
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queueLocked(queue).ready)
}

// Unacked returns the number of delivered but unsettled messages.
func (m *Memory) Unacked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for c := range m.conns {
		n += len(c.unacked)
	}
	return n
}

// DeadLetters returns the bodies rejected without requeue from queue.
func (m *Memory) DeadLetters(queue string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.queueLocked(queue).dead)
}

type unackedMessage struct {
	queue string
	body  []byte
}

type memConn struct {
	m        *Memory
	done     chan struct{}
	closeErr chan error
	closed   bool
	unacked  map[uint64]unackedMessage
}

func (c *memConn) DeclareQueue(name string) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", ErrConnectionLost)
	}
	c.m.queueLocked(name)
	return nil
}

func (c *memConn) Publish(ctx context.Context, queue string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", ErrConnectionLost)
	}
	q := c.m.queueLocked(queue)
	q.ready = append(q.ready, memMessage{body: slices.Clone(body)})
	q.broadcast()
	return nil
}

func (c *memConn) Consume(queue string, prefetch int) (<-chan Delivery, error) {
	c.m.mu.Lock()
	if c.closed {
		c.m.mu.Unlock()
		return nil, fmt.Errorf("%w: connection closed", ErrConnectionLost)
	}
	c.m.mu.Unlock()

	out := make(chan Delivery)
	go c.pump(queue, prefetch, out)
	return out, nil
}

func (c *memConn) pump(queue string, prefetch int, out chan<- Delivery) {
	defer close(out)

	for {
		c.m.mu.Lock()
		if c.closed {
			c.m.mu.Unlock()
			return
		}
		q := c.m.queueLocked(queue)

		if len(q.ready) > 0 && (prefetch <= 0 || len(c.unacked) < prefetch) {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			c.m.nextTag++
			tag := c.m.nextTag
			c.unacked[tag] = unackedMessage{queue: queue, body: msg.body}
			c.m.mu.Unlock()

			select {
			case out <- NewDelivery(msg.body, tag, msg.redelivered, c):
			case <-c.done:
				// closeLocked already requeued it.
				return
			}
			continue
		}

		wake := q.wake
		c.m.mu.Unlock()

		select {
		case <-wake:
		case <-c.done:
			return
		}
	}
}

func (c *memConn) Ack(tag uint64) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	msg, ok := c.unacked[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(c.unacked, tag)
	c.m.queueLocked(msg.queue).broadcast()
	return nil
}

func (c *memConn) Reject(tag uint64, requeue bool) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	msg, ok := c.unacked[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(c.unacked, tag)

	q := c.m.queueLocked(msg.queue)
	if requeue {
		q.ready = append([]memMessage{{body: msg.body, redelivered: true}}, q.ready...)
	} else {
		q.dead = append(q.dead, msg.body)
	}
	q.broadcast()
	return nil
}

func (c *memConn) NotifyClose() <-chan error {
	return c.closeErr
}

func (c *memConn) Close() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.closeLocked(nil)
	return nil
}

// closeLocked ends the connection and returns its unacked messages to the
// front of their queues in delivery order.
func (c *memConn) closeLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	delete(c.m.conns, c)

	tags := make([]uint64, 0, len(c.unacked))
	for tag := range c.unacked {
		tags = append(tags, tag)
	}
	slices.Sort(tags)

	requeued := make(map[string][]memMessage)
	for _, tag := range tags {
		msg := c.unacked[tag]
		requeued[msg.queue] = append(requeued[msg.queue], memMessage{body: msg.body, redelivered: true})
	}
	c.unacked = make(map[uint64]unackedMessage)

	for name, msgs := range requeued {
		q := c.m.queueLocked(name)
		q.ready = append(msgs, q.ready...)
		q.broadcast()
	}

	if err != nil {
		c.closeErr <- err
	}
}

var _ Dialer = (*Memory)(nil)
