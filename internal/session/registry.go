// ABOUTME: In-memory routing table from session id to a live delivery channel
// ABOUTME: The answer consumer delivers into it; one HTTP stream drains each entry

package session

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-relay/internal/wire"
)

// DefaultBufferSize is the per-session channel capacity when none is configured.
const DefaultBufferSize = 256

// ErrDuplicate is returned when a session id is registered twice.
var ErrDuplicate = errors.New("session already registered")

// Meta describes the request that opened a session.
type Meta struct {
	UserID     string
	FunctionID int
}

// Entry is one registered session. Only the goroutine that registered it
// reads from Events.
type Entry struct {
	ID        string
	Meta      Meta
	CreatedAt time.Time

	events    chan wire.AnswerEvent
	delivered atomic.Int64
	dropped   atomic.Int64
}

// Events returns the channel the delivery adapter drains. It is closed when
// the entry is deregistered or the registry shuts down.
func (e *Entry) Events() <-chan wire.AnswerEvent {
	return e.events
}

// Delivered returns how many events were queued for this session.
func (e *Entry) Delivered() int64 {
	return e.delivered.Load()
}

// Dropped returns how many queued events were discarded because the client
// fell behind.
func (e *Entry) Dropped() int64 {
	return e.dropped.Load()
}

// Registry maps session ids to entries.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	bufferSize int
	closed     bool
	logger     *slog.Logger
}

// NewRegistry creates a registry whose entries buffer bufferSize events.
// Pass nil logger for default.
func NewRegistry(bufferSize int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Registry{
		entries:    make(map[string]*Entry),
		bufferSize: bufferSize,
		logger:     logger.With("component", "registry"),
	}
}

// Register adds a session. It must be called before the request is published
// so that no answer can arrive for an unknown id.
func (r *Registry) Register(id string, meta Meta) (*Entry, error) {
	entry := &Entry{
		ID:        id,
		Meta:      meta,
		CreatedAt: time.Now(),
		events:    make(chan wire.AnswerEvent, r.bufferSize),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New("registry closed")
	}
	if _, exists := r.entries[id]; exists {
		return nil, ErrDuplicate
	}
	r.entries[id] = entry

	r.logger.Debug("session registered", "session_id", id, "user_id", meta.UserID)
	return entry, nil
}

// Lookup returns the entry for id, if registered.
func (r *Registry) Lookup(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Deliver queues ev on its session's channel without blocking. When the
// channel is full the oldest queued event is discarded to make room.
// Returns false when no session with that id is registered.
func (r *Registry) Deliver(ev wire.AnswerEvent) bool {
	// Held for the whole send so Deregister cannot close the channel under us.
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[ev.SessionID]
	if !ok {
		return false
	}

	for {
		select {
		case entry.events <- ev:
			entry.delivered.Add(1)
			return true
		default:
		}

		select {
		case <-entry.events:
			entry.dropped.Add(1)
			r.logger.Warn("session buffer full, dropped oldest event",
				"session_id", ev.SessionID,
				"dropped_total", entry.dropped.Load())
		default:
		}
	}
}

// Deregister removes a session and closes its channel. Calling it for an
// unknown or already removed id is a no-op.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return
	}
	delete(r.entries, id)
	close(entry.events)

	r.logger.Debug("session deregistered",
		"session_id", id,
		"delivered", entry.delivered.Load(),
		"dropped", entry.dropped.Load())
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close removes every session and closes their channels. Streams draining
// them end without a stop frame.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.entries {
		close(entry.events)
		delete(r.entries, id)
	}
	r.closed = true

	r.logger.Debug("registry closed")
}
