// ABOUTME: Store interface and data types for the session ledger
// ABOUTME: Records when each streaming session opened, how it ended, and what it carried

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when a session id is recorded twice
var ErrDuplicateSession = errors.New("session already recorded")

// Outcome describes how a session ended.
type Outcome string

const (
	OutcomeOpen         Outcome = "open"         // still streaming
	OutcomeCompleted    Outcome = "completed"    // stop frame delivered
	OutcomeDisconnected Outcome = "disconnected" // client went away first
	OutcomeExpired      Outcome = "expired"      // max session lifetime reached
	OutcomeAborted      Outcome = "aborted"      // gateway shutdown or write failure
	OutcomeRejected     Outcome = "rejected"     // request never reached the broker
)

// Session is one ledger row.
type Session struct {
	ID         string
	UserID     string
	FunctionID int
	// Question is the flattened text of the final user message, truncated.
	Question   string
	Outcome    Outcome
	Frames     int64
	Dropped    int64
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// Duration returns how long the session streamed, or zero while open.
func (s *Session) Duration() time.Duration {
	if s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(s.CreatedAt)
}

// SessionFinish carries the final counters of a session.
type SessionFinish struct {
	Outcome    Outcome
	Frames     int64
	Dropped    int64
	FinishedAt time.Time
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	UserID string
	Limit  int
}

// SessionStats aggregates the ledger.
type SessionStats struct {
	Total       int             `json:"total"`
	ByOutcome   map[Outcome]int `json:"by_outcome"`
	TotalFrames int64           `json:"total_frames"`
	Dropped     int64           `json:"dropped_frames"`
}

// Store persists the session ledger. It is an audit trail only; routing
// never reads it.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	FinishSession(ctx context.Context, id string, f SessionFinish) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	SessionStats(ctx context.Context, since time.Time) (*SessionStats, error)
	Close() error
}
