// ABOUTME: Remembers recently started sessions so a redelivered question runs once
// ABOUTME: Bounded by age and size; the oldest sessions are forgotten first

package worker

import (
	"container/list"
	"sync"
	"time"
)

// defaultGuardSize bounds how many session ids the guard remembers.
const defaultGuardSize = 10000

type guardEntry struct {
	seenAt  time.Time
	element *list.Element
}

// redeliveryGuard tracks session ids whose turn has already been started.
// Questions are acked once their turn is submitted, so a redelivery can
// only come from a broker connection lost in between; session ids are
// unique per request, so a repeat id is always a duplicate.
type redeliveryGuard struct {
	mu      sync.Mutex
	window  time.Duration
	maxSize int
	seen    map[string]*guardEntry
	order   *list.List // oldest at front
	now     func() time.Time
}

// newRedeliveryGuard returns a guard remembering ids for window. A zero
// window disables it.
func newRedeliveryGuard(window time.Duration, maxSize int) *redeliveryGuard {
	if maxSize <= 0 {
		maxSize = defaultGuardSize
	}
	return &redeliveryGuard{
		window:  window,
		maxSize: maxSize,
		seen:    make(map[string]*guardEntry),
		order:   list.New(),
		now:     time.Now,
	}
}

// Admit records id and reports whether it is new. Expired entries are
// pruned on the way in.
func (g *redeliveryGuard) Admit(id string) bool {
	if g.window <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneLocked(now)

	if _, ok := g.seen[id]; ok {
		return false
	}

	if len(g.seen) >= g.maxSize {
		g.removeLocked(g.order.Front())
	}
	g.seen[id] = &guardEntry{seenAt: now, element: g.order.PushBack(id)}
	return true
}

// Forget drops id so a later delivery is admitted again. Used when a
// question is handed back to the broker before its turn started.
func (g *redeliveryGuard) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.seen[id]; ok {
		g.removeLocked(entry.element)
	}
}

// Len returns the number of remembered ids.
func (g *redeliveryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// pruneLocked walks from the oldest entry and stops at the first live one.
func (g *redeliveryGuard) pruneLocked(now time.Time) {
	for front := g.order.Front(); front != nil; front = g.order.Front() {
		id, _ := front.Value.(string)
		if now.Sub(g.seen[id].seenAt) < g.window {
			return
		}
		g.removeLocked(front)
	}
}

func (g *redeliveryGuard) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	id, _ := elem.Value.(string)
	g.order.Remove(elem)
	delete(g.seen, id)
}
