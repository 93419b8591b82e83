// ABOUTME: Reassembles streamed tool-call fragments into complete calls
// ABOUTME: Fragments are keyed by call index and flushed on a tool_calls finish

package translator

import (
	"sort"

	"github.com/2389/coven-relay/internal/agent"
)

// ToolCall is one fully assembled tool invocation.
type ToolCall struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// Accumulator merges fragments per index: argument strings are
// concatenated, and the last non-empty id, type, and name win.
type Accumulator struct {
	calls map[int]*ToolCall
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[int]*ToolCall)}
}

// Add merges one fragment.
func (a *Accumulator) Add(f agent.ToolCallFragment) {
	call, ok := a.calls[f.Index]
	if !ok {
		call = &ToolCall{Index: f.Index}
		a.calls[f.Index] = call
	}
	if f.ID != "" {
		call.ID = f.ID
	}
	if f.Type != "" {
		call.Type = f.Type
	}
	if f.Name != "" {
		call.Name = f.Name
	}
	call.Arguments += f.Arguments
}

// Len returns the number of pending calls.
func (a *Accumulator) Len() int {
	return len(a.calls)
}

// Flush returns the pending calls ordered by index and resets the
// accumulator for the next model step.
func (a *Accumulator) Flush() []ToolCall {
	out := make([]ToolCall, 0, len(a.calls))
	for _, c := range a.calls {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	a.calls = make(map[int]*ToolCall)
	return out
}
