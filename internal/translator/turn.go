// ABOUTME: Translates one agent turn's event stream into typed answer events
// ABOUTME: Handles tool status dedup, citations, entity extraction, and the stop frame

package translator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/entity"
	"github.com/2389/coven-relay/internal/wire"
)

// Emitter publishes answer events for a turn, in order.
type Emitter interface {
	Emit(ctx context.Context, ev wire.AnswerEvent) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev wire.AnswerEvent) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, ev wire.AnswerEvent) error {
	return f(ctx, ev)
}

// Tool status values.
const (
	StatusWorking = "Working"
	StatusDone    = "Done"
)

// ToolStatus is one element of a type 5 message.
type ToolStatus struct {
	Status   string          `json:"status"`
	Display  string          `json:"display"`
	Name     string          `json:"name"`
	Category string          `json:"globalization"`
	FuncName string          `json:"func_name"`
	Args     json.RawMessage `json:"arguments"`
	Output   json.RawMessage `json:"func_output,omitempty"`
	ID       string          `json:"id"`
}

// Reference is one element of a type 6 message.
type Reference struct {
	Category string          `json:"globalization"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
}

// Options configures a Turn.
type Options struct {
	Catalog Catalog
	// Extractor may be nil, in which case no type 7 frame is produced.
	Extractor entity.Extractor
	Logger    *slog.Logger
}

// Turn holds the per-turn state of one translation. It is not safe for
// concurrent use; one goroutine drives each turn.
type Turn struct {
	route     wire.Route
	emitter   Emitter
	catalog   Catalog
	extractor entity.Extractor
	logger    *slog.Logger

	calls     *Accumulator
	working   map[string]bool
	done      map[string]bool
	answer    strings.Builder
	extracted bool
	finished  bool
}

// NewTurn starts translating a turn for route.
func NewTurn(route wire.Route, emitter Emitter, opts Options) *Turn {
	catalog := opts.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Turn{
		route:     route,
		emitter:   emitter,
		catalog:   catalog,
		extractor: opts.Extractor,
		logger:    logger.With("component", "translator", "session_id", route.SessionID),
		calls:     NewAccumulator(),
		working:   make(map[string]bool),
		done:      make(map[string]bool),
	}
}

// Finished reports whether the stop frame has been emitted.
func (t *Turn) Finished() bool {
	return t.finished
}

// Handle translates one agent event. A returned error means the turn
// cannot continue; the caller should pass it to Finish.
func (t *Turn) Handle(ctx context.Context, ev agent.Event) error {
	if t.finished {
		t.logger.Debug("dropping event after end of turn", "event", fmt.Sprintf("%T", ev))
		return nil
	}

	switch e := ev.(type) {
	case agent.TextDelta:
		t.answer.WriteString(e.Text)
		return t.emit(ctx, t.route.Text(e.Text))

	case agent.ReasoningDelta:
		return t.emit(ctx, t.route.Reasoning(e.Text))

	case agent.ToolCallFragment:
		t.calls.Add(e)
		return nil

	case agent.FinishReason:
		if e.Reason != agent.FinishToolCalls {
			return nil
		}
		return t.flushToolCalls(ctx)

	case agent.ToolResults:
		return t.toolResults(ctx, e)

	case agent.SearchMetadata:
		return t.searchMetadata(ctx, e)

	case agent.Artifact:
		return t.artifact(ctx, e)

	case agent.EndOfTurn:
		t.finished = true
		return t.emit(ctx, t.route.Stop())

	case agent.Unknown:
		if e.Err != nil {
			t.logger.Warn("dropping malformed agent event", "kind", e.Kind, "error", e.Err)
			return nil
		}
		t.logger.Warn("dropping unknown agent event", "kind", e.Kind)
		return nil
	}

	return fmt.Errorf("unhandled agent event %T", ev)
}

// Finish terminates the turn. With a nil error it emits the stop frame if
// the agent never sent one; otherwise it emits an error frame and then the
// stop frame. Calling Finish on a finished turn does nothing.
func (t *Turn) Finish(ctx context.Context, cause error) error {
	if t.finished {
		return nil
	}
	t.finished = true

	var errs []error
	if cause != nil {
		t.logger.Error("turn failed", "error", cause)
		if err := t.emit(ctx, t.route.Error(cause.Error())); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.emit(ctx, t.route.Stop()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (t *Turn) flushToolCalls(ctx context.Context) error {
	var statuses []ToolStatus
	for _, call := range t.calls.Flush() {
		if t.working[call.Name] {
			continue
		}
		t.working[call.Name] = true

		info := t.catalog.Lookup(call.Name)
		statuses = append(statuses, ToolStatus{
			Status:   StatusWorking,
			Display:  fmt.Sprintf("Searching %s\n", info.Display),
			Name:     info.Display,
			Category: info.Category,
			FuncName: call.Name,
			Args:     argumentsJSON(call.Arguments),
			ID:       call.ID,
		})
	}
	if len(statuses) == 0 {
		return nil
	}
	return t.emitPayload(ctx, wire.TypeToolStatus, statuses)
}

func (t *Turn) toolResults(ctx context.Context, e agent.ToolResults) error {
	refs := make([]Reference, 0, len(e.Results))
	for _, r := range e.Results {
		info := t.catalog.Lookup(r.Name)

		if !t.done[r.Name] {
			t.done[r.Name] = true
			status := ToolStatus{
				Status:   StatusDone,
				Display:  fmt.Sprintf("Finished searching %s\n", info.Display),
				Name:     info.Display,
				Category: info.Category,
				FuncName: r.Name,
				Output:   rawOrNull(r.Output),
				ID:       r.CallID,
			}
			if err := t.emitPayload(ctx, wire.TypeToolStatus, []ToolStatus{status}); err != nil {
				return err
			}
		}

		refs = append(refs, Reference{Category: info.Category, Name: info.Display, Data: rawOrNull(r.Output)})
	}
	if len(refs) == 0 {
		return nil
	}
	return t.emitPayload(ctx, wire.TypeReference, refs)
}

func (t *Turn) searchMetadata(ctx context.Context, e agent.SearchMetadata) error {
	refs := make([]Reference, 0, len(e.Sources))
	for _, s := range e.Sources {
		info := t.catalog.Lookup(s.DB)
		refs = append(refs, Reference{Category: info.Category, Name: info.Display, Data: rawOrNull(s.Result)})
	}
	return t.emitPayload(ctx, wire.TypeReference, refs)
}

func (t *Turn) artifact(ctx context.Context, e agent.Artifact) error {
	if t.extracted || t.extractor == nil {
		return nil
	}
	t.extracted = true

	content := t.answer.String()
	if content == "" {
		content = e.Text
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}

	ents, err := t.extractor.Extract(ctx, content)
	switch {
	case errors.Is(err, entity.ErrNotConfigured):
		return nil
	case err != nil:
		t.logger.Warn("entity extraction failed", "error", err)
		return nil
	case ents.Empty():
		return nil
	}

	out := *ents
	if out.Diseases == nil {
		out.Diseases = []json.RawMessage{}
	}
	if out.Drugs == nil {
		out.Drugs = []json.RawMessage{}
	}
	return t.emitPayload(ctx, wire.TypeEntities, out)
}

func (t *Turn) emitPayload(ctx context.Context, typ wire.EventType, v any) error {
	payload, err := wire.MarshalPayload(v)
	if err != nil {
		return fmt.Errorf("encoding type %d payload: %w", typ, err)
	}
	return t.emit(ctx, t.route.Payload(typ, payload))
}

func (t *Turn) emit(ctx context.Context, ev wire.AnswerEvent) error {
	if err := t.emitter.Emit(ctx, ev); err != nil {
		return fmt.Errorf("emitting answer event: %w", err)
	}
	return nil
}

// argumentsJSON returns assembled tool arguments as a JSON value when they
// parse, otherwise as a JSON string holding the raw text.
func argumentsJSON(args string) json.RawMessage {
	if strings.TrimSpace(args) != "" && json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage("null")
	}
	return quoted
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
