// ABOUTME: Closed set of events an agent streams back for one turn
// ABOUTME: Parses and formats the SSE event names and JSON payloads of the agent protocol

package agent

import (
	"encoding/json"
	"fmt"
)

// SSE event names of the agent protocol.
const (
	EventText          = "text"
	EventReasoning     = "reasoning"
	EventToolCallChunk = "tool_call_chunk"
	EventFinish        = "finish"
	EventToolResult    = "tool_result"
	EventMetadata      = "metadata"
	EventArtifact      = "artifact"
	EventFinal         = "final"
)

// FinishToolCalls is the finish reason that flushes accumulated tool calls.
const FinishToolCalls = "tool_calls"

// Event is one item of an agent stream. The set of implementations is
// closed; consumers switch over the concrete types.
type Event interface {
	isEvent()
}

// TextDelta is a fragment of the visible answer.
type TextDelta struct {
	Text string
}

// ReasoningDelta is a fragment of the model's reasoning.
type ReasoningDelta struct {
	Text string
}

// ToolCallFragment is a streamed piece of a tool call. Fragments sharing an
// Index belong to the same call.
type ToolCallFragment struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// FinishReason ends a model step.
type FinishReason struct {
	Reason string
}

// ToolResult is the output of one executed tool call.
type ToolResult struct {
	CallID string
	Name   string
	Output json.RawMessage
}

// ToolResults carries the outputs of one round of tool calls.
type ToolResults struct {
	Results []ToolResult
}

// SearchSource is the aggregated result of searching one database.
type SearchSource struct {
	DB     string
	Result json.RawMessage
}

// SearchMetadata lists every database searched during the turn.
type SearchMetadata struct {
	Sources []SearchSource
}

// Artifact is the agent's final answer. Text is often empty when the
// answer was already streamed as deltas.
type Artifact struct {
	Text string
}

// EndOfTurn means the agent is done.
type EndOfTurn struct{}

// Unknown is an event this relay does not understand: either its name is
// not one of the above or its payload did not decode. Err holds the decode
// failure in the second case.
type Unknown struct {
	Kind string
	Raw  string
	Err  error
}

func (TextDelta) isEvent()        {}
func (ReasoningDelta) isEvent()   {}
func (ToolCallFragment) isEvent() {}
func (FinishReason) isEvent()     {}
func (ToolResults) isEvent()      {}
func (SearchMetadata) isEvent()   {}
func (Artifact) isEvent()         {}
func (EndOfTurn) isEvent()        {}
func (Unknown) isEvent()          {}

// JSON payloads, one per event name.
type (
	textData struct {
		Text string `json:"text"`
	}
	reasoningData struct {
		Reasoning string `json:"reasoning"`
	}
	toolCallChunkData struct {
		Index    int    `json:"index"`
		ID       string `json:"id,omitempty"`
		Type     string `json:"type,omitempty"`
		Function struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments,omitempty"`
		} `json:"function"`
	}
	finishData struct {
		Reason string `json:"reason"`
	}
	toolResultData struct {
		Data []toolResultItem `json:"data"`
	}
	toolResultItem struct {
		Name       string          `json:"name"`
		ToolOutput json.RawMessage `json:"tool_output"`
		ToolCallID string          `json:"tool_call_id"`
	}
	metadataData struct {
		Data struct {
			SearchDBs []searchDBItem `json:"search_dbs"`
		} `json:"data"`
	}
	searchDBItem struct {
		DB     string          `json:"db"`
		Result json.RawMessage `json:"result"`
	}
)

// ParseEvent decodes one SSE event. Unrecognised names and payloads that do
// not decode both yield Unknown, so one bad event never ends a turn.
func ParseEvent(name, data string) Event {
	ev, err := parseEvent(name, data)
	if err != nil {
		return Unknown{Kind: name, Raw: data, Err: err}
	}
	return ev
}

func parseEvent(name, data string) (Event, error) {
	decode := func(v any) error {
		if err := json.Unmarshal([]byte(data), v); err != nil {
			return fmt.Errorf("parsing %s event: %w", name, err)
		}
		return nil
	}

	switch name {
	case EventText:
		var d textData
		if err := decode(&d); err != nil {
			return nil, err
		}
		return TextDelta{Text: d.Text}, nil

	case EventReasoning:
		var d reasoningData
		if err := decode(&d); err != nil {
			return nil, err
		}
		return ReasoningDelta{Text: d.Reasoning}, nil

	case EventToolCallChunk:
		var d toolCallChunkData
		if err := decode(&d); err != nil {
			return nil, err
		}
		return ToolCallFragment{
			Index:     d.Index,
			ID:        d.ID,
			Type:      d.Type,
			Name:      d.Function.Name,
			Arguments: d.Function.Arguments,
		}, nil

	case EventFinish:
		var d finishData
		if err := decode(&d); err != nil {
			return nil, err
		}
		return FinishReason{Reason: d.Reason}, nil

	case EventToolResult:
		var d toolResultData
		if err := decode(&d); err != nil {
			return nil, err
		}
		results := make([]ToolResult, 0, len(d.Data))
		for _, item := range d.Data {
			results = append(results, ToolResult{CallID: item.ToolCallID, Name: item.Name, Output: item.ToolOutput})
		}
		return ToolResults{Results: results}, nil

	case EventMetadata:
		var d metadataData
		if err := decode(&d); err != nil {
			return nil, err
		}
		sources := make([]SearchSource, 0, len(d.Data.SearchDBs))
		for _, s := range d.Data.SearchDBs {
			sources = append(sources, SearchSource{DB: s.DB, Result: s.Result})
		}
		return SearchMetadata{Sources: sources}, nil

	case EventArtifact:
		var d textData
		if err := decode(&d); err != nil {
			return nil, err
		}
		return Artifact{Text: d.Text}, nil

	case EventFinal:
		return EndOfTurn{}, nil
	}

	return Unknown{Kind: name, Raw: data}, nil
}

// FormatEvent is the inverse of ParseEvent.
func FormatEvent(ev Event) (name string, data []byte, err error) {
	var payload any
	switch e := ev.(type) {
	case TextDelta:
		name, payload = EventText, textData{Text: e.Text}
	case ReasoningDelta:
		name, payload = EventReasoning, reasoningData{Reasoning: e.Text}
	case ToolCallFragment:
		d := toolCallChunkData{Index: e.Index, ID: e.ID, Type: e.Type}
		d.Function.Name = e.Name
		d.Function.Arguments = e.Arguments
		name, payload = EventToolCallChunk, d
	case FinishReason:
		name, payload = EventFinish, finishData{Reason: e.Reason}
	case ToolResults:
		d := toolResultData{Data: make([]toolResultItem, 0, len(e.Results))}
		for _, r := range e.Results {
			d.Data = append(d.Data, toolResultItem{Name: r.Name, ToolOutput: r.Output, ToolCallID: r.CallID})
		}
		name, payload = EventToolResult, d
	case SearchMetadata:
		var d metadataData
		d.Data.SearchDBs = make([]searchDBItem, 0, len(e.Sources))
		for _, s := range e.Sources {
			d.Data.SearchDBs = append(d.Data.SearchDBs, searchDBItem{DB: s.DB, Result: s.Result})
		}
		name, payload = EventMetadata, d
	case Artifact:
		name, payload = EventArtifact, textData{Text: e.Text}
	case EndOfTurn:
		name, payload = EventFinal, struct{}{}
	case Unknown:
		return e.Kind, []byte(e.Raw), nil
	default:
		return "", nil, fmt.Errorf("unsupported event %T", ev)
	}

	data, err = json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encoding %s event: %w", name, err)
	}
	return name, data, nil
}
