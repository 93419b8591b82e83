// ABOUTME: Tests for agent event translation into answer events
// ABOUTME: Covers deltas, tool dedup, citations, entity frames, and failure termination

package translator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/entity"
	"github.com/2389/coven-relay/internal/wire"
)

var testRoute = wire.Route{SessionID: "s-1", UserID: "u1", FunctionID: 8}

type recorder struct {
	events []wire.AnswerEvent
	err    error
}

func (r *recorder) Emit(_ context.Context, ev wire.AnswerEvent) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(t wire.EventType) []wire.AnswerEvent {
	var out []wire.AnswerEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeExtractor struct {
	calls []string
	ents  *entity.Entities
	err   error
}

func (f *fakeExtractor) Extract(_ context.Context, content string) (*entity.Entities, error) {
	f.calls = append(f.calls, content)
	return f.ents, f.err
}

func run(t *testing.T, turn *Turn, events ...agent.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, turn.Handle(context.Background(), ev))
	}
}

func decodeStatuses(t *testing.T, ev wire.AnswerEvent) []ToolStatus {
	t.Helper()
	var out []ToolStatus
	require.NoError(t, json.Unmarshal([]byte(ev.Message), &out))
	return out
}

func TestTurn_TextAndReasoning(t *testing.T) {
	rec := &recorder{}
	turn := NewTurn(testRoute, rec, Options{})

	run(t, turn,
		agent.ReasoningDelta{Text: "hmm"},
		agent.TextDelta{Text: "Hello"},
		agent.TextDelta{Text: "Hello"},
		agent.EndOfTurn{},
	)

	require.Len(t, rec.events, 4)
	assert.Equal(t, testRoute.Reasoning("hmm"), rec.events[0])
	assert.Equal(t, "", rec.events[0].Message)
	// Identical deltas are both relayed.
	assert.Equal(t, testRoute.Text("Hello"), rec.events[1])
	assert.Equal(t, testRoute.Text("Hello"), rec.events[2])
	assert.True(t, rec.events[3].IsStop())
	assert.True(t, turn.Finished())
}

func TestTurn_ToolCallsAccumulateAndFlushOnFinish(t *testing.T) {
	rec := &recorder{}
	turn := NewTurn(testRoute, rec, Options{})

	run(t, turn,
		agent.ToolCallFragment{Index: 1, ID: "call_b", Type: "function", Name: "search_personal_db", Arguments: `{}`},
		agent.ToolCallFragment{Index: 0, ID: "call_a", Type: "function", Name: "search_guideline_db"},
		agent.ToolCallFragment{Index: 0, Arguments: `{"query":`},
		agent.ToolCallFragment{Index: 0, Arguments: `"asthma"}`},
	)
	assert.Empty(t, rec.events, "nothing is emitted before the finish marker")

	run(t, turn, agent.FinishReason{Reason: "stop"})
	assert.Empty(t, rec.events)

	run(t, turn, agent.FinishReason{Reason: agent.FinishToolCalls})
	require.Len(t, rec.events, 1)
	assert.Equal(t, wire.TypeToolStatus, rec.events[0].Type)

	statuses := decodeStatuses(t, rec.events[0])
	require.Len(t, statuses, 2)
	assert.Equal(t, ToolStatus{
		Status:   StatusWorking,
		Display:  "Searching clinical guidelines\n",
		Name:     "clinical guidelines",
		Category: "international",
		FuncName: "search_guideline_db",
		Args:     json.RawMessage(`{"query":"asthma"}`),
		ID:       "call_a",
	}, statuses[0])
	assert.Equal(t, "search_personal_db", statuses[1].FuncName)
	assert.Equal(t, "personal", statuses[1].Category)
}

func TestTurn_ToolCallArgumentsKeepJSONType(t *testing.T) {
	rec := &recorder{}
	turn := NewTurn(testRoute, rec, Options{})

	run(t, turn,
		agent.ToolCallFragment{Index: 0, ID: "call_a", Name: "search_guideline_db", Arguments: `{"query":`},
		agent.ToolCallFragment{Index: 0, Arguments: `"asthma"}`},
		agent.ToolCallFragment{Index: 1, ID: "call_b", Name: "search_document_db", Arguments: `{"query": "trunc`},
		agent.ToolCallFragment{Index: 2, ID: "call_c", Name: "search_personal_db"},
		agent.FinishReason{Reason: agent.FinishToolCalls},
	)
	require.Len(t, rec.events, 1)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.events[0].Message), &raw))
	require.Len(t, raw, 3)
	assert.Equal(t, map[string]any{"query": "asthma"}, raw[0]["arguments"])
	assert.Equal(t, `{"query": "trunc`, raw[1]["arguments"])
	assert.Contains(t, raw[2], "arguments")
	assert.Equal(t, "", raw[2]["arguments"])
}

func TestTurn_ToolStartedDedupedPerName(t *testing.T) {
	rec := &recorder{}
	turn := NewTurn(testRoute, rec, Options{})

	for i := 0; i < 3; i++ {
		run(t, turn,
			agent.ToolCallFragment{Index: 0, ID: "call", Name: "search_document_db", Arguments: `{}`},
			agent.FinishReason{Reason: agent.FinishToolCalls},
		)
	}
	run(t, turn, agent.ToolResults{Results: []agent.ToolResult{
		{CallID: "call", Name: "search_document_db", Output: json.RawMessage(`[1]`)},
	}})

	statusFrames := rec.ofType(wire.TypeToolStatus)
	require.Len(t, statusFrames, 2)
	assert.Equal(t, StatusWorking, decodeStatuses(t, statusFrames[0])[0].Status)
	assert.Equal(t, StatusDone, decodeStatuses(t, statusFrames[1])[0].Status)
}

func TestTurn_ToolResults(t *testing.T) {
	rec := &recorder{}
	turn := NewTurn(testRoute, rec, Options{})

	results := agent.ToolResults{Results: []agent.ToolResult{
		{CallID: "c1", Name: "search_document_db", Output: json.RawMessage(`[{"title":"paper"}]`)},
		{CallID: "c2", Name: "lookup_icd", Output: json.RawMessage(`"J45"`)},
	}}
	run(t, turn, results, results)

	done := rec.ofType(wire.TypeToolStatus)
	require.Len(t, done, 2, "one done frame per tool name per turn")

	first := decodeStatuses(t, done[0])[0]
	assert.Equal(t, StatusDone, first.Status)
	assert.Equal(t, "Finished searching literature library\n", first.Display)
	assert.Equal(t, "c1", first.ID)
	assert.JSONEq(t, `[{"title":"paper"}]`, string(first.Output))
	assert.Contains(t, done[0].Message, `"arguments":null`)

	unknown := decodeStatuses(t, done[1])[0]
	assert.Equal(t, "lookup_icd", unknown.Name)
	assert.Equal(t, "", unknown.Category)

	refs := rec.ofType(wire.TypeReference)
	require.Len(t, refs, 2, "citations are relayed for every result")
	assert.JSONEq(t,
		`[{"globalization":"domestic","name":"literature library","data":[{"title":"paper"}]},
		  {"globalization":"","name":"lookup_icd","data":"J45"}]`,
		refs[0].Message)
}

func TestTurn_SearchMetadata(t *testing.T) {
	rec := &recorder{}
	turn := NewTurn(testRoute, rec, Options{})

	run(t, turn, agent.SearchMetadata{Sources: []agent.SearchSource{
		{DB: "search_guideline_db", Result: json.RawMessage(`{"hits":2}`)},
		{DB: "search_personal_db"},
	}})

	require.Len(t, rec.events, 1)
	assert.Equal(t, wire.TypeReference, rec.events[0].Type)
	assert.JSONEq(t,
		`[{"globalization":"international","name":"clinical guidelines","data":{"hits":2}},
		  {"globalization":"personal","name":"personal knowledge base","data":null}]`,
		rec.events[0].Message)
}

func TestTurn_ArtifactExtractsEntitiesOnce(t *testing.T) {
	rec := &recorder{}
	ext := &fakeExtractor{ents: &entity.Entities{
		Drugs: []json.RawMessage{json.RawMessage(`{"med_name":"metformin"}`)},
	}}
	turn := NewTurn(testRoute, rec, Options{Extractor: ext})

	run(t, turn,
		agent.TextDelta{Text: "Take "},
		agent.TextDelta{Text: "metformin."},
		agent.Artifact{Text: "ignored"},
		agent.Artifact{Text: "ignored"},
		agent.EndOfTurn{},
	)

	assert.Equal(t, []string{"Take metformin."}, ext.calls)
	ents := rec.ofType(wire.TypeEntities)
	require.Len(t, ents, 1)
	assert.JSONEq(t, `{"diseases":[],"drugs":[{"med_name":"metformin"}]}`, ents[0].Message)
	assert.True(t, rec.events[len(rec.events)-1].IsStop())
}

func TestTurn_ArtifactTextUsedWhenNothingStreamed(t *testing.T) {
	ext := &fakeExtractor{ents: &entity.Entities{}}
	turn := NewTurn(testRoute, &recorder{}, Options{Extractor: ext})

	run(t, turn, agent.Artifact{Text: "full answer"})
	assert.Equal(t, []string{"full answer"}, ext.calls)
}

func TestTurn_NoEntityFrame(t *testing.T) {
	tests := []struct {
		name string
		ext  entity.Extractor
	}{
		{"no extractor", nil},
		{"empty result", &fakeExtractor{ents: &entity.Entities{Diseases: []json.RawMessage{}, Drugs: []json.RawMessage{}}}},
		{"not configured", &fakeExtractor{err: entity.ErrNotConfigured}},
		{"service failure", &fakeExtractor{err: errors.New("timeout")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			turn := NewTurn(testRoute, rec, Options{Extractor: tt.ext})

			run(t, turn, agent.TextDelta{Text: "answer"}, agent.Artifact{}, agent.EndOfTurn{})

			assert.Empty(t, rec.ofType(wire.TypeEntities))
			require.Len(t, rec.events, 2)
			assert.True(t, rec.events[1].IsStop())
		})
	}
}

func TestTurn_UnknownEventDropped(t *testing.T) {
	rec := &recorder{}
	turn := NewTurn(testRoute, rec, Options{})

	run(t, turn, agent.Unknown{Kind: "heartbeat", Raw: "{}"})
	assert.Empty(t, rec.events)
}

func TestTurn_MalformedEventDoesNotEndTurn(t *testing.T) {
	rec := &recorder{}
	turn := NewTurn(testRoute, rec, Options{})

	run(t, turn,
		agent.TextDelta{Text: "before"},
		agent.ParseEvent(agent.EventText, "not-json"),
		agent.TextDelta{Text: " after"},
		agent.EndOfTurn{},
	)

	require.Len(t, rec.events, 3)
	assert.Equal(t, testRoute.Text("before"), rec.events[0])
	assert.Equal(t, testRoute.Text(" after"), rec.events[1])
	assert.True(t, rec.events[2].IsStop())
	for _, ev := range rec.events {
		assert.NotContains(t, ev.Message, "error:")
	}
}

func TestTurn_FinishWithError(t *testing.T) {
	rec := &recorder{}
	turn := NewTurn(testRoute, rec, Options{})

	run(t, turn, agent.TextDelta{Text: "partial"})
	require.NoError(t, turn.Finish(context.Background(), errors.New("agent stream broke")))
	require.NoError(t, turn.Finish(context.Background(), errors.New("again")))

	require.Len(t, rec.events, 3)
	assert.Equal(t, wire.TypeText, rec.events[1].Type)
	assert.Equal(t, "error: agent stream broke", rec.events[1].Message)
	assert.True(t, rec.events[2].IsStop())

	// Events after the end are ignored.
	run(t, turn, agent.TextDelta{Text: "late"})
	assert.Len(t, rec.events, 3)
}

func TestTurn_FinishWithoutEndOfTurn(t *testing.T) {
	rec := &recorder{}
	turn := NewTurn(testRoute, rec, Options{})

	run(t, turn, agent.TextDelta{Text: "cut short"})
	require.NoError(t, turn.Finish(context.Background(), nil))

	require.Len(t, rec.events, 2)
	assert.True(t, rec.events[1].IsStop())
}

func TestTurn_FinishAfterEndOfTurnIsNoop(t *testing.T) {
	rec := &recorder{}
	turn := NewTurn(testRoute, rec, Options{})

	run(t, turn, agent.EndOfTurn{})
	require.NoError(t, turn.Finish(context.Background(), nil))
	assert.Len(t, rec.events, 1)
}

func TestTurn_EmitFailureSurfaces(t *testing.T) {
	rec := &recorder{err: errors.New("broker down")}
	turn := NewTurn(testRoute, rec, Options{})

	err := turn.Handle(context.Background(), agent.TextDelta{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	err = turn.Finish(context.Background(), err)
	assert.Error(t, err)
}

func TestAccumulator_MergesByIndex(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(agent.ToolCallFragment{Index: 2, Name: "b", Arguments: "x"})
	acc.Add(agent.ToolCallFragment{Index: 0, ID: "first", Name: "a", Type: "function"})
	acc.Add(agent.ToolCallFragment{Index: 0, ID: "second", Arguments: "1"})
	acc.Add(agent.ToolCallFragment{Index: 0, Arguments: "2"})
	assert.Equal(t, 2, acc.Len())

	calls := acc.Flush()
	assert.Equal(t, []ToolCall{
		{Index: 0, ID: "second", Type: "function", Name: "a", Arguments: "12"},
		{Index: 2, Name: "b", Arguments: "x"},
	}, calls)
	assert.Equal(t, 0, acc.Len())
}

func TestLoadToolCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[tools.search_document_db]
display = "papers"
category = "global"

[tools.lookup_icd]
display = "ICD codes"
`), 0o644))

	catalog, err := LoadToolCatalog(path)
	require.NoError(t, err)

	assert.Equal(t, ToolInfo{Display: "papers", Category: "global"}, catalog.Lookup("search_document_db"))
	assert.Equal(t, ToolInfo{Display: "ICD codes"}, catalog.Lookup("lookup_icd"))
	assert.Equal(t, "clinical guidelines", catalog.Lookup("search_guideline_db").Display)
	assert.Equal(t, ToolInfo{Display: "mystery"}, catalog.Lookup("mystery"))
}

func TestLoadToolCatalog_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadToolCatalog(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[tools.x]\ncolour = \"red\"\n"), 0o644))
	_, err = LoadToolCatalog(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")

	catalog, err := LoadToolCatalog("")
	require.NoError(t, err)
	assert.Len(t, catalog, 3)
}
