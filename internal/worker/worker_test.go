// ABOUTME: Tests for the redelivery guard, agent handler, and gRPC health server
// ABOUTME: Uses a fake clock, an httptest agent, and a loopback gRPC listener

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/translator"
	"github.com/2389/coven-relay/internal/wire"
)

func TestRedeliveryGuard_AdmitsOncePerWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := newRedeliveryGuard(time.Minute, 0)
	g.now = func() time.Time { return now }

	assert.True(t, g.Admit("a"))
	assert.False(t, g.Admit("a"))
	assert.True(t, g.Admit("b"))

	now = now.Add(61 * time.Second)
	assert.True(t, g.Admit("a"), "expired ids are admitted again")
	assert.Equal(t, 1, g.Len(), "b expired and was pruned")
}

func TestRedeliveryGuard_EvictsOldestAtCapacity(t *testing.T) {
	g := newRedeliveryGuard(time.Hour, 3)
	for i := 0; i < 4; i++ {
		assert.True(t, g.Admit(fmt.Sprintf("s-%d", i)))
	}
	assert.Equal(t, 3, g.Len())
	assert.True(t, g.Admit("s-0"), "oldest was evicted")
	assert.False(t, g.Admit("s-3"))
}

func TestRedeliveryGuard_Forget(t *testing.T) {
	g := newRedeliveryGuard(time.Hour, 0)
	require.True(t, g.Admit("a"))
	g.Forget("a")
	g.Forget("never-seen")
	assert.True(t, g.Admit("a"))
}

func TestRedeliveryGuard_DisabledWithZeroWindow(t *testing.T) {
	g := newRedeliveryGuard(0, 0)
	assert.True(t, g.Admit("a"))
	assert.True(t, g.Admit("a"))
	assert.Equal(t, 0, g.Len())
}

func TestAgentHandler_SplitsQuestionAndHistory(t *testing.T) {
	var got agent.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		_ = agent.WriteEvent(w, agent.TextDelta{Text: "answer"})
		_ = agent.WriteEvent(w, agent.EndOfTurn{})
	}))
	defer srv.Close()

	env := &wire.Envelope{
		SessionID:  "s-1",
		UserID:     "u1",
		FunctionID: 8,
		Messages: []wire.Message{
			{Role: "user", Content: wire.TextContent("first")},
			{Role: "assistant", Content: wire.TextContent("reply")},
			{Role: "user", Content: wire.TextContent("second")},
		},
		Attachment: map[string]any{"tools": []any{"search_document_db", 7}},
	}

	out := newSink()
	turn := translator.NewTurn(wire.RouteOf(env), out, translator.Options{})
	h := NewAgentHandler("rag", agent.NewClient(srv.URL), nil)

	require.NoError(t, h.Handle(context.Background(), env, turn))

	assert.Equal(t, "second", got.Question)
	require.Len(t, got.History, 2)
	assert.Equal(t, "reply", got.History[1].Content.Text)
	assert.Equal(t, []string{"search_document_db"}, got.Tools)
	assert.Equal(t, "u1", got.UserID)

	assert.True(t, turn.Finished())
	evs := out.session("s-1")
	require.Len(t, evs, 2)
	assert.Equal(t, "answer", evs[0].Message)
}

func TestAgentHandler_WrapsStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	env := &wire.Envelope{SessionID: "s", Messages: []wire.Message{{Role: "user", Content: wire.TextContent("q")}}}
	turn := translator.NewTurn(wire.RouteOf(env), newSink(), translator.Options{})

	err := NewAgentHandler("rag", agent.NewClient(srv.URL), nil).Handle(context.Background(), env, turn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rag agent")
	assert.Contains(t, err.Error(), "status 502")
}

func TestHealthServer_ReportsConnectionState(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hs := NewHealthServer(nil)
	go func() { _ = hs.Serve(lis) }()
	defer hs.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := lis.Addr().String()

	status, err := Probe(ctx, addr, ServiceName)
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, status)

	hs.SetServing(true)
	status, err = Probe(ctx, addr, "")
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, status)

	_, err = Probe(ctx, addr, "no.such.Service")
	assert.Error(t, err)
}
