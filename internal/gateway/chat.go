// ABOUTME: POST /chat handler and the live delivery loop that streams answers as SSE
// ABOUTME: Registers the session before publishing and records every stream outcome in the ledger

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

const (
	// maxChatBody bounds the request body; attachments travel as URLs.
	maxChatBody = 4 << 20

	// maxLedgerQuestion is how much of the question the ledger keeps.
	maxLedgerQuestion = 200

	// lifetimeExceeded is the error frame sent when a session outlives
	// gateway.max_session_lifetime.
	lifetimeExceeded = "session exceeded maximum lifetime"
)

// ChatRequest is the body of POST /chat. A zero FunctionID selects
// gateway.default_function_id.
type ChatRequest struct {
	UserID     string         `json:"userId"`
	FunctionID int            `json:"functionId"`
	Messages   []wire.Message `json:"messages"`
	Attachment map[string]any `json:"attachment,omitempty"`
}

// sessionFrame is the payload of the session and end SSE events.
type sessionFrame struct {
	SessionID string `json:"sessionId"`
}

// parseChatRequest decodes and validates a ChatRequest.
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if len(req.Messages) == 0 {
		return nil, wire.ErrNoMessages
	}
	return &req, nil
}

// handleChat handles POST /chat.
//
// The session is registered before the request is published so that no
// answer can arrive for an unknown id, and deregistered again if the
// publish fails.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseChatRequest(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check streaming support before publishing (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	env := g.buildEnvelope(r, req)
	logger := g.logger.With("session_id", env.SessionID, "function_id", env.FunctionID)

	entry, err := g.registry.Register(env.SessionID, session.Meta{UserID: env.UserID, FunctionID: env.FunctionID})
	if err != nil {
		logger.Error("failed to register session", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "gateway is shutting down")
		return
	}

	g.recordSession(r.Context(), env)

	if err := g.publisher.Publish(r.Context(), env); err != nil {
		g.registry.Deregister(env.SessionID)
		g.finishSession(r.Context(), env.SessionID, store.SessionFinish{Outcome: store.OutcomeRejected})
		logger.Error("failed to publish question", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	logger.Info("session started", "user_id", env.UserID, "messages", len(env.Messages))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Initial frame tells the client which session it is reading
	if err := g.writeSSEEvent(w, "session", sessionFrame{SessionID: env.SessionID}); err != nil {
		logger.Warn("failed to write session frame", "error", err)
	}
	flusher.Flush()

	g.streamSession(r.Context(), w, flusher, entry)
}

// buildEnvelope allocates a session id and rewrites multi-part messages.
// An authenticated identity overrides the userId in the body.
func (g *Gateway) buildEnvelope(r *http.Request, req *ChatRequest) *wire.Envelope {
	userID := req.UserID
	if id := auth.FromContext(r.Context()); id != nil {
		userID = id.UserID
	}
	functionID := req.FunctionID
	if functionID == 0 {
		functionID = g.config.Gateway.DefaultFunctionID
	}
	return &wire.Envelope{
		SessionID:  uuid.NewString(),
		UserID:     userID,
		FunctionID: functionID,
		Messages:   g.rewriter.RewriteMessages(r.Context(), req.Messages),
		Attachment: req.Attachment,
	}
}

// streamSession relays the entry's events to the client until the session
// ends. It always deregisters the session and records the outcome.
func (g *Gateway) streamSession(ctx context.Context, w io.Writer, flusher http.Flusher, entry *session.Entry) {
	outcome := store.OutcomeAborted
	var frames int64

	defer func() {
		g.registry.Deregister(entry.ID)
		g.finishSession(ctx, entry.ID, store.SessionFinish{
			Outcome: outcome,
			Frames:  frames,
			Dropped: entry.Dropped(),
		})
		g.logger.Info("session ended",
			"session_id", entry.ID,
			"outcome", outcome,
			"frames", frames,
			"dropped", entry.Dropped(),
			"duration", time.Since(entry.CreatedAt),
		)
	}()

	var expired <-chan time.Time
	if lifetime := g.config.Gateway.MaxSessionLifetime; lifetime > 0 {
		timer := time.NewTimer(lifetime)
		defer timer.Stop()
		expired = timer.C
	}

	end := sessionFrame{SessionID: entry.ID}

	for {
		select {
		case <-ctx.Done():
			outcome = store.OutcomeDisconnected
			return

		case <-expired:
			outcome = store.OutcomeExpired
			route := wire.Route{SessionID: entry.ID, UserID: entry.Meta.UserID, FunctionID: entry.Meta.FunctionID}
			if err := g.writeSSEData(w, route.Error(lifetimeExceeded)); err == nil {
				frames++
				_ = g.writeSSEEvent(w, "end", end)
			}
			flusher.Flush()
			return

		case ev, ok := <-entry.Events():
			if !ok {
				return
			}
			if ev.IsStop() {
				if err := g.writeSSEEvent(w, "end", end); err != nil {
					return
				}
				flusher.Flush()
				outcome = store.OutcomeCompleted
				return
			}
			if err := g.writeSSEData(w, ev); err != nil {
				g.logger.Warn("failed to write frame", "session_id", entry.ID, "error", err)
				return
			}
			frames++
			flusher.Flush()
		}
	}
}

// recordSession opens the ledger row. Ledger failures never fail the request.
func (g *Gateway) recordSession(ctx context.Context, env *wire.Envelope) {
	var question string
	if n := len(env.Messages); n > 0 {
		question = truncate(env.Messages[n-1].Content.String(), maxLedgerQuestion)
	}
	err := g.store.CreateSession(context.WithoutCancel(ctx), &store.Session{
		ID:         env.SessionID,
		UserID:     env.UserID,
		FunctionID: env.FunctionID,
		Question:   question,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		g.logger.Error("failed to record session", "session_id", env.SessionID, "error", err)
	}
}

// finishSession closes the ledger row. The request context may already be
// done when this runs.
func (g *Gateway) finishSession(ctx context.Context, id string, f store.SessionFinish) {
	if f.FinishedAt.IsZero() {
		f.FinishedAt = time.Now()
	}
	if err := g.store.FinishSession(context.WithoutCancel(ctx), id, f); err != nil {
		g.logger.Error("failed to finish session record", "session_id", id, "error", err)
	}
}

// writeSSEEvent writes a named SSE event with JSON data.
func (g *Gateway) writeSSEEvent(w io.Writer, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling SSE data: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, dataJSON)
	return err
}

// writeSSEData writes an unnamed SSE event carrying one answer event.
func (g *Gateway) writeSSEData(w io.Writer, ev wire.AnswerEvent) error {
	dataJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling answer event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
	return err
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
