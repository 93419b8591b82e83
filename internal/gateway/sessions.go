// ABOUTME: Read-only HTTP API over the session ledger
// ABOUTME: Lists sessions, fetches one by id, and reports totals with live counters

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/worker"
)

// SessionResponse is one ledger entry as returned by the API.
type SessionResponse struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	FunctionID int        `json:"function_id"`
	Question   string     `json:"question"`
	Outcome    string     `json:"outcome"`
	Frames     int64      `json:"frames"`
	Dropped    int64      `json:"dropped"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}

// StatsResponse combines ledger totals with the live process counters.
type StatsResponse struct {
	Ledger       *store.SessionStats `json:"ledger"`
	LiveSessions int                 `json:"live_sessions"`
	Connected    bool                `json:"broker_connected"`
	Consumer     relay.ConsumerStats `json:"consumer"`
	Worker       *worker.Stats       `json:"worker,omitempty"`
}

func toSessionResponse(s *store.Session) SessionResponse {
	return SessionResponse{
		ID:         s.ID,
		UserID:     s.UserID,
		FunctionID: s.FunctionID,
		Question:   s.Question,
		Outcome:    string(s.Outcome),
		Frames:     s.Frames,
		Dropped:    s.Dropped,
		CreatedAt:  s.CreatedAt,
		FinishedAt: s.FinishedAt,
		DurationMS: s.Duration().Milliseconds(),
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// handleListSessions handles GET /api/sessions?limit=N&user=ID.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Parse optional limit parameter (default 50, max 500)
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, 500)
	}

	sessions, err := g.store.ListSessions(r.Context(), store.SessionFilter{
		UserID: r.URL.Query().Get("user"),
		Limit:  limit,
	})
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	g.writeJSON(w, map[string]any{"sessions": out})
}

// handleGetSession handles GET /api/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	s, err := g.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get session", "session_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, toSessionResponse(s))
}

// handleSessionStats handles GET /api/stats/sessions?since=24h.
func (g *Gateway) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var since time.Time
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		d, err := time.ParseDuration(sinceStr)
		if err != nil || d <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "since must be a positive duration")
			return
		}
		since = time.Now().Add(-d)
	}

	stats, err := g.store.SessionStats(r.Context(), since)
	if err != nil {
		g.logger.Error("failed to get session stats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := StatsResponse{
		Ledger:       stats,
		LiveSessions: g.registry.Len(),
		Connected:    g.consumeClient.Connected(),
		Consumer:     g.consumer.Stats(),
	}
	if g.pool != nil {
		ws := g.pool.Stats()
		resp.Worker = &ws
	}
	g.writeJSON(w, resp)
}
