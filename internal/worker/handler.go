// ABOUTME: Function handlers that run a question through an external agent
// ABOUTME: Splits the conversation into question and history and streams agent events into the turn

package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/translator"
	"github.com/2389/coven-relay/internal/wire"
)

// Handler answers one question. It feeds everything it produces into turn
// and returns when the answer is complete; the pool finishes the turn.
type Handler interface {
	Handle(ctx context.Context, env *wire.Envelope, turn *translator.Turn) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *wire.Envelope, turn *translator.Turn) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *wire.Envelope, turn *translator.Turn) error {
	return f(ctx, env, turn)
}

// AgentHandler serves a function id by streaming from an agent.
type AgentHandler struct {
	name   string
	agent  agent.Streamer
	logger *slog.Logger
}

// NewAgentHandler creates a handler for the named function.
func NewAgentHandler(name string, streamer agent.Streamer, logger *slog.Logger) *AgentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentHandler{
		name:   name,
		agent:  streamer,
		logger: logger.With("component", "agent_handler", "function", name),
	}
}

// Handle sends the last message as the question and everything before it
// as history, together with the tools the client selected.
func (h *AgentHandler) Handle(ctx context.Context, env *wire.Envelope, turn *translator.Turn) error {
	last := len(env.Messages) - 1
	req := &agent.Request{
		SessionID: env.SessionID,
		UserID:    env.UserID,
		Question:  env.Messages[last].Content.String(),
		History:   env.Messages[:last],
		Tools:     env.Tools(),
	}

	h.logger.Debug("invoking agent",
		"session_id", env.SessionID,
		"history", len(req.History),
		"tools", len(req.Tools),
	)

	err := h.agent.Stream(ctx, req, func(ev agent.Event) error {
		return turn.Handle(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("%s agent: %w", h.name, err)
	}
	return nil
}

var _ Handler = (*AgentHandler)(nil)
