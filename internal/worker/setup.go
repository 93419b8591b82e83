// ABOUTME: Builds a dispatch pool from the shared relay configuration
// ABOUTME: Used by relay-worker and by the gateway's embedded worker mode

package worker

import (
	"fmt"
	"log/slog"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/entity"
	"github.com/2389/coven-relay/internal/translator"
)

// HandlersFromConfig creates one AgentHandler per configured function.
func HandlersFromConfig(fns []config.FunctionConfig, logger *slog.Logger) map[int]Handler {
	handlers := make(map[int]Handler, len(fns))
	for _, fn := range fns {
		name := fn.Name
		if name == "" {
			name = fmt.Sprintf("function-%d", fn.ID)
		}
		handlers[fn.ID] = NewAgentHandler(name, agent.NewClient(fn.AgentURL), logger)
	}
	return handlers
}

// NewFromConfig creates a pool consuming cfg.Broker.QuestionQueue.
func NewFromConfig(cfg *config.Config, consumer QueueConsumer, emitter translator.Emitter, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	catalog, err := translator.LoadToolCatalog(cfg.Worker.ToolCatalog)
	if err != nil {
		return nil, fmt.Errorf("loading tool catalog: %w", err)
	}

	var extractor entity.Extractor
	if client := entity.NewClient(cfg.Services.EntityURL, cfg.Services.Timeout); client.Configured() {
		extractor = client
	} else {
		logger.Warn("entity extraction disabled - no services.entity_url configured")
	}

	return NewPool(consumer, emitter, HandlersFromConfig(cfg.Worker.Functions, logger), Options{
		Queue:          cfg.Broker.QuestionQueue,
		MaxConcurrency: cfg.Worker.MaxConcurrency,
		TurnTimeout:    cfg.Worker.TurnTimeout,
		DedupeWindow:   cfg.Worker.DedupeWindow,
		Translator: translator.Options{
			Catalog:   catalog,
			Extractor: extractor,
		},
		Logger: logger,
	}), nil
}
