// ABOUTME: Bounded dispatch pool consuming the question queue
// ABOUTME: Acks each question once its turn is submitted and isolates turns from each other

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/translator"
	"github.com/2389/coven-relay/internal/wire"
)

// Defaults for Options.
const (
	DefaultMaxConcurrency = 20
	DefaultTurnTimeout    = 10 * time.Minute
)

// finishTimeout bounds publishing the closing frames of a turn whose own
// context has already expired.
const finishTimeout = 10 * time.Second

// QueueConsumer is the broker operation the pool needs.
type QueueConsumer interface {
	Consume(ctx context.Context, queue string, handle broker.Handler) error
}

// Options configures a Pool.
type Options struct {
	Queue          string
	MaxConcurrency int
	TurnTimeout    time.Duration
	// DedupeWindow is how long a started session id is remembered. Zero
	// disables the redelivery guard.
	DedupeWindow time.Duration
	Translator   translator.Options
	Logger       *slog.Logger
}

// Stats counts what the pool did with each question.
type Stats struct {
	Started    int64 `json:"started"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Rejected   int64 `json:"rejected"`
	Duplicates int64 `json:"duplicates"`
	InFlight   int   `json:"in_flight"`
}

// Pool runs at most MaxConcurrency turns at once.
type Pool struct {
	consumer QueueConsumer
	emitter  translator.Emitter
	handlers map[int]Handler
	opts     Options
	logger   *slog.Logger

	slots chan struct{}
	guard *redeliveryGuard
	wg    sync.WaitGroup

	started    atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	rejected   atomic.Int64
	duplicates atomic.Int64
}

// NewPool creates a pool. handlers maps function ids to their handler;
// emitter publishes answer events.
func NewPool(consumer QueueConsumer, emitter translator.Emitter, handlers map[int]Handler, opts Options) *Pool {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Translator.Logger = logger

	return &Pool{
		consumer: consumer,
		emitter:  emitter,
		handlers: handlers,
		opts:     opts,
		logger:   logger.With("component", "dispatch_pool"),
		slots:    make(chan struct{}, opts.MaxConcurrency),
		guard:    newRedeliveryGuard(opts.DedupeWindow, 0),
	}
}

// Run consumes questions until ctx is cancelled. In-flight turns keep
// running; call Wait to let them finish.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("dispatch pool starting",
		"queue", p.opts.Queue,
		"max_concurrency", p.opts.MaxConcurrency,
		"functions", len(p.handlers),
	)
	err := p.consumer.Consume(ctx, p.opts.Queue, p.dispatch)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Wait blocks until every started turn has finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d turns: %w", len(p.slots), ctx.Err())
	}
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Started:    p.started.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
		Duplicates: p.duplicates.Load(),
		InFlight:   len(p.slots),
	}
}

// dispatch is the broker handler. It blocks only while all slots are busy.
func (p *Pool) dispatch(ctx context.Context, d broker.Delivery) {
	env, err := wire.DecodeEnvelope(d.Body)
	if err != nil {
		p.rejected.Add(1)
		p.logger.Warn("rejecting malformed question", "error", err, "bytes", len(d.Body))
		p.settle(d.Reject(false), "reject")
		return
	}

	logger := p.logger.With("session_id", env.SessionID, "function_id", env.FunctionID)

	if !p.guard.Admit(env.SessionID) {
		p.duplicates.Add(1)
		logger.Warn("skipping question already started", "redelivered", d.Redelivered)
		p.settle(d.Ack(), "ack")
		return
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		// Hand it back so another worker can take it.
		p.guard.Forget(env.SessionID)
		p.settle(d.Reject(true), "requeue")
		return
	}

	p.started.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		p.runTurn(context.WithoutCancel(ctx), env, logger)
	}()

	p.settle(d.Ack(), "ack")
}

func (p *Pool) settle(err error, action string) {
	if err != nil {
		p.logger.Error("failed to settle question", "action", action, "error", err)
	}
}

// runTurn answers one question and always ends its stream with [stop].
func (p *Pool) runTurn(parent context.Context, env *wire.Envelope, logger *slog.Logger) {
	start := time.Now()
	turn := translator.NewTurn(wire.RouteOf(env), p.emitter, p.opts.Translator)

	ctx, cancel := context.WithTimeout(parent, p.opts.TurnTimeout)
	defer cancel()

	var turnErr error
	defer func() {
		if r := recover(); r != nil {
			logger.Error("turn panicked", "panic", r, "stack", string(debug.Stack()))
			turnErr = fmt.Errorf("internal error: %v", r)
		}

		finishCtx, cancelFinish := context.WithTimeout(parent, finishTimeout)
		defer cancelFinish()
		if err := turn.Finish(finishCtx, turnErr); err != nil {
			logger.Error("failed to finish turn", "error", err)
		}

		if turnErr != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		logger.Info("turn finished", "duration", time.Since(start), "failed", turnErr != nil)
	}()

	handler, ok := p.handlers[env.FunctionID]
	if !ok {
		turnErr = fmt.Errorf("no handler for function %d", env.FunctionID)
		return
	}

	turnErr = handler.Handle(ctx, env, turn)
	if turnErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		turnErr = fmt.Errorf("turn timed out after %s", p.opts.TurnTimeout)
	}
}
