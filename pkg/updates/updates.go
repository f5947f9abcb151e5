// Package updates implements the update-stream synchronization engine: it
// keeps the client's view of server state consistent despite an unreliable,
// reorder-prone, at-least-once transport.
//
// The engine owns four monotonic counters (pts, qts, date, seq), classifies
// every incoming update as duplicate, contiguous or gap, buffers updates
// that arrived ahead of the contiguous frontier, and drives a differential
// resynchronization (getDifference) when a gap does not close in time.
// Contiguous updates are dispatched to domain consumers in strictly
// increasing counter order per axis; the engine never applies the same
// counter value twice.
//
// One Engine serves one account. There is no global state; multi-account
// support is multiple Engine instances.
package updates

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/QRpeachKZ/mtsync/pkg/mtp"
)

const (
	defaultGapTimeout         = 500 * time.Millisecond
	defaultCheckpointInterval = 30 * time.Second
	defaultMaxRetries         = 5
)

// Config configures an Engine.
type Config struct {
	// SelfID is the account this engine serves. Keys all storage access.
	SelfID int64
	// Storage persists counter checkpoints. Required.
	Storage StateStorage
	// Client performs getDifference calls. Required.
	Client Client
	// Router dispatches applied updates to domain consumers.
	Router Router

	// Logger is the engine logger. Defaults to a no-op logger.
	Logger *zap.Logger
	// TracerProvider defaults to the global otel provider.
	TracerProvider trace.TracerProvider
	// Clock defaults to the wall clock.
	Clock clockwork.Clock

	// GapTimeout bounds how long a detected gap may stay unfilled before a
	// resync is forced. Defaults to 500ms.
	GapTimeout time.Duration
	// CheckpointInterval bounds the checkpoint write cadence. Defaults to
	// 30s.
	CheckpointInterval time.Duration
	// Backoff builds the retry policy for failed getDifference calls.
	// Defaults to exponential backoff capped at 5 retries.
	Backoff func() backoff.BackOff
	// OnDegraded is called when the retry ceiling is exhausted. The engine
	// keeps running; the owner decides whether to reconnect the transport.
	OnDegraded func(error)
}

// Engine is the per-account update synchronization engine.
type Engine struct {
	s *internalState
}

// New creates an engine. It does nothing until Run is called.
func New(cfg Config) *Engine {
	if cfg.Storage == nil {
		panic("updates: Config.Storage is required")
	}
	if cfg.Client == nil {
		panic("updates: Config.Client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = defaultGapTimeout
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultMaxRetries)
		}
	}

	log := cfg.Logger.Named("updates")
	router := cfg.Router
	router.log = log.Named("router")

	s := &internalState{
		selfID:             cfg.SelfID,
		counters:           newStateCounters(log.Named("counters")),
		ptsAxis:            axis{name: "pts", log: log},
		qtsAxis:            axis{name: "qts", log: log},
		resync:             newResyncScheduler(log.Named("resync")),
		router:             &router,
		confirm:            newConfirmationTracker(log.Named("confirm")),
		storage:            cfg.Storage,
		client:             cfg.Client,
		uchan:              make(chan mtp.Updates, 16),
		diffDone:           make(chan resyncResult),
		clock:              cfg.Clock,
		gapTimeout:         cfg.GapTimeout,
		checkpointInterval: cfg.CheckpointInterval,
		newBackoff:         cfg.Backoff,
		onDegraded:         cfg.OnDegraded,
		log:                log,
		tracer:             cfg.TracerProvider.Tracer("mtsync.updates"),
	}
	return &Engine{s: s}
}

// Run initializes counters from the last persisted checkpoint and serves
// updates until ctx is done or an internal invariant is violated. In the
// latter case the engine must be reconstructed from the checkpoint rather
// than reused.
func (e *Engine) Run(ctx context.Context) error {
	s := e.s

	state, found, err := s.storage.GetState(ctx, s.selfID)
	if err != nil {
		return errors.Wrap(err, "load state")
	}
	if !found {
		if err := s.storage.SetState(ctx, s.selfID, State{}); err != nil {
			return errors.Wrap(err, "init state")
		}
	}
	s.counters.Seed(state, "load")
	s.confirm.Confirm(state.Pts, state.Qts)
	s.confirm.dirty.Store(false)
	s.log.Info("Engine starting",
		zap.Int64("self_id", s.selfID),
		zap.Int("pts", state.Pts),
		zap.Int("qts", state.Qts),
		zap.Int("seq", state.Seq),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.run(ctx) })
	g.Go(func() error { return s.runResync(ctx) })
	g.Go(func() error { return s.runCheckpoint(ctx) })
	return g.Wait()
}

// Handle feeds one decoded updates container into the engine. Safe for
// concurrent use by multiple transport goroutines. Blocks only while the
// engine's intake queue is full.
func (e *Engine) Handle(ctx context.Context, u mtp.Updates) error {
	if u == nil {
		return errors.New("nil updates container")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case e.s.uchan <- u:
		return nil
	}
}

// State returns the current counter snapshot. Never blocks.
func (e *Engine) State() State {
	return e.s.counters.Snapshot()
}

// Confirmed returns the last counters confirmed as durably applied.
func (e *Engine) Confirmed() (pts, qts int) {
	return e.s.confirm.Last()
}
