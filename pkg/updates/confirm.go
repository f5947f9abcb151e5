package updates

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// confirmationTracker records the last counters known to be durably applied
// to downstream consumers. It performs no I/O itself; the engine flushes a
// checkpoint through StateStorage on a bounded cadence and on shutdown, so
// write amplification and the crash data-loss window are both bounded.
type confirmationTracker struct {
	log *zap.Logger

	pts   atomic.Int32
	qts   atomic.Int32
	dirty atomic.Bool
}

func newConfirmationTracker(log *zap.Logger) *confirmationTracker {
	return &confirmationTracker{log: log}
}

// Confirm records pts and qts as externally confirmed. The caller must only
// invoke it after the corresponding updates reached their consumers.
func (t *confirmationTracker) Confirm(pts, qts int) {
	t.pts.Store(int32(pts))
	t.qts.Store(int32(qts))
	t.dirty.Store(true)
}

// Last returns the last confirmed pair.
func (t *confirmationTracker) Last() (pts, qts int) {
	return int(t.pts.Load()), int(t.qts.Load())
}

// flushCheckpoint writes the confirmed pair plus the current date/seq if
// anything changed since the previous flush.
func (s *internalState) flushCheckpoint(ctx context.Context) error {
	if !s.confirm.dirty.Swap(false) {
		return nil
	}
	pts, qts := s.confirm.Last()
	state := State{
		Pts:  pts,
		Qts:  qts,
		Date: s.counters.Date(),
		Seq:  s.counters.Seq(),
	}
	if err := s.storage.SetState(ctx, s.selfID, state); err != nil {
		s.confirm.dirty.Store(true)
		return errors.Wrap(err, "checkpoint")
	}
	s.log.Debug("Checkpoint written",
		zap.Int("pts", state.Pts),
		zap.Int("qts", state.Qts),
		zap.Int("date", state.Date),
		zap.Int("seq", state.Seq),
	)
	return nil
}

// runCheckpoint flushes on the configured cadence until ctx is done, then
// flushes one final time on clean shutdown.
func (s *internalState) runCheckpoint(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.flushCheckpoint(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("Final checkpoint failed", zap.Error(err))
			}
			return ctx.Err()
		case <-ticker.Chan():
			if err := s.flushCheckpoint(ctx); err != nil {
				s.log.Warn("Checkpoint failed", zap.Error(err))
			}
		}
	}
}
