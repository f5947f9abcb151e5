package updates

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/QRpeachKZ/mtsync/pkg/mtp"
)

// Client is the getDifference RPC boundary.
type Client interface {
	GetDifference(ctx context.Context, req mtp.DifferenceRequest) (mtp.Difference, error)
}

// resyncScheduler guarantees at most one in-flight difference request per
// engine. Schedule may be called from any goroutine.
type resyncScheduler struct {
	log *zap.Logger

	inFlight atomic.Bool
	epoch    atomic.Int64
	requests chan int64
}

func newResyncScheduler(log *zap.Logger) *resyncScheduler {
	return &resyncScheduler{
		log: log,
		// Buffered by one: a successful CAS on inFlight is the only path
		// that sends, so the send never blocks.
		requests: make(chan int64, 1),
	}
}

// Schedule requests a resync. Idempotent: while one is in flight this is a
// no-op, so concurrent gap detections never issue duplicate RPCs.
func (r *resyncScheduler) Schedule(reason string) bool {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.log.Debug("Resync already in flight", zap.String("reason", reason))
		return false
	}
	epoch := r.epoch.Inc()
	r.log.Info("Resync scheduled",
		zap.Int64("epoch", epoch),
		zap.String("reason", reason),
	)
	r.requests <- epoch
	return true
}

// Epoch returns the current resync epoch.
func (r *resyncScheduler) Epoch() int64 { return r.epoch.Load() }

// InFlight reports whether a resync is currently in flight.
func (r *resyncScheduler) InFlight() bool { return r.inFlight.Load() }

// Finish releases the in-flight flag after a terminal completion.
func (r *resyncScheduler) Finish() { r.inFlight.Store(false) }

// resyncResult carries one difference slice from the RPC goroutine to the
// engine loop. The loop reports back through applied so the RPC goroutine
// knows when the counters were re-seeded and the next slice may be fetched.
type resyncResult struct {
	epoch   int64
	diff    mtp.Difference
	applied chan error
}

// runResync serves scheduled resyncs one at a time until ctx is done.
func (s *internalState) runResync(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case epoch := <-s.resync.requests:
			if err := s.getDifference(ctx, epoch); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}
	}
}

// getDifference drives one scheduled resync to a terminal state: it fetches
// difference slices with bounded retry, hands each slice to the engine loop
// and keeps going until the server reports the catch-up complete.
func (s *internalState) getDifference(ctx context.Context, epoch int64) error {
	ctx, span := s.tracer.Start(ctx, "updates.getDifference")
	defer span.End()

	bo := s.newBackoff()
	for {
		diff, err := s.client.GetDifference(ctx, mtp.DifferenceRequest{
			Pts:  s.counters.Pts(),
			Qts:  s.counters.Qts(),
			Date: s.counters.Date(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			next := bo.NextBackOff()
			if next == backoff.Stop {
				s.log.Error("Difference retries exhausted", zap.Error(err))
				s.resync.Finish()
				if s.onDegraded != nil {
					s.onDegraded(multierr.Append(ErrDegraded, err))
				}
				return nil
			}
			s.log.Warn("GetDifference failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", next),
			)
			timer := s.clock.NewTimer(next)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.Chan():
			}
			continue
		}

		res := resyncResult{epoch: epoch, diff: diff, applied: make(chan error, 1)}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.diffDone <- res:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-res.applied:
			switch {
			case errors.Is(err, errStaleResync):
				// The live stream outran this difference while it was in
				// flight; there is nothing left to catch up on. Release the
				// flag so the next gap can schedule again.
				s.resync.Finish()
				return nil
			case err != nil:
				return err
			}
		}

		if diff.Final {
			s.resync.Finish()
			s.log.Info("Resync complete", zap.Int64("epoch", epoch))
			return nil
		}
		// Partial slice: the counters were re-seeded from the slice state,
		// fetch the next one immediately. The in-flight flag stays held.
		bo.Reset()
		s.log.Debug("Partial difference applied, fetching next slice",
			zap.Int64("epoch", epoch),
		)
	}
}
