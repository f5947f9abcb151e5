package updates

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/QRpeachKZ/mtsync/pkg/mtp"
)

// internalState owns all mutable engine state except the lock-free
// counters. Exactly one goroutine (run) mutates the pending buffers and gap
// windows, so no locks are needed around them; transport goroutines reach
// it through uchan and the resync goroutine through diffDone.
type internalState struct {
	selfID   int64
	counters *stateCounters

	ptsPending ptsBuffer
	qtsPending qtsBuffer
	ptsAxis    axis
	qtsAxis    axis

	resync  *resyncScheduler
	router  *Router
	confirm *confirmationTracker
	storage StateStorage
	client  Client

	uchan    chan mtp.Updates
	diffDone chan resyncResult

	clock              clockwork.Clock
	gapTimeout         time.Duration
	checkpointInterval time.Duration
	newBackoff         func() backoff.BackOff
	onDegraded         func(error)

	log    *zap.Logger
	tracer trace.Tracer
}

// run is the owning loop.
func (s *internalState) run(ctx context.Context) error {
	// The gap check cadence only bounds how late past the timeout a resync
	// can fire, so a fraction of the timeout itself is enough.
	gapTicker := s.clock.NewTicker(s.gapTimeout / 4)
	defer gapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-s.uchan:
			if err := s.handleUpdates(ctx, u); err != nil {
				return errors.Wrap(err, "handle updates")
			}
		case res := <-s.diffDone:
			if err := s.handleDifferenceResult(ctx, res); err != nil {
				return errors.Wrap(err, "apply difference")
			}
		case <-gapTicker.Chan():
			s.checkGapTimeouts()
		}
	}
}

func (s *internalState) handleUpdates(ctx context.Context, u mtp.Updates) error {
	switch u := u.(type) {
	case *mtp.UpdatesBatch:
		return s.handleBatch(ctx, u)
	case *mtp.UpdateShort:
		return s.handleBatch(ctx, &mtp.UpdatesBatch{
			Updates: []mtp.Update{u.Update},
			Date:    u.Date,
		})
	case *mtp.UpdatesTooLong:
		s.scheduleResync("updates too long")
		return nil
	default:
		s.log.Warn("Ignoring unknown updates container")
		return nil
	}
}

func (s *internalState) handleBatch(ctx context.Context, batch *mtp.UpdatesBatch) error {
	ctx, span := s.tracer.Start(ctx, "internalState.handleBatch")
	defer span.End()

	// Seq guards the batch as a whole. A duplicate batch carries nothing
	// new; a seq gap means whole batches were lost and only a difference
	// can recover them, since seq has no pending buffer.
	if batch.SeqStart != 0 {
		switch classify(s.counters.Seq(), batch.SeqStart, 1) {
		case classDuplicate:
			s.log.Debug("Duplicate batch ignored",
				zap.Int("seq_start", batch.SeqStart),
				zap.Int("seq", s.counters.Seq()),
			)
			return nil
		case classGap:
			s.log.Debug("Seq gap",
				zap.Int("expected", s.counters.Seq()+1),
				zap.Int("observed", batch.SeqStart),
			)
			s.scheduleResync("seq gap")
			return nil
		}
	}

	ents := mtp.Entities{Users: batch.Users, Chats: batch.Chats}
	sortUpdatesByPts(batch.Updates)

	ptsChanged := false
	for _, u := range batch.Updates {
		if _, ok := u.(*mtp.UpdatePtsChanged); ok {
			ptsChanged = true
			continue
		}

		if pts, ptsCount, ok := mtp.IsPtsUpdate(u); ok {
			if err := s.handlePts(ctx, pts, ptsCount, u, ents); err != nil && !isGap(err) {
				return err
			}
			continue
		}

		if qts, ok := mtp.IsQtsUpdate(u); ok {
			if err := s.handleQts(ctx, qts, u, ents); err != nil && !isGap(err) {
				return err
			}
			continue
		}

		// Non-sequenced updates bypass ordering entirely.
		if err := s.router.Apply(ctx, []mtp.Update{u}, ents); err != nil {
			return err
		}
	}

	setDate, setSeq := batch.Date > s.counters.Date(), batch.Seq > 0
	switch {
	case setDate && setSeq:
		s.counters.SetDate(batch.Date, "batch")
		s.counters.SetSeq(batch.Seq, "batch")
	case setDate:
		s.counters.SetDate(batch.Date, "batch")
	case setSeq:
		s.counters.SetSeq(batch.Seq, "batch")
	}

	if ptsChanged {
		s.scheduleResync("pts changed")
	}
	return nil
}

func (s *internalState) handlePts(ctx context.Context, pts, ptsCount int, u mtp.Update, ents mtp.Entities) error {
	if pts < 0 || ptsCount < 0 {
		err := &InvalidSequenceError{Update: u.TypeName(), Reason: "negative pts or pts_count"}
		s.log.Warn("Dropping malformed update", zap.Error(err))
		return nil
	}

	current := s.counters.Pts()
	switch classify(current, pts, ptsCount) {
	case classDuplicate:
		s.log.Debug("Pts duplicate ignored",
			zap.Int("pts", pts),
			zap.Int("current", current),
		)
		return nil
	case classContiguous:
		if err := s.applyPts(ctx, pts, []update{{value: u, ents: ents}}); err != nil {
			return err
		}
		return s.drainPts(ctx)
	default:
		s.ptsPending.Insert(pendingPtsUpdate{
			pts:      pts,
			ptsCount: ptsCount,
			update:   u,
			ents:     ents,
			recvAt:   s.clock.Now(),
		})
		gapErr := &PtsGapError{Expected: current + 1, Actual: pts}
		if s.ptsAxis.openGap(current+1, pts, s.clock.Now()) {
			s.log.Info("Pts gap detected", zap.Error(gapErr))
		}
		return gapErr
	}
}

func (s *internalState) handleQts(ctx context.Context, qts int, u mtp.Update, ents mtp.Entities) error {
	if qts < 0 {
		err := &InvalidSequenceError{Update: u.TypeName(), Reason: "negative qts"}
		s.log.Warn("Dropping malformed update", zap.Error(err))
		return nil
	}

	current := s.counters.Qts()
	switch classify(current, qts, 1) {
	case classDuplicate:
		s.log.Debug("Qts duplicate ignored",
			zap.Int("qts", qts),
			zap.Int("current", current),
		)
		return nil
	case classContiguous:
		if err := s.applyQts(ctx, qts, []update{{value: u, ents: ents}}); err != nil {
			return err
		}
		return s.drainQts(ctx)
	default:
		s.qtsPending.Insert(pendingQtsUpdate{
			qts:    qts,
			update: u,
			ents:   ents,
			recvAt: s.clock.Now(),
		})
		gapErr := &QtsGapError{Expected: current + 1, Actual: qts}
		if s.qtsAxis.openGap(current+1, qts, s.clock.Now()) {
			s.log.Info("Qts gap detected", zap.Error(gapErr))
		}
		return gapErr
	}
}

// drainPts applies the entire contiguous run now reachable from the
// committed frontier, then closes the gap window if nothing is left.
func (s *internalState) drainPts(ctx context.Context) error {
	for {
		e, ok := s.ptsPending.PopMinIfContiguous(s.counters.Pts())
		if !ok {
			break
		}
		if err := s.applyPts(ctx, e.pts, []update{{value: e.update, ents: e.ents}}); err != nil {
			return err
		}
	}
	if s.ptsPending.Len() == 0 {
		s.ptsAxis.closeGap("drained")
	}
	return nil
}

func (s *internalState) drainQts(ctx context.Context) error {
	for {
		e, ok := s.qtsPending.PopMinIfContiguous(s.counters.Qts())
		if !ok {
			break
		}
		if err := s.applyQts(ctx, e.qts, []update{{value: e.update, ents: e.ents}}); err != nil {
			return err
		}
	}
	if s.qtsPending.Len() == 0 {
		s.qtsAxis.closeGap("drained")
	}
	return nil
}

// checkGapTimeouts schedules a resync for any gap that stayed unfilled past
// the threshold, so silent packet loss is not mistaken for completion.
func (s *internalState) checkGapTimeouts() {
	now := s.clock.Now()
	if s.ptsAxis.expired(now, s.gapTimeout) {
		s.ptsAxis.closeGap("timeout")
		s.scheduleResync("pts gap timeout")
	}
	if s.qtsAxis.expired(now, s.gapTimeout) {
		s.qtsAxis.closeGap("timeout")
		s.scheduleResync("qts gap timeout")
	}
}

func (s *internalState) scheduleResync(reason string) {
	s.resync.Schedule(reason)
}

// handleDifferenceResult validates one difference slice against the current
// epoch and counters before applying it. A stale completion must never
// regress state produced by a newer resync or by the live stream.
func (s *internalState) handleDifferenceResult(ctx context.Context, res resyncResult) error {
	if res.epoch != s.resync.Epoch() ||
		res.diff.State.Pts < s.counters.Pts() ||
		res.diff.State.Qts < s.counters.Qts() {
		s.log.Warn("Discarding stale difference",
			zap.Int64("epoch", res.epoch),
			zap.Int64("current_epoch", s.resync.Epoch()),
			zap.Int("diff_pts", res.diff.State.Pts),
			zap.Int("current_pts", s.counters.Pts()),
		)
		res.applied <- errStaleResync
		return nil
	}

	err := s.applyDifference(ctx, res.diff)
	res.applied <- err
	return err
}
