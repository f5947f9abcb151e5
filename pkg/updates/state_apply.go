package updates

import (
	"context"
	"sort"

	"github.com/QRpeachKZ/mtsync/pkg/mtp"
)

// update is one routed update with the entities that arrived alongside it.
type update struct {
	value mtp.Update
	ents  mtp.Entities
}

func sortUpdatesByPts(updates []mtp.Update) {
	sort.SliceStable(updates, func(i, j int) bool {
		a, _, ok := mtp.IsPtsUpdate(updates[i])
		if !ok {
			return false
		}
		b, _, ok := mtp.IsPtsUpdate(updates[j])
		if !ok {
			return false
		}
		return a < b
	})
}

func (s *internalState) applyPts(ctx context.Context, state int, updates []update) error {
	ctx, span := s.tracer.Start(ctx, "internalState.applyPts")
	defer span.End()

	var (
		converted []mtp.Update
		ents      mtp.Entities
	)
	for _, u := range updates {
		converted = append(converted, u.value)
		ents.Merge(u.ents)
	}

	if err := s.router.Apply(ctx, converted, ents); err != nil {
		return err
	}

	s.counters.SetPts(state, "pts update")
	s.confirm.Confirm(s.counters.Pts(), s.counters.Qts())
	return nil
}

func (s *internalState) applyQts(ctx context.Context, state int, updates []update) error {
	ctx, span := s.tracer.Start(ctx, "internalState.applyQts")
	defer span.End()

	var (
		converted []mtp.Update
		ents      mtp.Entities
	)
	for _, u := range updates {
		converted = append(converted, u.value)
		ents.Merge(u.ents)
	}

	if err := s.router.Apply(ctx, converted, ents); err != nil {
		return err
	}

	s.counters.SetQts(state, "qts update")
	s.confirm.Confirm(s.counters.Pts(), s.counters.Qts())
	return nil
}

// applyDifference applies one difference slice: buffered entries are
// superseded wholesale, counters re-seed from the server snapshot and the
// included updates flow to consumers pre-ordered.
func (s *internalState) applyDifference(ctx context.Context, diff mtp.Difference) error {
	ctx, span := s.tracer.Start(ctx, "internalState.applyDifference")
	defer span.End()

	s.ptsPending.Clear()
	s.qtsPending.Clear()
	s.ptsAxis.closeGap("resync")
	s.qtsAxis.closeGap("resync")

	state := State{}.fromRemote(diff.State)
	s.counters.Seed(state, "resync")

	if err := s.router.Apply(ctx, diff.Updates, mtp.Entities{
		Users: diff.Users,
		Chats: diff.Chats,
	}); err != nil {
		return err
	}

	s.confirm.Confirm(state.Pts, state.Qts)
	return s.storage.SetState(ctx, s.selfID, state)
}
