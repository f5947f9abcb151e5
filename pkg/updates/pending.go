package updates

import (
	"sort"
	"time"

	"github.com/QRpeachKZ/mtsync/pkg/mtp"
)

// pendingPtsUpdate is a pts-carrying update held ahead of the contiguous
// frontier.
type pendingPtsUpdate struct {
	pts      int
	ptsCount int
	seq      int
	update   mtp.Update
	ents     mtp.Entities
	recvAt   time.Time
}

// ptsBuffer holds out-of-order pts updates in ascending pts order, ties
// broken by larger ptsCount first so that the entry advancing the counter
// further takes priority.
type ptsBuffer struct {
	entries []pendingPtsUpdate
}

// Insert places e at its sorted position. An entry with identical pts and
// ptsCount replaces the previous one.
func (b *ptsBuffer) Insert(e pendingPtsUpdate) {
	i := sort.Search(len(b.entries), func(i int) bool {
		cur := b.entries[i]
		if cur.pts != e.pts {
			return cur.pts > e.pts
		}
		return cur.ptsCount <= e.ptsCount
	})
	if i < len(b.entries) && b.entries[i].pts == e.pts && b.entries[i].ptsCount == e.ptsCount {
		b.entries[i] = e
		return
	}
	b.entries = append(b.entries, pendingPtsUpdate{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = e
}

// PeekMin returns the smallest entry without removing it.
func (b *ptsBuffer) PeekMin() (pendingPtsUpdate, bool) {
	if len(b.entries) == 0 {
		return pendingPtsUpdate{}, false
	}
	return b.entries[0], true
}

// PopMinIfContiguous removes and returns the minimum entry only if it lands
// exactly on the committed frontier. Drains never skip a position. Entries
// whose range was covered by an already-applied overlapping update classify
// as duplicates and are evicted so they cannot hold the gap window open.
func (b *ptsBuffer) PopMinIfContiguous(current int) (pendingPtsUpdate, bool) {
	for {
		e, ok := b.PeekMin()
		if !ok {
			return pendingPtsUpdate{}, false
		}
		switch classify(current, e.pts, e.ptsCount) {
		case classDuplicate:
			b.entries = b.entries[1:]
		case classContiguous:
			b.entries = b.entries[1:]
			return e, true
		default:
			return pendingPtsUpdate{}, false
		}
	}
}

func (b *ptsBuffer) Len() int { return len(b.entries) }

func (b *ptsBuffer) Clear() { b.entries = nil }

// pendingQtsUpdate is a qts-carrying update held ahead of the frontier.
type pendingQtsUpdate struct {
	qts    int
	update mtp.Update
	ents   mtp.Entities
	recvAt time.Time
}

// qtsBuffer holds out-of-order qts updates keyed by qts. Qts updates are
// single-counter advances, so a later duplicate carries no additional
// information and simply replaces the earlier one.
type qtsBuffer struct {
	entries map[int]pendingQtsUpdate
}

func (b *qtsBuffer) Insert(e pendingQtsUpdate) {
	if b.entries == nil {
		b.entries = map[int]pendingQtsUpdate{}
	}
	b.entries[e.qts] = e
}

func (b *qtsBuffer) PeekMin() (pendingQtsUpdate, bool) {
	var (
		min   pendingQtsUpdate
		found bool
	)
	for _, e := range b.entries {
		if !found || e.qts < min.qts {
			min, found = e, true
		}
	}
	return min, found
}

func (b *qtsBuffer) PopMinIfContiguous(current int) (pendingQtsUpdate, bool) {
	e, ok := b.entries[current+1]
	if !ok {
		return pendingQtsUpdate{}, false
	}
	delete(b.entries, e.qts)
	return e, true
}

func (b *qtsBuffer) Len() int { return len(b.entries) }

func (b *qtsBuffer) Clear() { b.entries = nil }
