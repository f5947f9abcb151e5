package updates

import (
	"time"

	"go.uber.org/zap"
)

// classification of an incoming counter value against the committed one.
type classification int

const (
	classDuplicate classification = iota
	classContiguous
	classGap
)

func (c classification) String() string {
	switch c {
	case classDuplicate:
		return "duplicate"
	case classContiguous:
		return "contiguous"
	case classGap:
		return "gap"
	}
	return "unknown"
}

// classify is the complete decision procedure for one counter axis.
//
// An update covering count positions is contiguous when it lands exactly on
// the committed frontier: new-count == current. With count == 1 this is the
// usual new == current+1 rule. Values at or below the frontier carry nothing
// new; everything further ahead is a gap.
func classify(current, new, count int) classification {
	switch {
	case new <= current:
		return classDuplicate
	case new-count == current:
		return classContiguous
	default:
		return classGap
	}
}

// gapWindow tracks one unfilled gap on a counter axis. It exists only while
// the axis is gap-pending and is destroyed when the buffer drains to
// contiguity or a resync supersedes it.
type gapWindow struct {
	expected int
	observed int
	openedAt time.Time
}

// axis is the per-counter gap bookkeeping shared by the pts and qts sides.
type axis struct {
	name string
	log  *zap.Logger
	gap  *gapWindow
}

// openGap opens a window on first detection or widens the observed edge on
// a repeated one. Returns true when this detection opened a new window.
func (a *axis) openGap(expected, observed int, now time.Time) bool {
	if a.gap != nil {
		if observed > a.gap.observed {
			a.gap.observed = observed
		}
		return false
	}
	a.gap = &gapWindow{expected: expected, observed: observed, openedAt: now}
	a.log.Debug("Gap opened",
		zap.String("axis", a.name),
		zap.Int("expected", expected),
		zap.Int("observed", observed),
	)
	return true
}

// closeGap destroys the window, if any.
func (a *axis) closeGap(reason string) {
	if a.gap == nil {
		return
	}
	a.log.Debug("Gap closed",
		zap.String("axis", a.name),
		zap.Int("expected", a.gap.expected),
		zap.String("reason", reason),
	)
	a.gap = nil
}

// expired reports whether the window has been open longer than timeout.
func (a *axis) expired(now time.Time, timeout time.Duration) bool {
	return a.gap != nil && now.Sub(a.gap.openedAt) >= timeout
}
