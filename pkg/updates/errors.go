package updates

import (
	"fmt"

	"github.com/go-faster/errors"
)

// PtsGapError reports that an update arrived ahead of the contiguous pts
// frontier. It is recoverable: the update is buffered and a resync is
// scheduled if the gap does not close in time.
type PtsGapError struct {
	Expected int
	Actual   int
}

func (e *PtsGapError) Error() string {
	return fmt.Sprintf("pts gap: expected %d, got %d", e.Expected, e.Actual)
}

// QtsGapError is the qts axis analog of PtsGapError.
type QtsGapError struct {
	Expected int
	Actual   int
}

func (e *QtsGapError) Error() string {
	return fmt.Sprintf("qts gap: expected %d, got %d", e.Expected, e.Actual)
}

// InvalidSequenceError reports a structurally malformed update, e.g. a
// negative pts_count. Such updates are logged and dropped.
type InvalidSequenceError struct {
	Update string
	Reason string
}

func (e *InvalidSequenceError) Error() string {
	return fmt.Sprintf("invalid sequence in %s: %s", e.Update, e.Reason)
}

// ErrDegraded is passed to Config.OnDegraded when the resync retry ceiling
// is exhausted. The owning session should consider reconnecting the
// transport.
var ErrDegraded = errors.New("updates: difference retries exhausted")

// errStaleResync marks a difference result that was fenced off because a
// newer resync or counter advance superseded it.
var errStaleResync = errors.New("stale resync result")

// isGap reports whether err is a recoverable per-axis gap.
func isGap(err error) bool {
	var (
		pts *PtsGapError
		qts *QtsGapError
	)
	return errors.As(err, &pts) || errors.As(err, &qts)
}
