package updates

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// stateCounters holds the four monotonic counters of one account session.
// All reads are lock-free so transport goroutines and external observers
// never block on the engine loop. The source argument of setters is
// diagnostic metadata only and is never used in decisions.
type stateCounters struct {
	log *zap.Logger

	pts  atomic.Int32
	qts  atomic.Int32
	date atomic.Int32
	seq  atomic.Int32
}

func newStateCounters(log *zap.Logger) *stateCounters {
	return &stateCounters{log: log}
}

func (c *stateCounters) Pts() int  { return int(c.pts.Load()) }
func (c *stateCounters) Qts() int  { return int(c.qts.Load()) }
func (c *stateCounters) Date() int { return int(c.date.Load()) }
func (c *stateCounters) Seq() int  { return int(c.seq.Load()) }

func (c *stateCounters) SetPts(value int, source string) {
	old := c.pts.Swap(int32(value))
	c.log.Debug("Pts transition",
		zap.Int32("old", old),
		zap.Int("new", value),
		zap.String("source", source),
	)
}

func (c *stateCounters) AddPts(delta int) int {
	value := int(c.pts.Add(int32(delta)))
	c.log.Debug("Pts transition",
		zap.Int("new", value),
		zap.Int("delta", delta),
	)
	return value
}

func (c *stateCounters) SetQts(value int, source string) {
	old := c.qts.Swap(int32(value))
	c.log.Debug("Qts transition",
		zap.Int32("old", old),
		zap.Int("new", value),
		zap.String("source", source),
	)
}

func (c *stateCounters) AddQts(delta int) int {
	value := int(c.qts.Add(int32(delta)))
	c.log.Debug("Qts transition",
		zap.Int("new", value),
		zap.Int("delta", delta),
	)
	return value
}

func (c *stateCounters) SetDate(value int, source string) {
	old := c.date.Swap(int32(value))
	c.log.Debug("Date transition",
		zap.Int32("old", old),
		zap.Int("new", value),
		zap.String("source", source),
	)
}

func (c *stateCounters) SetSeq(value int, source string) {
	old := c.seq.Swap(int32(value))
	c.log.Debug("Seq transition",
		zap.Int32("old", old),
		zap.Int("new", value),
		zap.String("source", source),
	)
}

// Snapshot returns a consistent-enough view of all four counters. Each
// field is individually torn-read free; cross-field consistency is the
// engine loop's job.
func (c *stateCounters) Snapshot() State {
	return State{
		Pts:  c.Pts(),
		Qts:  c.Qts(),
		Date: c.Date(),
		Seq:  c.Seq(),
	}
}

// Seed overwrites all counters at once. Used on startup and on resync
// completion, the only places a controlled discontinuity is allowed.
func (c *stateCounters) Seed(state State, source string) {
	c.SetPts(state.Pts, source)
	c.SetQts(state.Qts, source)
	c.SetDate(state.Date, source)
	c.SetSeq(state.Seq, source)
}
