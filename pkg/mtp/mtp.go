// Package mtp defines the decoded update model produced by the wire codec.
//
// The types here are plain data: the codec layer decodes raw payloads into
// them and hands them to the updates engine, which only cares about the
// sequencing metadata (pts, pts_count, qts, date, seq). Payload contents are
// opaque to the engine and flow through to domain consumers untouched.
package mtp

// Update is a single decoded server update.
type Update interface {
	// TypeID returns the constructor tag of the update.
	TypeID() uint32
	// TypeName returns a human-readable name for logging.
	TypeName() string
}

// Updates is a container of updates as delivered by the transport.
type Updates interface {
	sealedUpdates()
}

// UpdatesBatch is a group of updates sharing one date/seq pair.
type UpdatesBatch struct {
	Updates []Update
	Users   []User
	Chats   []Chat
	Date    int
	Seq     int
	// SeqStart is the first seq covered by this batch. Zero means the batch
	// is not seq-ordered.
	SeqStart int
}

// UpdateShort is a single update delivered outside a batch.
type UpdateShort struct {
	Update Update
	Date   int
}

// UpdatesTooLong signals that too many updates accumulated server-side and
// the client must fetch the difference explicitly.
type UpdatesTooLong struct{}

func (*UpdatesBatch) sealedUpdates()   {}
func (*UpdateShort) sealedUpdates()    {}
func (*UpdatesTooLong) sealedUpdates() {}

// State is the server-side view of the update counters.
type State struct {
	Pts  int
	Qts  int
	Date int
	Seq  int
}

// DifferenceRequest carries the client state for a getDifference call.
type DifferenceRequest struct {
	Pts  int
	Qts  int
	Date int
}

// Difference is the result of a getDifference call: the state to re-seed
// the client counters with, plus every update between the client's state
// and the server's.
type Difference struct {
	State   State
	Updates []Update
	Users   []User
	Chats   []Chat
	// Final is false when the server returned a partial slice and another
	// request is needed to finish catching up.
	Final bool
}
