package updates

import (
	"context"

	"github.com/QRpeachKZ/mtsync/pkg/mtp"
)

// State is the persisted counter checkpoint for one account.
type State struct {
	Pts, Qts, Date, Seq int
}

func (s State) fromRemote(remote mtp.State) State {
	return State{
		Pts:  remote.Pts,
		Qts:  remote.Qts,
		Date: remote.Date,
		Seq:  remote.Seq,
	}
}

// StateStorage persists counter checkpoints, keyed by account ID.
//
// Note:
// SetPts, SetQts, SetDate, SetSeq, SetDateSeq
// should return error if the account state does not exist.
type StateStorage interface {
	GetState(ctx context.Context, accountID int64) (state State, found bool, err error)
	SetState(ctx context.Context, accountID int64, state State) error
	SetPts(ctx context.Context, accountID int64, pts int) error
	SetQts(ctx context.Context, accountID int64, qts int) error
	SetDate(ctx context.Context, accountID int64, date int) error
	SetSeq(ctx context.Context, accountID int64, seq int) error
	SetDateSeq(ctx context.Context, accountID int64, date, seq int) error
}
