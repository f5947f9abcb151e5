package updates

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
)

var _ StateStorage = (*MemStorage)(nil)

// MemStorage is an in-memory StateStorage. Suitable for tests and for
// sessions that do not need checkpoints to survive a restart.
type MemStorage struct {
	states map[int64]State
	mux    sync.Mutex
}

// NewMemStorage creates an empty in-memory storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{
		states: map[int64]State{},
	}
}

func (s *MemStorage) GetState(ctx context.Context, accountID int64) (state State, found bool, err error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	state, found = s.states[accountID]
	return
}

func (s *MemStorage) SetState(ctx context.Context, accountID int64, state State) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.states[accountID] = state
	return nil
}

func (s *MemStorage) SetPts(ctx context.Context, accountID int64, pts int) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	state, ok := s.states[accountID]
	if !ok {
		return errors.New("state not found")
	}

	state.Pts = pts
	s.states[accountID] = state
	return nil
}

func (s *MemStorage) SetQts(ctx context.Context, accountID int64, qts int) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	state, ok := s.states[accountID]
	if !ok {
		return errors.New("state not found")
	}

	state.Qts = qts
	s.states[accountID] = state
	return nil
}

func (s *MemStorage) SetDate(ctx context.Context, accountID int64, date int) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	state, ok := s.states[accountID]
	if !ok {
		return errors.New("state not found")
	}

	state.Date = date
	s.states[accountID] = state
	return nil
}

func (s *MemStorage) SetSeq(ctx context.Context, accountID int64, seq int) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	state, ok := s.states[accountID]
	if !ok {
		return errors.New("state not found")
	}

	state.Seq = seq
	s.states[accountID] = state
	return nil
}

func (s *MemStorage) SetDateSeq(ctx context.Context, accountID int64, date, seq int) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	state, ok := s.states[accountID]
	if !ok {
		return errors.New("state not found")
	}

	state.Date = date
	state.Seq = seq
	s.states[accountID] = state
	return nil
}
