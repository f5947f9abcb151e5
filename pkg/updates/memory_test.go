package updates

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorage(t *testing.T) {
	s := NewMemStorage()
	ctx := context.Background()

	_, found, err := s.GetState(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found)

	// Field setters require the state row to exist.
	assert.Error(t, s.SetPts(ctx, 1, 5))

	require.NoError(t, s.SetState(ctx, 1, State{Pts: 1, Qts: 2, Date: 3, Seq: 4}))

	state, found, err := s.GetState(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, State{Pts: 1, Qts: 2, Date: 3, Seq: 4}, state)

	require.NoError(t, s.SetPts(ctx, 1, 10))
	require.NoError(t, s.SetQts(ctx, 1, 20))
	require.NoError(t, s.SetDateSeq(ctx, 1, 30, 40))

	state, _, _ = s.GetState(ctx, 1)
	assert.Equal(t, State{Pts: 10, Qts: 20, Date: 30, Seq: 40}, state)

	// Accounts are isolated.
	_, found, err = s.GetState(ctx, 2)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Error(t, s.SetDate(ctx, 2, 1))
	assert.Error(t, s.SetSeq(ctx, 2, 1))
}
