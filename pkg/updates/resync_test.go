package updates

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSchedulerSingleInFlight(t *testing.T) {
	r := newResyncScheduler(zaptest.NewLogger(t))

	// Two concurrent gap detections must result in exactly one request.
	var (
		wg        sync.WaitGroup
		scheduled [2]bool
	)
	for i := range scheduled {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scheduled[i] = r.Schedule("concurrent gap")
		}(i)
	}
	wg.Wait()

	assert.NotEqual(t, scheduled[0], scheduled[1], "exactly one caller must win")
	assert.True(t, r.InFlight())
	assert.Len(t, r.requests, 1)
	assert.Equal(t, int64(1), r.Epoch())

	// While in flight, further schedules are no-ops.
	assert.False(t, r.Schedule("another gap"))
	assert.Len(t, r.requests, 1)
	assert.Equal(t, int64(1), r.Epoch())
}

func TestSchedulerReschedulesAfterFinish(t *testing.T) {
	r := newResyncScheduler(zaptest.NewLogger(t))

	require.True(t, r.Schedule("first"))
	<-r.requests
	r.Finish()
	assert.False(t, r.InFlight())

	require.True(t, r.Schedule("second"))
	assert.Equal(t, int64(2), r.Epoch())
	assert.Equal(t, int64(2), <-r.requests)
}
