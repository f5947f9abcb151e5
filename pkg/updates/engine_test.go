package updates

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/QRpeachKZ/mtsync/pkg/mtp"
)

// recorder implements every consumer interface and records what reached it.
type recorder struct {
	mu        sync.Mutex
	messages  []mtp.Message
	encrypted []mtp.EncryptedMessage
	deletes   [][]int
	users     []mtp.User
	chats     []mtp.Chat
	statuses  []int64
	typing    []int64
	pinned    []int64
	auths     []mtp.UpdateNewAuthorization
	configs   int
	notifies  []int64
}

func (r *recorder) NewMessage(ctx context.Context, msg mtp.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recorder) NewEncryptedMessage(ctx context.Context, msg mtp.EncryptedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encrypted = append(r.encrypted, msg)
	return nil
}

func (r *recorder) DeleteMessages(ctx context.Context, ids []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, ids)
	return nil
}

func (r *recorder) ReadHistory(ctx context.Context, peerID int64, maxID int) error {
	return nil
}

func (r *recorder) StoreUsers(ctx context.Context, users []mtp.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, users...)
	return nil
}

func (r *recorder) UserStatus(ctx context.Context, userID int64, status mtp.UserStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, userID)
	return nil
}

func (r *recorder) StoreChats(ctx context.Context, chats []mtp.Chat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, chats...)
	return nil
}

func (r *recorder) Typing(ctx context.Context, chatID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing = append(r.typing, userID)
	return nil
}

func (r *recorder) DialogPinned(ctx context.Context, peerID int64, pinned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned = append(r.pinned, peerID)
	return nil
}

func (r *recorder) NewAuthorization(ctx context.Context, auth mtp.UpdateNewAuthorization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auths = append(r.auths, auth)
	return nil
}

func (r *recorder) ConfigChanged(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs++
	return nil
}

func (r *recorder) NotifySettings(ctx context.Context, peerID int64, settings mtp.NotifySettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifies = append(r.notifies, peerID)
	return nil
}

func (r *recorder) messageIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.messages))
	for _, m := range r.messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) encryptedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.encrypted)
}

func (r *recorder) statusCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}

// mockClient answers getDifference with fn, by default echoing the request
// state back as a final empty difference.
type mockClient struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req mtp.DifferenceRequest) (mtp.Difference, error)
}

func (c *mockClient) GetDifference(ctx context.Context, req mtp.DifferenceRequest) (mtp.Difference, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	fn := c.fn
	c.mu.Unlock()
	if fn == nil {
		return mtp.Difference{
			State: mtp.State{Pts: req.Pts, Qts: req.Qts, Date: req.Date},
			Final: true,
		}, nil
	}
	return fn(call, req)
}

func (c *mockClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type testEnv struct {
	engine   *Engine
	client   *mockClient
	rec      *recorder
	storage  *MemStorage
	clock    clockwork.FakeClock
	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
}

// stop shuts the engine down and waits for Run to return. Safe to call more
// than once.
func (env *testEnv) stop() {
	env.stopOnce.Do(func() {
		env.cancel()
		<-env.done
	})
}

func startEngine(t *testing.T, mutate func(cfg *Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		client:  &mockClient{},
		rec:     &recorder{},
		storage: NewMemStorage(),
		clock:   clockwork.NewFakeClock(),
		done:    make(chan error, 1),
	}
	cfg := Config{
		SelfID:  1,
		Storage: env.storage,
		Client:  env.client,
		Router: Router{
			Messages: env.rec,
			Users:    env.rec,
			Chats:    env.rec,
			Dialogs:  env.rec,
			Auth:     env.rec,
			Config:   env.rec,
			Notify:   env.rec,
		},
		Logger:             zaptest.NewLogger(t),
		Clock:              env.clock,
		GapTimeout:         time.Second,
		CheckpointInterval: time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.engine = New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() {
		env.done <- env.engine.Run(ctx)
	}()
	t.Cleanup(env.stop)
	return env
}

func (env *testEnv) feedMessage(t *testing.T, pts, ptsCount int) {
	t.Helper()
	err := env.engine.Handle(context.Background(), &mtp.UpdateShort{
		Update: &mtp.UpdateNewMessage{
			Message:  mtp.Message{ID: pts},
			Pts:      pts,
			PtsCount: ptsCount,
		},
	})
	require.NoError(t, err)
}

func (env *testEnv) feedEncrypted(t *testing.T, qts int) {
	t.Helper()
	err := env.engine.Handle(context.Background(), &mtp.UpdateShort{
		Update: &mtp.UpdateNewEncryptedMessage{
			Message: mtp.EncryptedMessage{ChatID: int64(qts)},
			Qts:     qts,
		},
	})
	require.NoError(t, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func TestEngineEndToEndGapDrain(t *testing.T) {
	env := startEngine(t, nil)

	env.feedMessage(t, 1, 1)
	waitFor(t, func() bool { return env.engine.State().Pts == 1 })

	// 3 arrives ahead of 2: must buffer, not apply.
	env.feedMessage(t, 3, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.engine.State().Pts)
	assert.Equal(t, 1, env.rec.messageCount())

	// 2 closes the gap, the buffer drains to 3 in one pass.
	env.feedMessage(t, 2, 1)
	waitFor(t, func() bool { return env.engine.State().Pts == 3 })
	waitFor(t, func() bool { return env.rec.messageCount() == 3 })

	assert.Equal(t, []int{1, 2, 3}, env.rec.messageIDs())
	assert.Equal(t, 0, env.client.callCount(), "gap closed by the stream, no resync")

	pts, qts := env.engine.Confirmed()
	assert.Equal(t, 3, pts)
	assert.Equal(t, 0, qts)
}

func TestEngineIdempotence(t *testing.T) {
	env := startEngine(t, nil)

	env.feedMessage(t, 1, 1)
	waitFor(t, func() bool { return env.rec.messageCount() == 1 })

	// Re-delivery of an already applied pts is a no-op.
	env.feedMessage(t, 1, 1)
	env.feedMessage(t, 1, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.rec.messageCount())
	assert.Equal(t, 1, env.engine.State().Pts)
}

func TestEngineQtsGapDrain(t *testing.T) {
	env := startEngine(t, nil)

	env.feedEncrypted(t, 1)
	waitFor(t, func() bool { return env.engine.State().Qts == 1 })

	env.feedEncrypted(t, 3)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.engine.State().Qts)

	env.feedEncrypted(t, 2)
	waitFor(t, func() bool { return env.engine.State().Qts == 3 })
	assert.Equal(t, 3, env.rec.encryptedCount())
	assert.Equal(t, 0, env.client.callCount())
}

func TestEngineGapTimeoutForcesResync(t *testing.T) {
	env := startEngine(t, func(cfg *Config) {
		cfg.Client = &mockClient{fn: func(call int, req mtp.DifferenceRequest) (mtp.Difference, error) {
			return mtp.Difference{
				State: mtp.State{Pts: 5, Qts: 0, Date: 100, Seq: 0},
				Updates: []mtp.Update{
					&mtp.UpdateNewMessage{Message: mtp.Message{ID: 4}, Pts: 4, PtsCount: 1},
					&mtp.UpdateNewMessage{Message: mtp.Message{ID: 5}, Pts: 5, PtsCount: 1},
				},
				Final: true,
			}, nil
		}}
	})
	client := env.engine.s.client.(*mockClient)

	env.feedMessage(t, 1, 1)
	waitFor(t, func() bool { return env.engine.State().Pts == 1 })

	// 5 opens a gap that nothing ever fills. Silent packet loss must not be
	// mistaken for completion: past the threshold a resync fires.
	env.feedMessage(t, 5, 1)
	waitFor(t, func() bool {
		env.clock.Advance(time.Second)
		return client.callCount() >= 1
	})

	waitFor(t, func() bool { return env.engine.State().Pts == 5 })
	assert.Equal(t, 1, client.callCount())
	waitFor(t, func() bool { return env.rec.messageCount() == 3 })
	assert.Equal(t, []int{1, 4, 5}, env.rec.messageIDs())
	assert.False(t, env.engine.s.resync.InFlight())
}

func TestEnginePartialDifferenceSlices(t *testing.T) {
	env := startEngine(t, func(cfg *Config) {
		cfg.Client = &mockClient{fn: func(call int, req mtp.DifferenceRequest) (mtp.Difference, error) {
			if call == 1 {
				return mtp.Difference{
					State: mtp.State{Pts: 3, Date: 50},
					Updates: []mtp.Update{
						&mtp.UpdateNewMessage{Message: mtp.Message{ID: 3}, Pts: 3, PtsCount: 1},
					},
					Final: false,
				}, nil
			}
			return mtp.Difference{
				State: mtp.State{Pts: 5, Date: 100},
				Updates: []mtp.Update{
					&mtp.UpdateNewMessage{Message: mtp.Message{ID: 5}, Pts: 5, PtsCount: 1},
				},
				Final: true,
			}, nil
		}}
	})
	client := env.engine.s.client.(*mockClient)

	require.NoError(t, env.engine.Handle(context.Background(), &mtp.UpdatesTooLong{}))

	waitFor(t, func() bool { return env.engine.State().Pts == 5 })
	assert.Equal(t, 2, client.callCount(), "partial slice must be followed up")
	assert.Equal(t, []int{3, 5}, env.rec.messageIDs())
	assert.False(t, env.engine.s.resync.InFlight())

	// The second request must carry the state of the first slice.
	// (Verified implicitly: call 2 returned Final and pts advanced past 3.)
	pts, _ := env.engine.Confirmed()
	assert.Equal(t, 5, pts)
}

func TestEngineDegradedAfterRetryCeiling(t *testing.T) {
	degraded := make(chan error, 1)
	env := startEngine(t, func(cfg *Config) {
		cfg.Client = &mockClient{fn: func(call int, req mtp.DifferenceRequest) (mtp.Difference, error) {
			return mtp.Difference{}, errors.New("server unavailable")
		}}
		cfg.Backoff = func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 2)
		}
		cfg.OnDegraded = func(err error) {
			select {
			case degraded <- err:
			default:
			}
		}
	})
	client := env.engine.s.client.(*mockClient)

	require.NoError(t, env.engine.Handle(context.Background(), &mtp.UpdatesTooLong{}))

	var got error
	waitFor(t, func() bool {
		env.clock.Advance(10 * time.Millisecond)
		select {
		case got = <-degraded:
			return true
		default:
			return false
		}
	})
	assert.ErrorIs(t, got, ErrDegraded)
	assert.Equal(t, 3, client.callCount(), "initial attempt plus two retries")

	// The engine survives: the in-flight flag was released and a later
	// trigger schedules a fresh resync.
	assert.False(t, env.engine.s.resync.InFlight())
	require.NoError(t, env.engine.Handle(context.Background(), &mtp.UpdatesTooLong{}))
	waitFor(t, func() bool {
		env.clock.Advance(10 * time.Millisecond)
		return client.callCount() > 3
	})
}

func TestEngineStaleDifferenceDiscarded(t *testing.T) {
	eng := New(Config{
		SelfID:  1,
		Storage: NewMemStorage(),
		Client:  &mockClient{},
		Logger:  zaptest.NewLogger(t),
	})
	s := eng.s
	ctx := context.Background()

	s.counters.SetPts(10, "test")
	s.resync.Schedule("test")

	// Counter regression: the stream advanced past what the difference
	// returned while it was in flight.
	res := resyncResult{
		epoch:   s.resync.Epoch(),
		diff:    mtp.Difference{State: mtp.State{Pts: 5}, Final: true},
		applied: make(chan error, 1),
	}
	require.NoError(t, s.handleDifferenceResult(ctx, res))
	assert.ErrorIs(t, <-res.applied, errStaleResync)
	assert.Equal(t, 10, s.counters.Pts())

	// Epoch fencing: a completion issued under an older epoch is dropped
	// even if its counters look plausible.
	res = resyncResult{
		epoch:   s.resync.Epoch() - 1,
		diff:    mtp.Difference{State: mtp.State{Pts: 99}, Final: true},
		applied: make(chan error, 1),
	}
	require.NoError(t, s.handleDifferenceResult(ctx, res))
	assert.ErrorIs(t, <-res.applied, errStaleResync)
	assert.Equal(t, 10, s.counters.Pts())
}

func TestEngineResyncAfterStreamOutrunsDifference(t *testing.T) {
	release := make(chan struct{})
	env := startEngine(t, func(cfg *Config) {
		cfg.Client = &mockClient{fn: func(call int, req mtp.DifferenceRequest) (mtp.Difference, error) {
			if call == 1 {
				<-release
				return mtp.Difference{State: mtp.State{Pts: 1}, Final: true}, nil
			}
			return mtp.Difference{
				State: mtp.State{Pts: 10},
				Updates: []mtp.Update{
					&mtp.UpdateNewMessage{Message: mtp.Message{ID: 10}, Pts: 10, PtsCount: 1},
				},
				Final: true,
			}, nil
		}}
	})
	client := env.engine.s.client.(*mockClient)

	env.feedMessage(t, 1, 1)
	waitFor(t, func() bool { return env.engine.State().Pts == 1 })

	// 3 opens a gap; the timeout forces a resync whose RPC stalls.
	env.feedMessage(t, 3, 1)
	waitFor(t, func() bool {
		env.clock.Advance(time.Second)
		return client.callCount() == 1
	})

	// The stream closes the gap while the difference is still in flight, so
	// the answer arrives behind the live counters and must be discarded
	// without wedging the scheduler.
	env.feedMessage(t, 2, 1)
	waitFor(t, func() bool { return env.engine.State().Pts == 3 })
	close(release)
	waitFor(t, func() bool { return !env.engine.s.resync.InFlight() })
	assert.Equal(t, 3, env.engine.State().Pts, "stale difference must not regress counters")

	// A later gap must still be able to resync.
	env.feedMessage(t, 5, 1)
	waitFor(t, func() bool {
		env.clock.Advance(time.Second)
		return client.callCount() == 2
	})
	waitFor(t, func() bool { return env.engine.State().Pts == 10 })
	assert.Equal(t, []int{1, 2, 3, 10}, env.rec.messageIDs())
}

func TestEngineSeqBatches(t *testing.T) {
	env := startEngine(t, nil)
	ctx := context.Background()

	batch := &mtp.UpdatesBatch{
		Updates:  []mtp.Update{&mtp.UpdateUserStatus{UserID: 7, Status: mtp.UserStatusOnline}},
		Date:     100,
		Seq:      1,
		SeqStart: 1,
	}
	require.NoError(t, env.engine.Handle(ctx, batch))
	waitFor(t, func() bool { return env.engine.State().Seq == 1 })
	assert.Equal(t, 100, env.engine.State().Date)
	assert.Equal(t, 1, env.rec.statusCount())

	// The same batch again is a duplicate and is dropped wholesale.
	require.NoError(t, env.engine.Handle(ctx, batch))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.rec.statusCount())
	assert.Equal(t, 0, env.client.callCount())

	// A seq gap cannot be buffered, it goes straight to resync.
	require.NoError(t, env.engine.Handle(ctx, &mtp.UpdatesBatch{
		Updates:  []mtp.Update{&mtp.UpdateUserStatus{UserID: 8, Status: mtp.UserStatusOnline}},
		Date:     200,
		Seq:      5,
		SeqStart: 5,
	}))
	waitFor(t, func() bool { return env.client.callCount() == 1 })
}

func TestEngineOverlappingUpdateSupersedesBuffered(t *testing.T) {
	env := startEngine(t, nil)

	env.feedMessage(t, 1, 1)
	waitFor(t, func() bool { return env.engine.State().Pts == 1 })

	// {3,1} opens a gap, then an overlapping {3,2} covers both missing
	// positions. The buffered copy is superseded and the gap is done.
	env.feedMessage(t, 3, 1)
	require.NoError(t, env.engine.Handle(context.Background(), &mtp.UpdateShort{
		Update: &mtp.UpdateNewMessage{Message: mtp.Message{ID: 30}, Pts: 3, PtsCount: 2},
	}))
	waitFor(t, func() bool { return env.engine.State().Pts == 3 })

	// The window closed with the drain: no gap-timeout resync may fire.
	env.clock.Advance(2 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, env.client.callCount())
	assert.Equal(t, []int{1, 30}, env.rec.messageIDs())
}

func TestEngineInvalidSequenceDropped(t *testing.T) {
	env := startEngine(t, nil)

	env.feedMessage(t, 2, -1)
	env.feedMessage(t, 1, 1)
	waitFor(t, func() bool { return env.engine.State().Pts == 1 })
	assert.Equal(t, 1, env.rec.messageCount())
}

func TestEngineNonSequencedBypassOrdering(t *testing.T) {
	env := startEngine(t, nil)
	ctx := context.Background()

	// Open a pts gap, then send a status update: it must go straight
	// through while the gap is still pending.
	env.feedMessage(t, 5, 1)
	require.NoError(t, env.engine.Handle(ctx, &mtp.UpdateShort{
		Update: &mtp.UpdateUserStatus{UserID: 9, Status: mtp.UserStatusOffline},
	}))
	waitFor(t, func() bool { return env.rec.statusCount() == 1 })
	assert.Equal(t, 0, env.engine.State().Pts)
	assert.Equal(t, 0, env.rec.messageCount())
}

func TestEngineLoadsPersistedState(t *testing.T) {
	storage := NewMemStorage()
	seed := State{Pts: 40, Qts: 7, Date: 1700000000, Seq: 3}
	require.NoError(t, storage.SetState(context.Background(), 1, seed))

	env := startEngine(t, func(cfg *Config) {
		cfg.Storage = storage
	})
	waitFor(t, func() bool { return env.engine.State() == seed })

	// Counters resume from the checkpoint: 41 is contiguous, 40 stale.
	env.feedMessage(t, 40, 1)
	env.feedMessage(t, 41, 1)
	waitFor(t, func() bool { return env.engine.State().Pts == 41 })
	assert.Equal(t, []int{41}, env.rec.messageIDs())
}

func TestEngineCheckpointOnShutdown(t *testing.T) {
	storage := NewMemStorage()
	env := startEngine(t, func(cfg *Config) {
		cfg.Storage = storage
	})

	env.feedMessage(t, 1, 1)
	env.feedMessage(t, 2, 1)
	waitFor(t, func() bool { return env.engine.State().Pts == 2 })

	env.stop()

	state, found, err := storage.GetState(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, state.Pts)
}

func TestEngineCheckpointCadence(t *testing.T) {
	storage := NewMemStorage()
	env := startEngine(t, func(cfg *Config) {
		cfg.Storage = storage
		cfg.CheckpointInterval = time.Minute
	})

	env.feedMessage(t, 1, 1)
	waitFor(t, func() bool { return env.engine.State().Pts == 1 })

	waitFor(t, func() bool {
		env.clock.Advance(time.Minute)
		state, _, _ := storage.GetState(context.Background(), 1)
		return state.Pts == 1
	})
}
