package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tabflow/log"
)

// runLockContract exercises the render-lock protocol against a backend.
func runLockContract(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("acquire and release", func(t *testing.T) {
		lk := New(newBackend(t), WithLogger(log.Nop()))
		ctx := context.Background()

		l, err := lk.AcquireRenderLock(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, l.Release(ctx))

		l, err = lk.AcquireRenderLock(ctx, 1)
		require.NoError(t, err, "lock must be free after release")
		require.NoError(t, l.Release(ctx))
	})

	t.Run("busy while rendering", func(t *testing.T) {
		lk := New(newBackend(t), WithLogger(log.Nop()))
		ctx := context.Background()

		l, err := lk.AcquireRenderLock(ctx, 2)
		require.NoError(t, err)
		defer func() { _ = l.Release(ctx) }()

		_, err = lk.AcquireRenderLock(ctx, 2)
		assert.ErrorIs(t, err, ErrAlreadyLocked)

		other, err := lk.AcquireRenderLock(ctx, 3)
		require.NoError(t, err, "other workflows are independent")
		require.NoError(t, other.Release(ctx))
	})

	t.Run("stall makes acquirers wait", func(t *testing.T) {
		lk := New(newBackend(t), WithLogger(log.Nop()))
		ctx := context.Background()

		l, err := lk.AcquireRenderLock(ctx, 4)
		require.NoError(t, err)
		require.NoError(t, l.StallOthers(ctx))

		type res struct {
			lock *Lock
			err  error
		}
		done := make(chan res, 1)
		go func() {
			got, err := lk.AcquireRenderLock(ctx, 4)
			done <- res{got, err}
		}()

		select {
		case r := <-done:
			t.Fatalf("acquire returned while stalled: %v", r.err)
		case <-time.After(100 * time.Millisecond):
		}

		require.NoError(t, l.Release(ctx))
		select {
		case r := <-done:
			require.NoError(t, r.err)
			require.NoError(t, r.lock.Release(ctx))
		case <-time.After(5 * time.Second):
			t.Fatal("acquire did not proceed after release")
		}
	})

	t.Run("release is idempotent", func(t *testing.T) {
		lk := New(newBackend(t), WithLogger(log.Nop()))
		ctx := context.Background()

		l, err := lk.AcquireRenderLock(ctx, 5)
		require.NoError(t, err)
		require.NoError(t, l.StallOthers(ctx))
		require.NoError(t, l.StallOthers(ctx))
		require.NoError(t, l.Release(ctx))
		require.NoError(t, l.Release(ctx))
		assert.Error(t, l.StallOthers(ctx))
	})
}

func TestMemBackend(t *testing.T) {
	runLockContract(t, func(t *testing.T) Backend { return NewMemBackend() })
}

func TestLockID(t *testing.T) {
	assert.NotEqual(t, LockID(StallKey, 7), LockID(RenderKey, 7))
	assert.NotEqual(t, LockID(StallKey, 7), LockID(StallKey, 8))
	assert.Equal(t, int64(1)<<56|7, LockID(StallKey, 7))
}

func TestMemBackend_ReentrantSession(t *testing.T) {
	b := NewMemBackend()
	ctx := context.Background()
	s, err := b.Session(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Lock(ctx, 10))
	ok, err := s.TryLock(ctx, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Unlock(ctx, 10))
	assert.True(t, b.Held(10), "one hold remains")
	require.NoError(t, s.Unlock(ctx, 10))
	assert.False(t, b.Held(10))
	assert.ErrorIs(t, s.Unlock(ctx, 10), ErrNotHeld)
}

func TestMemBackend_CloseReleasesLocks(t *testing.T) {
	b := NewMemBackend()
	ctx := context.Background()
	s, _ := b.Session(ctx)
	require.NoError(t, s.Lock(ctx, 1))
	require.NoError(t, s.Lock(ctx, 2))
	require.NoError(t, s.Close())
	assert.False(t, b.Held(1))
	assert.False(t, b.Held(2))

	_, err := s.TryLock(ctx, 1)
	assert.Error(t, err)
}

func TestMemBackend_LockHonorsContext(t *testing.T) {
	b := NewMemBackend()
	holder, _ := b.Session(context.Background())
	require.NoError(t, holder.Lock(context.Background(), 1))

	waiter, _ := b.Session(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := waiter.Lock(ctx, 1)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// After StallOthers and Release, exactly one of many waiting acquirers gets
// the lock; the rest see ErrAlreadyLocked.
func TestStalledWaitersAdmitOne(t *testing.T) {
	lk := New(NewMemBackend(), WithLogger(log.Nop()))
	ctx := context.Background()

	l, err := lk.AcquireRenderLock(ctx, 9)
	require.NoError(t, err)
	require.NoError(t, l.StallOthers(ctx))

	const waiters = 8
	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		busy    atomic.Int32
		release = make(chan struct{})
	)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := lk.AcquireRenderLock(ctx, 9)
			switch {
			case err == nil:
				won.Add(1)
				<-release
				_ = got.Release(ctx)
			case errors.Is(err, ErrAlreadyLocked):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, l.Release(ctx))

	require.Eventually(t, func() bool { return won.Load()+busy.Load() == waiters }, 5*time.Second, 10*time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(waiters-1), busy.Load())
}
