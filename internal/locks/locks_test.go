package locks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/telemetry"
)

func newTestManager(t *testing.T) (*Manager, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	m := NewManager(store, telemetry.Nop())
	t.Cleanup(func() {
		m.Close()
		store.Close()
	})
	return m, store
}

func TestAcquireRelease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "conv:123", Options{TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, StorageShared, lock.Storage)
	assert.NotEmpty(t, lock.OwnerToken)

	// Second acquirer with no wait must bounce immediately.
	_, err = m.Acquire(ctx, "conv:123", Options{TTL: time.Minute})
	assert.ErrorIs(t, err, ErrNotAcquired)

	released, err := m.Release(ctx, lock)
	require.NoError(t, err)
	assert.True(t, released)

	// Now free again.
	lock2, err := m.Acquire(ctx, "conv:123", Options{TTL: time.Minute})
	require.NoError(t, err)
	require.NotNil(t, lock2)
}

func TestReleaseRequiresOwnership(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "conv:r", Options{TTL: time.Minute})
	require.NoError(t, err)

	imposter := *lock
	imposter.OwnerToken = "not-the-owner"
	released, err := m.Release(ctx, &imposter)
	require.NoError(t, err)
	assert.False(t, released, "foreign token must not release")

	released, err = m.Release(ctx, lock)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "conv:wait", Options{TTL: time.Minute})
	require.NoError(t, err)

	done := make(chan *Lock, 1)
	go func() {
		l2, err := m.Acquire(ctx, "conv:wait", Options{TTL: time.Minute, WaitTimeout: 2 * time.Second})
		if err == nil {
			done <- l2
		}
	}()

	time.Sleep(250 * time.Millisecond)
	_, err = m.Release(ctx, lock)
	require.NoError(t, err)

	select {
	case l2 := <-done:
		assert.NotEqual(t, lock.OwnerToken, l2.OwnerToken)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestAcquireTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "conv:busy", Options{TTL: time.Minute})
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(ctx, "conv:busy", Options{TTL: time.Minute, WaitTimeout: 300 * time.Millisecond})
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRenewExtendsOwnLockOnly(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "conv:renew", Options{TTL: time.Minute})
	require.NoError(t, err)

	ok, err := m.Renew(ctx, lock, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	imposter := *lock
	imposter.OwnerToken = "someone-else"
	ok, err = m.Renew(ctx, &imposter, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithLockReleasesOnError(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	boom := errors.New("handler blew up")

	out, err := m.WithLock(ctx, "conv:wl", Options{TTL: time.Minute}, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, out.Stale)

	// The name must be free again despite the error.
	lock, err := m.Acquire(ctx, "conv:wl", Options{TTL: time.Minute})
	require.NoError(t, err)
	require.NotNil(t, lock)
}

func TestWithLockMarksStaleWhenOwnershipLost(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	out, err := m.WithLock(ctx, "conv:stale", Options{TTL: time.Minute}, func(ctx context.Context) error {
		// Simulate TTL expiry plus re-acquisition by another holder.
		return store.SetWithTTL(ctx, "lock:conv:stale", "usurper-token", time.Minute)
	})
	require.NoError(t, err)
	assert.True(t, out.Stale)

	// The usurper's lock must survive our release attempt.
	val, ok, err := store.Get(ctx, "lock:conv:stale")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "usurper-token", val)
}

func TestWithLockRenewsLongRuns(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var renewed atomic.Bool
	out, err := m.WithLock(ctx, "conv:long", Options{TTL: 300 * time.Millisecond}, func(ctx context.Context) error {
		time.Sleep(400 * time.Millisecond) // past 2/3 of TTL, renewal fires
		renewed.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, renewed.Load())
	assert.False(t, out.Stale, "renewal should have kept ownership")
}

func TestLocalFallbackWhenStoreDown(t *testing.T) {
	store := &unavailableStore{Store: kv.NewMemoryStore()}
	m := NewManager(store, telemetry.Nop())
	t.Cleanup(m.Close)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "conv:local", Options{TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, StorageLocal, lock.Storage)

	_, err = m.Acquire(ctx, "conv:local", Options{TTL: time.Minute})
	assert.ErrorIs(t, err, ErrNotAcquired)

	released, err := m.Release(ctx, lock)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestLocalTableExpiry(t *testing.T) {
	tbl := newLocalTable(time.Hour) // pruner out of the picture
	t.Cleanup(tbl.close)

	require.True(t, tbl.tryAcquire("n", "tok-1", 20*time.Millisecond))
	require.False(t, tbl.tryAcquire("n", "tok-2", time.Minute))

	time.Sleep(40 * time.Millisecond)

	// Expired entries are acquirable even before the pruner runs.
	assert.True(t, tbl.tryAcquire("n", "tok-2", time.Minute))
	assert.False(t, tbl.release("n", "tok-1"), "stale token must not release")
}

// unavailableStore wraps a Store but always reports itself down.
type unavailableStore struct {
	kv.Store
}

func (u *unavailableStore) Available() bool { return false }
