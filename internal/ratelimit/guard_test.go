package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockedStore(start time.Time) (*MemoryStore, *time.Time) {
	store := NewMemoryStore()
	now := start
	store.now = func() time.Time { return now }
	return store, &now
}

func TestGuardBlocksOverThreshold(t *testing.T) {
	store, now := newClockedStore(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	guard := NewGuard(store, map[Profile]Limit{
		ProfileLogin: {Max: 2, Window: time.Minute},
	})

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		verdict, err := guard.Check(ctx, ProfileLogin, "203.0.113.1")
		require.NoError(t, err)
		assert.True(t, verdict.Allowed)
	}

	verdict, err := guard.Check(ctx, ProfileLogin, "203.0.113.1")
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Greater(t, verdict.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, verdict.RetryAfter, time.Minute)

	// Window elapses: the counter starts over.
	*now = now.Add(61 * time.Second)
	verdict, err = guard.Check(ctx, ProfileLogin, "203.0.113.1")
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
}

func TestGuardRetryAfterShrinks(t *testing.T) {
	store, now := newClockedStore(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	guard := NewGuard(store, map[Profile]Limit{
		ProfileLogin: {Max: 1, Window: time.Minute},
	})

	ctx := context.Background()
	_, err := guard.Check(ctx, ProfileLogin, "key")
	require.NoError(t, err)

	*now = now.Add(45 * time.Second)
	verdict, err := guard.Check(ctx, ProfileLogin, "key")
	require.NoError(t, err)
	require.False(t, verdict.Allowed)
	assert.Equal(t, 15*time.Second, verdict.RetryAfter)
}

func TestGuardKeysDoNotInterfere(t *testing.T) {
	guard := NewGuard(NewMemoryStore(), map[Profile]Limit{
		ProfileLogin:        {Max: 1, Window: time.Minute},
		ProfileRegistration: {Max: 1, Window: time.Minute},
	})

	ctx := context.Background()
	_, err := guard.Check(ctx, ProfileLogin, "a")
	require.NoError(t, err)

	verdict, err := guard.Check(ctx, ProfileLogin, "b")
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)

	// Same key under another profile counts separately.
	verdict, err = guard.Check(ctx, ProfileRegistration, "a")
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
}

func TestGuardReset(t *testing.T) {
	guard := NewGuard(NewMemoryStore(), map[Profile]Limit{
		ProfileLogin: {Max: 1, Window: time.Minute},
	})

	ctx := context.Background()
	_, err := guard.Check(ctx, ProfileLogin, "key")
	require.NoError(t, err)

	verdict, err := guard.Check(ctx, ProfileLogin, "key")
	require.NoError(t, err)
	require.False(t, verdict.Allowed)

	require.NoError(t, guard.Reset(ctx))

	verdict, err = guard.Check(ctx, ProfileLogin, "key")
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
}

func TestMemoryStoreConcurrentIncrements(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			_, _, err := store.Incr(ctx, "shared", time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, _, err := store.Incr(ctx, "shared", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines+1), count)
}

func TestMemoryStorePrunesStaleEntries(t *testing.T) {
	store, now := newClockedStore(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store.maxEntries = 4
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c", "d"} {
		_, _, err := store.Incr(ctx, key, time.Minute)
		require.NoError(t, err)
	}

	*now = now.Add(2 * time.Minute)
	_, _, err := store.Incr(ctx, "e", time.Minute)
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.counters, 1)
}
