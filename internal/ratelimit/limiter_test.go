package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestMemoryLimiter(t *testing.T) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter(0)
	l.now = clock.Now
	t.Cleanup(func() { l.Close() })
	return l, clock
}

func TestMemoryLimiter_SixthCallWithinMinuteDenied(t *testing.T) {
	l, clock := newTestMemoryLimiter(t)
	limit := Limit{Tokens: 5, Interval: time.Minute}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, "user:1", limit)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i+1)
		clock.Advance(5 * time.Second)
	}

	ok, err := l.Allow(ctx, "user:1", limit)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiter_RefillsWholeIntervalsOnly(t *testing.T) {
	l, clock := newTestMemoryLimiter(t)
	limit := Limit{Tokens: 2, Interval: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _ := l.Allow(ctx, "k", limit)
		assert.True(t, ok)
	}

	clock.Advance(59 * time.Second)
	ok, _ := l.Allow(ctx, "k", limit)
	assert.False(t, ok, "partial interval must not refill")

	clock.Advance(1 * time.Second)
	ok, _ = l.Allow(ctx, "k", limit)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "k", limit)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "k", limit)
	assert.False(t, ok)
}

func TestMemoryLimiter_RefillCappedAtCapacity(t *testing.T) {
	l, clock := newTestMemoryLimiter(t)
	limit := Limit{Tokens: 3, Interval: time.Minute}
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "k", limit)
	assert.True(t, ok)

	clock.Advance(10 * time.Minute)

	allowed := 0
	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow(ctx, "k", limit); ok {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestMemoryLimiter(t)
	limit := Limit{Tokens: 1, Interval: time.Minute}
	ctx := context.Background()

	ok, _ := l.Allow(ctx, BucketKey("transfer", "user:1"), limit)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, BucketKey("transfer", "user:1"), limit)
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, BucketKey("transfer:user", "user:1"), limit)
	assert.True(t, ok, "other operation keeps its own bucket")
	ok, _ = l.Allow(ctx, BucketKey("transfer", "user:2"), limit)
	assert.True(t, ok, "other caller keeps its own bucket")
}

func TestMemoryLimiter_InvalidLimit(t *testing.T) {
	l, _ := newTestMemoryLimiter(t)

	_, err := l.Allow(context.Background(), "k", Limit{Tokens: 0, Interval: time.Minute})
	assert.Error(t, err)
	_, err = l.Allow(context.Background(), "k", Limit{Tokens: 1})
	assert.Error(t, err)
}

func TestMemoryLimiter_ConcurrentCallsNeverExceedCapacity(t *testing.T) {
	l, _ := newTestMemoryLimiter(t)
	limit := Limit{Tokens: 20, Interval: time.Hour}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow(context.Background(), "shared", limit); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, allowed)
}

func TestMemoryLimiter_EvictIdle(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter(time.Hour)
	l.now = clock.Now
	defer l.Close()

	l.Allow(context.Background(), "k", Limit{Tokens: 1, Interval: time.Minute})
	clock.Advance(2 * time.Hour)
	l.evictIdle()

	l.mu.Lock()
	assert.Empty(t, l.buckets)
	l.mu.Unlock()
}

func TestMemoryLimiter_EvictIdleKeepsBucketsWithinInterval(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter(10 * time.Minute)
	l.now = clock.Now
	defer l.Close()

	limit := Limit{Tokens: 5, Interval: time.Hour}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, _ := l.Allow(ctx, "register", limit)
		require.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "register", limit)
	require.False(t, ok)

	clock.Advance(11 * time.Minute)
	l.evictIdle()

	ok, err := l.Allow(ctx, "register", limit)
	require.NoError(t, err)
	assert.False(t, ok, "exhausted bucket must not come back full before its interval")

	clock.Advance(49 * time.Minute)
	l.evictIdle()

	l.mu.Lock()
	assert.Empty(t, l.buckets)
	l.mu.Unlock()

	ok, _ = l.Allow(ctx, "register", limit)
	assert.True(t, ok)
}

func TestMemoryLimiter_ConcurrentClose(t *testing.T) {
	l := NewMemoryLimiter(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Close())
		}()
	}
	wg.Wait()
}

func TestMemoryLimiter_CloseIsIdempotent(t *testing.T) {
	l := NewMemoryLimiter(time.Minute)
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}

func TestCallerKey(t *testing.T) {
	assert.Equal(t, "user:42", CallerKey("42", "10.0.0.1:5555"))
	assert.Equal(t, "ip:10.0.0.1", CallerKey("", "10.0.0.1:5555"))
	assert.Equal(t, "ip:10.0.0.1", CallerKey("", "10.0.0.1"))
	assert.Equal(t, "ratelimit:transfer:user:42", BucketKey("transfer", "user:42"))
}
