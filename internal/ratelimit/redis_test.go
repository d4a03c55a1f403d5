package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLimiter(t *testing.T) (*RedisLimiter, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewRedisLimiter(client)
	l.now = clock.Now
	return l, clock, mr
}

func TestRedisLimiter_SixthCallWithinMinuteDenied(t *testing.T) {
	l, clock, _ := newTestRedisLimiter(t)
	limit := Limit{Tokens: 5, Interval: time.Minute}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, "ratelimit:transfer:user:1", limit)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i+1)
		clock.Advance(5 * time.Second)
	}

	ok, err := l.Allow(ctx, "ratelimit:transfer:user:1", limit)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLimiter_RefillAfterInterval(t *testing.T) {
	l, clock, _ := newTestRedisLimiter(t)
	limit := Limit{Tokens: 1, Interval: time.Minute}
	ctx := context.Background()

	ok, err := l.Allow(ctx, "k", limit)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = l.Allow(ctx, "k", limit)
	assert.False(t, ok)

	clock.Advance(time.Minute)
	ok, err = l.Allow(ctx, "k", limit)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiter_SetsExpiry(t *testing.T) {
	l, _, mr := newTestRedisLimiter(t)

	_, err := l.Allow(context.Background(), "k", Limit{Tokens: 3, Interval: time.Minute})
	require.NoError(t, err)

	assert.True(t, mr.Exists("k"))
	assert.Equal(t, time.Minute, mr.TTL("k"))
	assert.Equal(t, "2", mr.HGet("k", "tokens"))
}

func TestRedisLimiter_RedisFailure(t *testing.T) {
	client, mock := redismock.NewClientMock()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewRedisLimiter(client)
	l.now = clock.Now

	mock.ExpectEvalSha(tokenBucketScript.Hash(), []string{"k"},
		int64(5), int64(60000), clock.Now().UnixMilli()).SetErr(errors.New("READONLY You can't write against a read only replica"))

	ok, err := l.Allow(context.Background(), "k", Limit{Tokens: 5, Interval: time.Minute})
	assert.Error(t, err)
	assert.False(t, ok)
}
