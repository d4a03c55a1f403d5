package ratelimit

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Limit is a token-bucket policy: Tokens per Interval, capped at Tokens.
type Limit struct {
	Tokens   int
	Interval time.Duration
}

// Limiter admits or denies a call for key under limit.
type Limiter interface {
	Allow(ctx context.Context, key string, limit Limit) (bool, error)
}

// BucketKey namespaces a caller key per operation so buckets stay independent.
func BucketKey(operation, caller string) string {
	return fmt.Sprintf("ratelimit:%s:%s", operation, caller)
}

// CallerKey prefers the authenticated user id and falls back to the network address.
func CallerKey(userID, remoteAddr string) string {
	if userID != "" {
		return "user:" + userID
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return "ip:" + host
}

type bucket struct {
	tokens     int
	lastRefill time.Time
	interval   time.Duration
}

// MemoryLimiter keeps buckets in process memory. Under horizontal scaling
// each process limits independently, so totals are approximate.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	idleTTL time.Duration
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewMemoryLimiter creates a limiter and starts a janitor evicting buckets
// idle for longer than idleTTL or their own interval, whichever is longer.
// Call Close to stop it.
func NewMemoryLimiter(idleTTL time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		idleTTL: idleTTL,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if idleTTL > 0 {
		go l.janitor()
	} else {
		close(l.done)
	}
	return l
}

// Allow consumes one token from key's bucket, refilling whole intervals first.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit Limit) (bool, error) {
	if limit.Tokens <= 0 || limit.Interval <= 0 {
		return false, fmt.Errorf("invalid limit %+v", limit)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: limit.Tokens, lastRefill: now}
		l.buckets[key] = b
	}
	b.interval = limit.Interval

	if elapsed := now.Sub(b.lastRefill); elapsed >= limit.Interval {
		intervals := int64(elapsed / limit.Interval)
		refill := intervals * int64(limit.Tokens)
		b.tokens = int(min(int64(limit.Tokens), int64(b.tokens)+refill))
		b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * limit.Interval)
	}
	if b.tokens > limit.Tokens {
		b.tokens = limit.Tokens
	}

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the janitor.
func (l *MemoryLimiter) Close() error {
	l.once.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

func (l *MemoryLimiter) janitor() {
	defer close(l.done)
	ticker := time.NewTicker(l.idleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *MemoryLimiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	// After a whole interval a bucket is full again, so dropping it is a no-op.
	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) >= max(l.idleTTL, b.interval) {
			delete(l.buckets, key)
		}
	}
}
