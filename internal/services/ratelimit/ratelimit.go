package ratelimit

import (
	"sync"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// bucket is a classic token bucket: capacity C, refill rate tokens/sec.
type bucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newBucket(rate float64, capacity int) *bucket {
	return &bucket{
		rate:       rate,
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

func (b *bucket) waitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	return b.waitLocked()
}

func (b *bucket) waitLocked() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Limiter gates expensive operations with a per-user bucket behind a global
// one. TryAcquire checks both; the failure path consumes from neither, so no
// refund is needed.
type Limiter struct {
	mu          sync.Mutex
	rate        float64
	capacity    int
	global      *bucket
	userBuckets map[string]*bucket
}

// New creates a limiter refilling at rpm/60 tokens per second with the given
// burst capacity for both tiers.
func New(rpm, burst int) *Limiter {
	if rpm <= 0 {
		rpm = 15
	}
	if burst <= 0 {
		burst = 5
	}
	rate := float64(rpm) / 60
	return &Limiter{
		rate:        rate,
		capacity:    burst,
		global:      newBucket(rate, burst),
		userBuckets: make(map[string]*bucket),
	}
}

func (l *Limiter) userBucket(userID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.userBuckets[userID]
	if !ok {
		b = newBucket(l.rate, l.capacity)
		l.userBuckets[userID] = b
	}
	return b
}

// TryAcquire takes one token from the user's bucket and one from the global
// bucket. The consume is atomic across both tiers: a refusal on either side
// leaves both buckets untouched.
func (l *Limiter) TryAcquire(userID string) bool {
	ub := l.userBucket(userID)

	l.global.mu.Lock()
	defer l.global.mu.Unlock()
	ub.mu.Lock()
	defer ub.mu.Unlock()

	now := time.Now()
	l.global.refillLocked(now)
	ub.refillLocked(now)

	if l.global.tokens < 1 {
		fiberlog.Warnf("global rate limit hit, retry in %v", l.global.waitLocked())
		return false
	}
	if ub.tokens < 1 {
		fiberlog.Warnf("user %s rate limit hit, retry in %v", userID, ub.waitLocked())
		return false
	}

	l.global.tokens--
	ub.tokens--
	return true
}

// WaitTime returns how long the caller should back off before retrying:
// the max of the two buckets' time-until-one-token.
func (l *Limiter) WaitTime(userID string) time.Duration {
	globalWait := l.global.waitTime()
	userWait := l.userBucket(userID).waitTime()
	if userWait > globalWait {
		return userWait
	}
	return globalWait
}
