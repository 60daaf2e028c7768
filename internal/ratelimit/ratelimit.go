// Package ratelimit provides a keyed token-bucket limiter. Keys are typically owner ids.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIdleTTL = 10 * time.Minute

// KeyedRateLimiter keeps one independent token bucket per key. Buckets untouched for
// longer than the idle TTL are evicted by a background sweep.
type KeyedRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	clock    func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing rps events per second per key with the given burst.
func New(rps float64, burst int) *KeyedRateLimiter {
	return newWithClock(rps, burst, defaultIdleTTL, time.Now)
}

func newWithClock(rps float64, burst int, idleTTL time.Duration, clock func() time.Time) *KeyedRateLimiter {
	if burst < 1 {
		burst = 1
	}
	krl := &KeyedRateLimiter{
		limiters: make(map[string]*entry),
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  idleTTL,
		clock:    clock,
		done:     make(chan struct{}),
	}
	go krl.sweepLoop()
	return krl
}

// Allow reports whether an event for key may happen now.
func (krl *KeyedRateLimiter) Allow(key string) bool {
	allowed, _ := krl.Reserve(key)
	return allowed
}

// Reserve consumes a token for key when one is available. When none is, it reports how
// long the caller should wait before retrying and consumes nothing.
func (krl *KeyedRateLimiter) Reserve(key string) (bool, time.Duration) {
	now := krl.clock()
	limiter := krl.getLimiter(key, now)
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	reservation.CancelAt(now)
	return false, delay
}

// Len reports the number of tracked keys.
func (krl *KeyedRateLimiter) Len() int {
	krl.mu.Lock()
	defer krl.mu.Unlock()
	return len(krl.limiters)
}

func (krl *KeyedRateLimiter) getLimiter(key string, now time.Time) *rate.Limiter {
	krl.mu.Lock()
	defer krl.mu.Unlock()
	current, ok := krl.limiters[key]
	if !ok {
		current = &entry{limiter: rate.NewLimiter(krl.limit, krl.burst)}
		krl.limiters[key] = current
	}
	current.lastSeen = now
	return current.limiter
}

func (krl *KeyedRateLimiter) sweep(now time.Time) {
	krl.mu.Lock()
	defer krl.mu.Unlock()
	for key, current := range krl.limiters {
		if now.Sub(current.lastSeen) > krl.idleTTL {
			delete(krl.limiters, key)
		}
	}
}

func (krl *KeyedRateLimiter) sweepLoop() {
	ticker := time.NewTicker(krl.idleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-krl.done:
			return
		case <-ticker.C:
			krl.sweep(krl.clock())
		}
	}
}

// Stop shuts down the sweep goroutine.
func (krl *KeyedRateLimiter) Stop() {
	krl.stopOnce.Do(func() {
		close(krl.done)
	})
}
