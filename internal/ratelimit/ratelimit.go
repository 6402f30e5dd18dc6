// Package ratelimit provides token buckets for inbound session frames.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second up to
// burst tokens.
type Limiter struct {
	rate     float64
	burst    int
	tokens   float64
	lastSeen time.Time
	now      func() time.Time
	mu       sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		lastSeen: now(),
		now:      now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN takes n tokens if they are available.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastSeen).Seconds()
	l.lastSeen = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeen
}

// Registry hands out one Limiter per principal so a user with several
// sessions open shares a single budget. Limiters unused for longer than
// the idle window are dropped by a background sweep.
type Registry struct {
	limiters map[string]*Limiter
	rate     float64
	burst    int
	idle     time.Duration
	now      func() time.Time
	mu       sync.Mutex
	stop     chan struct{}
	once     sync.Once
}

func NewRegistry(rate float64, burst int, idle time.Duration) *Registry {
	r := &Registry{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
		idle:     idle,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func (r *Registry) Get(principalID string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limiter, ok := r.limiters[principalID]; ok {
		return limiter
	}
	limiter := newLimiter(r.rate, r.burst, r.now)
	r.limiters[principalID] = limiter
	return limiter
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stop) })
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.idle)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep drops limiters idle for at least the idle window. A dropped
// limiter still held by a session keeps working; the principal's next
// session just starts with a fresh bucket.
func (r *Registry) sweep() int {
	cutoff := r.now().Add(-r.idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, limiter := range r.limiters {
		if !limiter.idleSince().After(cutoff) {
			delete(r.limiters, id)
			dropped++
		}
	}
	return dropped
}
