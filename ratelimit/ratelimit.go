// Package ratelimit implements the dual-bucket connection admission control:
// one global token bucket shared by every source, and one bucket per source
// address. Both buckets are built on golang.org/x/time/rate, the same
// library _examples/luciancaetano-kephasnet uses for its per-connection
// message throttling, generalized here to the accept-time admission check.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultGlobalCapacity is the default global bucket size and refill
	// rate (tokens/second).
	DefaultGlobalCapacity = 500.0
	// DefaultSingleCapacity is the default per-source bucket size and
	// refill rate (tokens/second).
	DefaultSingleCapacity = 5.0

	// staleAfter is how long a source's bucket may sit idle before the
	// sweeper reclaims it.
	staleAfter = time.Minute
	// sweepInterval is how often the sweeper runs.
	sweepInterval = 30 * time.Second
)

// Limiter is the dual-bucket admission controller: Allow(addr) only admits
// a connection when both the per-address and the global bucket have a
// token to spend.
type Limiter struct {
	global *rate.Limiter

	singleCapacity float64

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New constructs a Limiter with the given global and per-source capacities;
// each capacity also doubles as its bucket's refill rate (tokens/second),
// matching the original rate limiter's single-parameter-per-bucket design.
func New(globalCapacity, singleCapacity float64) *Limiter {
	return &Limiter{
		global:         rate.NewLimiter(rate.Limit(globalCapacity), int(globalCapacity)),
		singleCapacity: singleCapacity,
		buckets:        make(map[string]*bucket),
	}
}

// NewDefault builds a Limiter using the default capacities (global 500,
// per-source 5).
func NewDefault() *Limiter {
	return New(DefaultGlobalCapacity, DefaultSingleCapacity)
}

// Allow refills and spends one token from both addr's bucket and the global
// bucket. It returns false, and spends no global token, if addr's bucket is
// already exhausted — a single noisy source must not be able to starve the
// global budget for everyone else.
func (l *Limiter) Allow(addr string) bool {
	l.mu.Lock()
	b, ok := l.buckets[addr]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.singleCapacity), int(l.singleCapacity))}
		l.buckets[addr] = b
	}
	b.lastUsed = time.Now()
	l.mu.Unlock()

	if !b.limiter.Allow() {
		return false
	}
	return l.global.Allow()
}

// RunSweeper blocks, periodically pruning per-address buckets that have
// been idle for longer than a minute, until ctx-like stop channel fires.
// Callers run it as its own goroutine and close stop to end it.
func (l *Limiter) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, b := range l.buckets {
		if now.Sub(b.lastUsed) >= staleAfter {
			delete(l.buckets, addr)
		}
	}
}

// TrackedAddresses returns the number of source addresses with a live
// bucket; it exists for tests and metrics, not for the admission decision
// itself.
func (l *Limiter) TrackedAddresses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
