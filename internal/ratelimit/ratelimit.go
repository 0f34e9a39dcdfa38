// Package ratelimit admits or denies requests per principal over a sliding
// window of recent request timestamps.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Limiter tracks request timestamps per principal. A request is admitted
// while fewer than limit timestamps fall inside the trailing window; admission
// appends the current timestamp, so check-and-count is one atomic step.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

// New creates a limiter admitting at most limit requests per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow reports whether the principal may issue a request now, and records
// the request if so.
func (l *Limiter) Allow(principal string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	recent := l.prune(principal, now)
	if len(recent) >= l.limit {
		return false
	}
	l.hits[principal] = append(recent, now)
	return true
}

// Wait returns how many seconds until the principal's oldest retained request
// leaves the window, i.e. when the next request could be admitted. Returns 0
// when the principal has headroom already.
func (l *Limiter) Wait(principal string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	recent := l.prune(principal, now)
	if len(recent) < l.limit {
		return 0
	}
	remaining := l.window - now.Sub(recent[0])
	return int(math.Ceil(remaining.Seconds()))
}

// prune drops timestamps older than the window. Caller holds l.mu.
func (l *Limiter) prune(principal string, now time.Time) []time.Time {
	recent := l.hits[principal][:0:len(l.hits[principal])]
	for _, t := range l.hits[principal] {
		if now.Sub(t) < l.window {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(l.hits, principal)
		return nil
	}
	l.hits[principal] = recent
	return recent
}

// StartCleanup periodically drops principals whose every timestamp has aged
// out, so one-off principals do not accumulate map entries forever.
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.mu.Lock()
				now := time.Now()
				for principal := range l.hits {
					l.prune(principal, now)
				}
				l.mu.Unlock()
			}
		}
	}()
}
