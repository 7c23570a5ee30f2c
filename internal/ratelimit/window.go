package ratelimit

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// sample is one timestamped observation in a sliding window.
type sample struct {
	at    time.Time
	value int64
}

// userWindow holds the two per-user minute-window sequences: one request
// marker per admission and one token total per completed request.
type userWindow struct {
	requests []sample
	tokens   []sample
}

// CounterBank owns the transient per-user sliding windows. Samples are
// derivable from the store and safe to lose across restarts; only the
// minute dimensions briefly under-count after a restart.
type CounterBank struct {
	mu      sync.Mutex
	windows map[string]*userWindow

	now func() time.Time
}

// NewCounterBank constructs an empty CounterBank.
func NewCounterBank() *CounterBank {
	return &CounterBank{
		windows: make(map[string]*userWindow),
		now:     time.Now,
	}
}

// RecordRequest appends a request marker for the user.
func (b *CounterBank) RecordRequest(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.window(userID)
	w.requests = append(w.requests, sample{at: b.now(), value: 1})
}

// RecordTokens appends a token total for the user.
func (b *CounterBank) RecordTokens(userID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.window(userID)
	w.tokens = append(w.tokens, sample{at: b.now(), value: tokens})
}

// RequestCount prunes and counts request samples newer than now-window.
func (b *CounterBank) RequestCount(userID string, window time.Duration) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.window(userID)
	w.requests = pruneSamples(w.requests, b.now().Add(-window))
	return int64(len(w.requests))
}

// TokenSum prunes and sums token samples newer than now-window.
func (b *CounterBank) TokenSum(userID string, window time.Duration) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.window(userID)
	w.tokens = pruneSamples(w.tokens, b.now().Add(-window))
	var total int64
	for _, s := range w.tokens {
		total += s.value
	}
	return total
}

// StartPruner runs a low-frequency sweep that drops idle users so the map
// stays bounded. It returns immediately; the sweep stops when ctx ends.
func (b *CounterBank) StartPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dropped := b.pruneIdle()
				if dropped > 0 {
					log.WithField("users", dropped).Debug("rate limit: pruned idle window counters")
				}
			}
		}
	}()
}

// pruneIdle removes users whose windows are empty after pruning and reports
// how many were dropped.
func (b *CounterBank) pruneIdle() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-minuteWindow)
	dropped := 0
	for userID, w := range b.windows {
		w.requests = pruneSamples(w.requests, cutoff)
		w.tokens = pruneSamples(w.tokens, cutoff)
		if len(w.requests) == 0 && len(w.tokens) == 0 {
			delete(b.windows, userID)
			dropped++
		}
	}
	return dropped
}

// window returns the user's window, creating it on first use. Callers must
// hold the mutex.
func (b *CounterBank) window(userID string) *userWindow {
	w, ok := b.windows[userID]
	if !ok {
		w = &userWindow{}
		b.windows[userID] = w
	}
	return w
}

// pruneSamples drops samples at or before the cutoff. Samples are appended
// in time order, so the first retained index bounds the copy.
func pruneSamples(samples []sample, cutoff time.Time) []sample {
	keep := 0
	for keep < len(samples) && !samples[keep].at.After(cutoff) {
		keep++
	}
	if keep == 0 {
		return samples
	}
	return append(samples[:0], samples[keep:]...)
}
