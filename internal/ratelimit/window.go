// Package ratelimit provides per-identifier sliding window limits.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest counted request leaves the window
	ResetAt time.Time
	// RetryAfter is zero for allowed requests and at least one second otherwise
	RetryAfter time.Duration
}

type bucket struct {
	hits       []time.Time
	lastAccess time.Time
}

// Window counts requests per identifier over a sliding duration
type Window struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	window  time.Duration
	limit   int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWindow starts a limiter allowing limit requests per window. Idle
// buckets are swept every cleanupInterval.
func NewWindow(window time.Duration, limit int, cleanupInterval time.Duration) *Window {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	w := &Window{
		buckets: make(map[string]*bucket),
		window:  window,
		limit:   limit,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.sweepLoop(cleanupInterval)
	return w
}

// Allow records a request for id if it fits in the window
func (w *Window) Allow(id string) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	b, ok := w.buckets[id]
	if !ok {
		b = &bucket{}
		w.buckets[id] = b
	}
	b.lastAccess = now
	b.hits = trim(b.hits, now.Add(-w.window))

	d := Decision{Limit: w.limit}
	if len(b.hits) >= w.limit {
		d.ResetAt = now.Add(w.window)
		if len(b.hits) > 0 {
			d.ResetAt = b.hits[0].Add(w.window)
		}
		d.RetryAfter = d.ResetAt.Sub(now).Round(time.Second)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
		return d
	}

	b.hits = append(b.hits, now)
	d.Allowed = true
	d.Remaining = w.limit - len(b.hits)
	d.ResetAt = b.hits[0].Add(w.window)
	return d
}

// trim drops hits at or before cutoff. Hits are in ascending order.
func trim(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append([]time.Time(nil), hits[i:]...)
}

func (w *Window) sweepLoop(interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stop:
			return
		}
	}
}

// sweep removes buckets idle for two windows
func (w *Window) sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-2 * w.window)
	removed := 0
	for id, b := range w.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(w.buckets, id)
			removed++
		}
	}
	return removed
}

// Stop ends the sweeper. It is safe to call more than once.
func (w *Window) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// Stats describes the limiter's current state
type Stats struct {
	ActiveBuckets int           `json:"active_buckets"`
	TrackedHits   int           `json:"tracked_hits"`
	Window        time.Duration `json:"window"`
	Limit         int           `json:"limit"`
}

// Stats returns a snapshot of bucket usage
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Stats{ActiveBuckets: len(w.buckets), Window: w.window, Limit: w.limit}
	for _, b := range w.buckets {
		s.TrackedHits += len(b.hits)
	}
	return s
}
