package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultLookupsPerMinute matches the free tier of ip-api.com.
const DefaultLookupsPerMinute = 45

// Window is a sliding-log limiter: at most limit admissions within any span.
// One Window is shared process-wide; all workers call TryAdmit on the same instance.
type Window struct {
	mu    sync.Mutex
	limit int
	span  time.Duration
	calls []time.Time // oldest first
	clock clockwork.Clock
}

// NewWindow creates a limiter admitting limit calls per span.
// limit 0 uses DefaultLookupsPerMinute; a negative limit admits everything.
func NewWindow(limit int, span time.Duration, clock clockwork.Clock) *Window {
	if limit == 0 {
		limit = DefaultLookupsPerMinute
	}
	if span <= 0 {
		span = time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	capHint := limit
	if capHint < 0 {
		capHint = 0
	}
	return &Window{
		limit: limit,
		span:  span,
		calls: make([]time.Time, 0, capHint),
		clock: clock,
	}
}

// TryAdmit records the call and returns true if the window has room, false otherwise.
// A denied call is not recorded.
func (w *Window) TryAdmit() bool {
	if w.limit < 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()
	w.evictLocked(now)
	if len(w.calls) >= w.limit {
		return false
	}
	w.calls = append(w.calls, now)
	return true
}

// Len returns the number of admissions currently inside the window.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(w.clock.Now())
	return len(w.calls)
}

func (w *Window) evictLocked(now time.Time) {
	drop := 0
	for drop < len(w.calls) && now.Sub(w.calls[drop]) >= w.span {
		drop++
	}
	if drop == 0 {
		return
	}
	n := copy(w.calls, w.calls[drop:])
	w.calls = w.calls[:n]
}
