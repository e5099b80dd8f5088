package raft

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// backoffTimer is an expiring timer used for reconnection backoff.
// It holds a duration and a start point; Timeout reports whether the
// duration has elapsed since the last Reset.
type backoffTimer struct {
	clock clock.Clock

	mu    sync.Mutex
	start time.Time
	d     time.Duration
}

func newBackoffTimer(c clock.Clock, d time.Duration) *backoffTimer {
	return &backoffTimer{clock: c, start: c.Now(), d: d}
}

// Timeout returns true once the configured duration has elapsed.
func (t *backoffTimer) Timeout() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock.Now().Sub(t.start) >= t.d
}

// Reset restarts the timer from now, keeping the current duration.
func (t *backoffTimer) Reset() {
	t.mu.Lock()
	t.start = t.clock.Now()
	t.mu.Unlock()
}

// Duration returns the current duration.
func (t *backoffTimer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.d
}

// SetDuration sets the duration used by subsequent Timeout checks.
func (t *backoffTimer) SetDuration(d time.Duration) {
	t.mu.Lock()
	t.d = d
	t.mu.Unlock()
}
