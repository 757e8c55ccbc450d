package monitor

import (
	"sync"
	"time"
)

// CooldownGate suppresses repeat notifications for a target inside a
// window. The mark is only written after a confirmed send, so a failed
// delivery never burns the window.
type CooldownGate struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

// NewCooldownGate creates a gate. A non-positive window disables
// suppression entirely.
func NewCooldownGate(window time.Duration) *CooldownGate {
	return &CooldownGate{window: window, last: map[string]time.Time{}}
}

// ShouldNotify reports whether a notification for target may go out at now.
func (g *CooldownGate) ShouldNotify(target string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.window <= 0 {
		return true
	}
	last, ok := g.last[target]
	if !ok {
		return true
	}
	return now.Sub(last) >= g.window
}

// RecordNotified marks a confirmed send. Call only after delivery was acked.
func (g *CooldownGate) RecordNotified(target string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last[target] = now
}

// Seed restores a persisted mark at startup so restarts keep suppressing.
// Zero times and marks older than an existing one are ignored.
func (g *CooldownGate) Seed(target string, at time.Time) {
	if at.IsZero() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.last[target]; ok && cur.After(at) {
		return
	}
	g.last[target] = at
}

// Last returns the recorded mark for target, if any.
func (g *CooldownGate) Last(target string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.last[target]
	return at, ok
}

func (g *CooldownGate) Window() time.Duration { return g.window }
