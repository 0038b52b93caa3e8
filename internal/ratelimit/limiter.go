// Package ratelimit implements a per-client sliding-window request limiter.
//
// Each endpoint class carries its own (limit, window) pair so cheap endpoints
// tolerate more traffic than expensive ones. Windows are pruned lazily on
// each check; a periodic sweep removes clients whose window emptied out.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/grabtune/grabtune/internal/telemetry"
)

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Class is one endpoint class with its own budget.
type Class struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// RetryAfter is set on denial; it is at least the window length, plus a
	// small jitter to break up synchronized retry storms.
	RetryAfter time.Duration
}

// Limiter tracks request timestamps per (class, client).
type Limiter struct {
	mu      sync.Mutex
	classes map[string]Class
	windows map[string]map[string][]time.Time
	clock   Clock
}

// New creates a Limiter with the given endpoint classes.
func New(classes map[string]Class, clock Clock) *Limiter {
	windows := make(map[string]map[string][]time.Time, len(classes))
	for name := range classes {
		windows[name] = make(map[string][]time.Time)
	}
	return &Limiter{
		classes: classes,
		windows: windows,
		clock:   clock,
	}
}

// Allow prunes the client's window for the class, then either records the
// request or denies it. Unknown classes are always allowed.
func (l *Limiter) Allow(class, clientID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	cls, ok := l.classes[class]
	if !ok {
		return Decision{Allowed: true}
	}

	now := l.clock.Now()
	cutoff := now.Add(-cls.Window)
	window := prune(l.windows[class][clientID], cutoff)

	if len(window) >= cls.Limit {
		l.windows[class][clientID] = window
		telemetry.ObserveRateLimitDenial(class)
		jitter := time.Duration(rand.Int63n(int64(5 * time.Second)))
		return Decision{RetryAfter: cls.Window + jitter}
	}

	l.windows[class][clientID] = append(window, now)
	return Decision{Allowed: true}
}

// Sweep deletes clients whose windows are entirely stale, bounding memory.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for name, cls := range l.classes {
		cutoff := now.Add(-cls.Window)
		for client, window := range l.windows[name] {
			if pruned := prune(window, cutoff); len(pruned) == 0 {
				delete(l.windows[name], client)
			} else {
				l.windows[name][client] = pruned
			}
		}
	}
}

// Run sweeps on a fixed interval until the context finishes.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// prune drops timestamps at or before the cutoff. Timestamps are appended in
// order, so the first surviving index splits the slice.
func prune(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append([]time.Time(nil), window[i:]...)
}
