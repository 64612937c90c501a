// Package cooldown debounces repeated logs of the same event type. A
// rejection is an intentional no-op for physical double-taps, not an error.
package cooldown

import (
	"sync"
	"time"

	"dosewatch/internal/model"
)

type Guard struct {
	mu    sync.Mutex
	table map[model.EventType]time.Duration
	last  map[string]map[model.EventType]time.Time
}

// NewGuard builds a guard over the configured per-type cooldown table.
// Types absent from the table carry zero cooldown and always pass.
func NewGuard(table map[model.EventType]time.Duration) *Guard {
	return &Guard{
		table: table,
		last:  map[string]map[model.EventType]time.Time{},
	}
}

// Allow reports whether an event may fire now, and records the firing when
// it may. A second call inside the cooldown returns false and leaves the
// original timestamp in place.
func (g *Guard) Allow(sessionKey string, et model.EventType, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cooldown := g.table[et]
	entries := g.last[sessionKey]
	if entries == nil {
		entries = map[model.EventType]time.Time{}
		g.last[sessionKey] = entries
	}
	if cooldown > 0 {
		if fired, ok := entries[et]; ok && now.Sub(fired) < cooldown {
			return false
		}
	}
	entries[et] = now
	return true
}

// Reset drops all entries for a session. Called on session delete.
func (g *Guard) Reset(sessionKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, sessionKey)
}
