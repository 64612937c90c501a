// Package connectivity tracks online/offline state and notifies the queue
// drain loop on changes. Offline is a local condition, not an error.
package connectivity

import (
	"context"
	"sync"
	"time"
)

type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   []chan bool
}

func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state and notifies subscribers on a change.
// Notification is non-blocking; a slow subscriber misses intermediate
// flips but always observes the latest state via Online.
func (m *Monitor) SetOnline(v bool) {
	m.mu.Lock()
	changed := m.online != v
	m.online = v
	subs := m.subs
	m.mu.Unlock()
	if !changed {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe returns a channel receiving state changes. The channel is
// buffered so the monitor never blocks on a subscriber.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// RunProbe polls the given check until the context ends and feeds the
// result into the monitor. Used by the daemon with the remote client's
// health check.
func (m *Monitor) RunProbe(ctx context.Context, interval time.Duration, check func(context.Context) bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(check(ctx))
		}
	}
}
