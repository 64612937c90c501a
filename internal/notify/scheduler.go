// Package notify is the scheduling side of reminders. Content and actual
// delivery belong to an external collaborator; this core only schedules
// and cancels by ID as a side effect of state changes.
package notify

import (
	"sync"
	"time"
)

type Scheduler interface {
	Schedule(id string, fireAt time.Time, payload string) error
	Cancel(id string) error
}

type Entry struct {
	ID      string
	FireAt  time.Time
	Payload string
}

// MemoryScheduler records schedules in memory. The daemon uses it as the
// local registry a platform notifier would sync from; tests assert on it.
type MemoryScheduler struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{entries: map[string]Entry{}}
}

func (s *MemoryScheduler) Schedule(id string, fireAt time.Time, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = Entry{ID: id, FireAt: fireAt, Payload: payload}
	return nil
}

func (s *MemoryScheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *MemoryScheduler) Scheduled(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *MemoryScheduler) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}
