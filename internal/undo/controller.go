// Package undo gives each mutation a short reversible window. One undoable
// action is live at a time; arming a new one commits the previous one, and
// expiry makes the mutation permanent.
package undo

import (
	"sync"
	"time"

	"dosewatch/internal/clock"
	"dosewatch/internal/model"
)

// Entry captures everything needed to revert one mutation: the
// pre-mutation record snapshot (nil when no record existed) and the IDs of
// side effects the mutation created.
type Entry struct {
	Kind            model.ActionKind
	SessionKey      string
	Snapshot        *model.SessionRecord
	CreatedAt       time.Time
	ExpiresAt       time.Time
	QueueActionIDs  []string
	NotificationIDs []string
	EventIDs        []string
}

type Controller struct {
	mu         sync.Mutex
	window     time.Duration
	clk        clock.Clock
	pending    *Entry
	timer      *time.Timer
	generation uint64
}

func NewController(window time.Duration, clk clock.Clock) *Controller {
	return &Controller{window: window, clk: clk}
}

// Window is the authoritative undo duration this controller enforces.
func (c *Controller) Window() time.Duration {
	return c.window
}

// Arm makes e the live undoable action, committing any previous one. The
// expiry timer carries the current generation; a fired timer from an
// earlier arm is a no-op.
func (c *Controller) Arm(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	e.CreatedAt = now
	e.ExpiresAt = now.Add(c.window)
	c.replaceLocked(&e)
	gen := c.generation
	c.timer = time.AfterFunc(c.window, func() {
		c.expire(gen)
	})
}

// Take returns and clears the live entry if its window is still open.
// After expiry (or when nothing is armed) it fails with ErrUndoExpired and
// the prior mutation stays permanent.
func (c *Controller) Take(now time.Time) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Entry{}, model.ErrUndoExpired
	}
	if now.After(c.pending.ExpiresAt) {
		c.replaceLocked(nil)
		return Entry{}, model.ErrUndoExpired
	}
	e := *c.pending
	c.replaceLocked(nil)
	return e, nil
}

// Cancel discards any live entry without reverting. Used on session delete
// and shutdown.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaceLocked(nil)
}

// Live reports whether an undoable action is currently armed.
func (c *Controller) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.pending == nil {
		return
	}
	c.pending = nil
	c.timer = nil
}

// replaceLocked swaps the pending entry, bumping the generation so any
// in-flight timer callback becomes stale.
func (c *Controller) replaceLocked(e *Entry) {
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = e
}
