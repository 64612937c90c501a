package undo

import (
	"errors"
	"testing"
	"time"

	"dosewatch/internal/model"
	"dosewatch/internal/testutil"
)

func TestTakeWithinWindow(t *testing.T) {
	start := time.Date(2026, 3, 7, 21, 0, 0, 0, time.UTC)
	clk := testutil.NewFakeClock(start)
	c := NewController(5*time.Second, clk)

	c.Arm(Entry{
		Kind:           model.ActionTakeDose1,
		SessionKey:     "2026-03-07",
		QueueActionIDs: []string{"01AAA"},
	})
	clk.Advance(3 * time.Second)
	e, err := c.Take(clk.Now())
	if err != nil {
		t.Fatalf("take within window: %v", err)
	}
	if e.Kind != model.ActionTakeDose1 || len(e.QueueActionIDs) != 1 {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if c.Live() {
		t.Fatalf("entry should be cleared after take")
	}
}

func TestTakeAfterExpiryIsNoOp(t *testing.T) {
	start := time.Date(2026, 3, 7, 21, 0, 0, 0, time.UTC)
	clk := testutil.NewFakeClock(start)
	c := NewController(5*time.Second, clk)

	c.Arm(Entry{Kind: model.ActionSnooze, SessionKey: "2026-03-07"})
	clk.Advance(6 * time.Second)
	if _, err := c.Take(clk.Now()); !errors.Is(err, model.ErrUndoExpired) {
		t.Fatalf("expected undo expired, got %v", err)
	}
	// A second attempt stays a no-op rather than partially applying.
	if _, err := c.Take(clk.Now()); !errors.Is(err, model.ErrUndoExpired) {
		t.Fatalf("expected undo expired on retry, got %v", err)
	}
}

func TestArmCommitsPreviousEntry(t *testing.T) {
	start := time.Date(2026, 3, 7, 21, 0, 0, 0, time.UTC)
	clk := testutil.NewFakeClock(start)
	c := NewController(5*time.Second, clk)

	c.Arm(Entry{Kind: model.ActionTakeDose1, SessionKey: "2026-03-07"})
	c.Arm(Entry{Kind: model.ActionSnooze, SessionKey: "2026-03-07"})
	e, err := c.Take(clk.Now())
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if e.Kind != model.ActionSnooze {
		t.Fatalf("expected the later mutation to be undoable, got %s", e.Kind)
	}
}

func TestCancelDiscardsEntry(t *testing.T) {
	start := time.Date(2026, 3, 7, 21, 0, 0, 0, time.UTC)
	clk := testutil.NewFakeClock(start)
	c := NewController(5*time.Second, clk)

	c.Arm(Entry{Kind: model.ActionTakeDose1, SessionKey: "2026-03-07"})
	c.Cancel()
	if _, err := c.Take(clk.Now()); !errors.Is(err, model.ErrUndoExpired) {
		t.Fatalf("expected no live entry after cancel, got %v", err)
	}
}

func TestExpiredTimerAfterReplaceIsNoOp(t *testing.T) {
	start := time.Date(2026, 3, 7, 21, 0, 0, 0, time.UTC)
	clk := testutil.NewFakeClock(start)
	c := NewController(5*time.Second, clk)

	c.Arm(Entry{Kind: model.ActionTakeDose1, SessionKey: "2026-03-07"})
	c.mu.Lock()
	staleGen := c.generation
	c.mu.Unlock()
	c.Arm(Entry{Kind: model.ActionSnooze, SessionKey: "2026-03-07"})
	// Simulate the first entry's timer firing after it was replaced; the
	// stale generation must leave the live entry alone.
	c.expire(staleGen)
	c.mu.Lock()
	live := c.pending != nil && c.pending.Kind == model.ActionSnooze
	c.mu.Unlock()
	if !live {
		t.Fatalf("stale timer clobbered the live entry")
	}
}
