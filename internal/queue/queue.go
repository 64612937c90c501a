// Package queue is the durable offline action queue. Entries drain to the
// remote collaborator in enqueue order per session; draining suspends
// while offline and resumes from the front when connectivity returns.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"dosewatch/internal/clock"
	"dosewatch/internal/config"
	"dosewatch/internal/connectivity"
	"dosewatch/internal/db"
	"dosewatch/internal/model"
	"dosewatch/internal/remote"
)

type Queue struct {
	store  *db.Store
	api    remote.API
	conn   *connectivity.Monitor
	cfg    config.Config
	clk    clock.Clock
	wake   chan struct{}
	warnCh chan string

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	heldMu   sync.Mutex
	authHeld bool
}

func New(store *db.Store, api remote.API, conn *connectivity.Monitor, cfg config.Config, clk clock.Clock) *Queue {
	return &Queue{
		store:   store,
		api:     api,
		conn:    conn,
		cfg:     cfg,
		clk:     clk,
		wake:    make(chan struct{}, 1),
		warnCh:  make(chan string, 16),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// NewID mints a ULID for the given instant. IDs sort by creation time, so
// they serve as both FIFO keys and idempotency keys.
func (q *Queue) NewID(now time.Time) string {
	q.entropyMu.Lock()
	defer q.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now.UTC()), q.entropy).String()
}

// Warnings surfaces overflow evictions and persistent delivery failures.
// The channel is buffered; unread warnings are dropped, not blocking.
func (q *Queue) Warnings() <-chan string {
	return q.warnCh
}

// Enqueue appends an action, evicting the oldest non-critical entry when
// the queue is at capacity. Every eviction is surfaced as a warning.
func (q *Queue) Enqueue(ctx context.Context, kind model.ActionKind, sessionKey, payload string) (model.QueuedAction, error) {
	n, err := q.store.QueueLength(ctx)
	if err != nil {
		return model.QueuedAction{}, err
	}
	if n >= q.cfg.QueueCapacity {
		victim, err := q.store.OldestEvictable(ctx)
		if err != nil {
			return model.QueuedAction{}, fmt.Errorf("queue full, no evictable entry: %w", err)
		}
		if err := q.store.DeleteAction(ctx, victim.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return model.QueuedAction{}, err
		}
		if victim.Kind.Critical() {
			q.warn(fmt.Sprintf("queue full: dropped unsent %s action for session %s", victim.Kind, victim.SessionKey))
		} else {
			q.warn(fmt.Sprintf("queue full: dropped oldest %s entry", victim.Kind))
		}
	}
	now := q.clk.Now()
	act := model.QueuedAction{
		ID:         q.NewID(now),
		Kind:       kind,
		SessionKey: sessionKey,
		Payload:    payload,
		CreatedAt:  now.UTC(),
	}
	if err := q.store.EnqueueAction(ctx, act); err != nil {
		return model.QueuedAction{}, err
	}
	q.kick()
	return act, nil
}

// Cancel removes a not-yet-sent entry. An entry that already left the
// queue is a best-effort case: the local revert stands either way, so a
// missing row is not an error.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	err := q.store.DeleteAction(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}

// Pending lists queued entries, optionally scoped to one session.
func (q *Queue) Pending(ctx context.Context, sessionKey string) ([]model.QueuedAction, error) {
	return q.store.ListActions(ctx, sessionKey)
}

// Run drains until the context ends. It suspends while offline or while
// deliveries fail on auth, resuming on the next connectivity change.
func (q *Queue) Run(ctx context.Context) {
	online := q.conn.Subscribe()
	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		if !q.conn.Online() || q.held() {
			select {
			case <-ctx.Done():
				return
			case v := <-online:
				if v {
					q.release()
				}
			case <-ticker.C:
			}
			continue
		}
		delivered, err := q.deliverNext(ctx)
		if err != nil || !delivered {
			select {
			case <-ctx.Done():
				return
			case v := <-online:
				if v {
					q.release()
				}
			case <-q.wake:
			case <-ticker.C:
			}
		}
	}
}

// DrainOnce attempts to deliver queued entries in order until the queue is
// empty, the first retryable failure, or the context ends. It reports how
// many entries were delivered or locally resolved.
func (q *Queue) DrainOnce(ctx context.Context) (int, error) {
	done := 0
	for {
		if !q.conn.Online() || q.held() {
			return done, nil
		}
		delivered, err := q.deliverNext(ctx)
		if err != nil {
			return done, err
		}
		if !delivered {
			return done, nil
		}
		done++
	}
}

// deliverNext sends the front entry. The bool reports whether the entry
// left the queue (delivered or locally resolved).
func (q *Queue) deliverNext(ctx context.Context) (bool, error) {
	act, err := q.store.NextAction(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = q.api.Deliver(ctx, act)
	switch {
	case err == nil:
		return true, q.store.DeleteAction(ctx, act.ID)
	case errors.Is(err, model.ErrDeviceNotRegistered):
		// Held, not discarded: the entry stays at the front until the
		// device re-registers.
		q.hold()
		q.warn("remote sync held: device not registered")
		return false, nil
	case remote.Retryable(err):
		if rerr := q.store.IncrementActionRetry(ctx, act.ID); rerr != nil {
			return false, rerr
		}
		q.backoff(ctx, act.RetryCount)
		return false, nil
	default:
		// Conflict or validation on the remote side: local state is
		// authoritative, the replay was a no-op. Drop the entry.
		return true, q.store.DeleteAction(ctx, act.ID)
	}
}

func (q *Queue) backoff(ctx context.Context, attempt int) {
	select {
	case <-ctx.Done():
	case <-time.After(q.cfg.Backoff(attempt)):
	}
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) warn(msg string) {
	select {
	case q.warnCh <- msg:
	default:
	}
}

func (q *Queue) held() bool {
	q.heldMu.Lock()
	defer q.heldMu.Unlock()
	return q.authHeld
}

func (q *Queue) hold() {
	q.heldMu.Lock()
	q.authHeld = true
	q.heldMu.Unlock()
}

func (q *Queue) release() {
	q.heldMu.Lock()
	q.authHeld = false
	q.heldMu.Unlock()
}
