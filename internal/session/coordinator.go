// Package session holds the coordinator: the single authoritative owner of
// tonight's SessionRecord. Every read and write in the system goes through
// it; no other component computes window state from raw fields.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dosewatch/internal/clock"
	"dosewatch/internal/config"
	"dosewatch/internal/cooldown"
	"dosewatch/internal/db"
	"dosewatch/internal/model"
	"dosewatch/internal/queue"
	"dosewatch/internal/redact"
	"dosewatch/internal/undo"
	"dosewatch/internal/window"
)

// Change is broadcast to subscribers after a mutation has been persisted,
// never before.
type Change struct {
	SessionKey string
	Context    model.DoseWindowContext
}

type Coordinator struct {
	mu    sync.Mutex
	cfg   config.Config
	store *db.Store
	queue *queue.Queue
	guard *cooldown.Guard
	undo  *undo.Controller
	sched Scheduler
	clk   clock.Clock

	key  string
	rec  *model.SessionRecord
	subs []chan Change
}

// Scheduler is the notification collaborator: schedule/cancel by ID only,
// content belongs elsewhere.
type Scheduler interface {
	Schedule(id string, fireAt time.Time, payload string) error
	Cancel(id string) error
}

func NewCoordinator(ctx context.Context, cfg config.Config, store *db.Store, q *queue.Queue, guard *cooldown.Guard, undoCtl *undo.Controller, sched Scheduler, clk clock.Clock) (*Coordinator, error) {
	c := &Coordinator{
		cfg:   cfg,
		store: store,
		queue: q,
		guard: guard,
		undo:  undoCtl,
		sched: sched,
		clk:   clk,
	}
	c.key = KeyFor(clk.Now(), cfg.RolloverHour)
	c.rec = c.loadRecord(ctx, c.key)
	return c, nil
}

// loadRecord favors availability: a missing or unreadable row is "no
// session", never a fatal error on the safety-critical path.
func (c *Coordinator) loadRecord(ctx context.Context, key string) *model.SessionRecord {
	rec, err := c.store.GetSession(ctx, key)
	if err != nil {
		return nil
	}
	return &rec
}

// Subscribe registers a change listener. Sends are non-blocking; a slow
// listener drops intermediate updates and should re-read CurrentContext.
func (c *Coordinator) Subscribe() <-chan Change {
	ch := make(chan Change, 8)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// CurrentContext recomputes the window context from the authoritative
// record and the injected clock. Never cached.
func (c *Coordinator) CurrentContext() model.DoseWindowContext {
	c.mu.Lock()
	rec := c.snapshot()
	key := c.key
	c.mu.Unlock()
	ctx := window.Evaluate(rec, c.clk.Now(), c.cfg)
	if ctx.SessionKey == "" {
		ctx.SessionKey = key
	}
	return ctx
}

// SessionKey returns the key of the session the coordinator currently
// owns.
func (c *Coordinator) SessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Events lists the stored ancillary events for the active session.
func (c *Coordinator) Events(ctx context.Context) ([]model.LoggedEvent, error) {
	return c.store.ListEvents(ctx, c.SessionKey())
}

// SetDose1 records the first dose and captures the local UTC offset for
// later travel detection.
func (c *Coordinator) SetDose1(ctx context.Context, at time.Time) (model.DoseWindowContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := window.CheckDose1(c.rec); err != nil {
		return c.contextLocked(), err
	}
	pre := c.snapshot()
	rec := c.ensureRecordLocked()
	t := at
	rec.Dose1Time = &t
	_, offSec := at.Zone()
	rec.Dose1UTCOffsetMin = offSec / 60
	return c.commitLocked(ctx, model.ActionTakeDose1, pre, nil, dosePayload(at))
}

// SetDose2 records the second dose. `at` may be backdated into the window
// as the recovery path for a closed session.
func (c *Coordinator) SetDose2(ctx context.Context, at time.Time) (model.DoseWindowContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := window.CheckDose2(c.rec, at, c.cfg); err != nil {
		return c.contextLocked(), err
	}
	pre := c.snapshot()
	t := at
	c.rec.Dose2Time = &t
	return c.commitLocked(ctx, model.ActionTakeDose2, pre, nil, dosePayload(at))
}

// SkipDose2 resolves the session without a second dose.
func (c *Coordinator) SkipDose2(ctx context.Context) (model.DoseWindowContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := window.CheckSkip(c.rec); err != nil {
		return c.contextLocked(), err
	}
	pre := c.snapshot()
	c.rec.Dose2Skipped = true
	return c.commitLocked(ctx, model.ActionSkipDose2, pre, nil, "")
}

// Snooze defers the reminder by the configured increment. The window
// bounds are untouched; only the next reminder moves.
func (c *Coordinator) Snooze(ctx context.Context) (model.DoseWindowContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := window.CheckSnooze(c.rec, c.clk.Now(), c.cfg); err != nil {
		return c.contextLocked(), err
	}
	pre := c.snapshot()
	c.rec.SnoozeCount++
	return c.commitLocked(ctx, model.ActionSnooze, pre, nil, "")
}

// LogEvent stores an ancillary event. A repeat inside the event type's
// cooldown is a silent no-op: accepted=false, no error, nothing stored.
func (c *Coordinator) LogEvent(ctx context.Context, et model.EventType, payload string) (accepted bool, err error) {
	if !model.KnownEventTypes[et] {
		return false, fmt.Errorf("unknown event type %q", et)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	if !c.guard.Allow(c.key, et, now) {
		return false, nil
	}
	ev := model.LoggedEvent{
		EventID:    uuid.NewString(),
		SessionKey: c.key,
		EventType:  et,
		NotedAt:    now.UTC(),
		Payload:    payload,
	}
	if err := c.store.InsertEvent(ctx, ev); err != nil {
		return false, err
	}
	pre := c.snapshot()
	if _, err := c.commitLocked(ctx, model.ActionLogEvent, pre, []string{ev.EventID}, eventPayload(ev)); err != nil {
		return false, err
	}
	return true, nil
}

// ExportAnalytics queues an analytics export for the remote collaborator.
// Not a session mutation: nothing to undo, nothing to persist locally.
func (c *Coordinator) ExportAnalytics(ctx context.Context) error {
	key := c.SessionKey()
	payload, _ := json.Marshal(map[string]string{
		"requested_at": c.clk.Now().UTC().Format(time.RFC3339Nano),
	})
	_, err := c.queue.Enqueue(ctx, model.ActionExportStats, key, string(payload))
	return err
}

// Undo reverts the live undoable mutation: the pre-mutation snapshot is
// restored and the queue entries and notifications the mutation created
// are cancelled. After the window it is a no-op failure, never a partial
// revert.
func (c *Coordinator) Undo(ctx context.Context) (model.DoseWindowContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, err := c.undo.Take(c.clk.Now())
	if err != nil {
		return c.contextLocked(), err
	}
	if entry.Snapshot == nil {
		if err := c.store.DeleteSessionRow(ctx, entry.SessionKey); err != nil {
			return c.contextLocked(), err
		}
		if entry.SessionKey == c.key {
			c.rec = nil
		}
	} else {
		restored := entry.Snapshot.Clone()
		restored.UpdatedAt = c.clk.Now().UTC()
		if err := c.store.PutSession(ctx, restored); err != nil {
			return c.contextLocked(), err
		}
		if entry.SessionKey == c.key {
			c.rec = &restored
		}
	}
	for _, id := range entry.EventIDs {
		if err := c.store.DeleteEvent(ctx, id); err != nil && !errors.Is(err, db.ErrNotFound) {
			return c.contextLocked(), err
		}
	}
	// Queue cancellation is best effort: an entry already in flight stays
	// gone remotely, but local state remains authoritative.
	for _, id := range entry.QueueActionIDs {
		if err := c.queue.Cancel(ctx, id); err != nil {
			return c.contextLocked(), err
		}
	}
	for _, id := range entry.NotificationIDs {
		_ = c.sched.Cancel(id)
	}
	c.rescheduleLocked()
	out := c.contextLocked()
	c.broadcastLocked(out)
	return out, nil
}

// DeleteSession hard-deletes a session and everything attached to it:
// events, queue entries, notifications. The delete itself is not
// undoable.
func (c *Coordinator) DeleteSession(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == "" {
		key = c.key
	}
	if _, err := c.store.DeleteSessionCascade(ctx, key); err != nil {
		return err
	}
	c.guard.Reset(key)
	_ = c.sched.Cancel(reminderID(key))
	_ = c.sched.Cancel(nearCloseID(key))
	if key == c.key {
		c.undo.Cancel()
		c.rec = nil
	}
	if _, err := c.queue.Enqueue(ctx, model.ActionDeleteSession, key, ""); err != nil {
		return err
	}
	if key == c.key {
		out := c.contextLocked()
		c.broadcastLocked(out)
	}
	return nil
}

// Reload re-derives the session key from the clock and rolls over to a
// fresh session when the owned one is finished. Called on startup and by
// the rollover loop.
func (c *Coordinator) Reload(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	newKey := KeyFor(c.clk.Now(), c.cfg.RolloverHour)
	if newKey == c.key {
		return
	}
	phase := window.Evaluate(c.snapshot(), c.clk.Now(), c.cfg).Phase
	if phase.Terminal() || phase == model.PhaseNoDose1 || phase == model.PhaseClosed {
		c.undo.Cancel()
		c.key = newKey
		c.rec = c.loadRecord(ctx, newKey)
		out := c.contextLocked()
		c.broadcastLocked(out)
		return
	}
	// The owned session is still inside its window; keep it until it
	// resolves or closes.
}

// RunRollover drives periodic Reload checks until the context ends.
func (c *Coordinator) RunRollover(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RolloverCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reload(ctx)
		}
	}
}

// commitLocked finishes a mutation: persist, enqueue the remote action,
// refresh notification schedules, arm the undo window, then broadcast.
func (c *Coordinator) commitLocked(ctx context.Context, kind model.ActionKind, pre *model.SessionRecord, eventIDs []string, payload string) (model.DoseWindowContext, error) {
	now := c.clk.Now()
	if c.rec != nil && kind != model.ActionLogEvent {
		c.rec.UpdatedAt = now.UTC()
		if err := c.store.PutSession(ctx, *c.rec); err != nil {
			c.rec = pre
			return c.contextLocked(), err
		}
	}
	act, err := c.queue.Enqueue(ctx, kind, c.key, payload)
	if err != nil {
		return c.contextLocked(), err
	}
	c.rescheduleLocked()
	c.undo.Arm(undo.Entry{
		Kind:            kind,
		SessionKey:      c.key,
		Snapshot:        pre,
		QueueActionIDs:  []string{act.ID},
		NotificationIDs: []string{reminderID(c.key), nearCloseID(c.key)},
		EventIDs:        eventIDs,
	})
	out := c.contextLocked()
	c.broadcastLocked(out)
	return out, nil
}

// rescheduleLocked makes the notification schedule match the current
// state: a reminder at dose1+target (+snoozes) and a hard-stop warning at
// the start of the final margin, both cancelled once they no longer apply.
func (c *Coordinator) rescheduleLocked() {
	ctx := c.contextLocked()
	if ctx.NextReminderAt != nil {
		_ = c.sched.Schedule(reminderID(c.key), *ctx.NextReminderAt, "time for dose 2")
	} else {
		_ = c.sched.Cancel(reminderID(c.key))
	}
	if c.rec != nil && c.rec.Dose1Time != nil && !c.rec.Resolved() {
		warnAt := c.rec.Dose1Time.Add(c.cfg.WindowClose - c.cfg.NearCloseMargin)
		if c.clk.Now().Before(warnAt) {
			_ = c.sched.Schedule(nearCloseID(c.key), warnAt, "window closes soon")
			return
		}
	}
	_ = c.sched.Cancel(nearCloseID(c.key))
}

func (c *Coordinator) contextLocked() model.DoseWindowContext {
	out := window.Evaluate(c.snapshot(), c.clk.Now(), c.cfg)
	if out.SessionKey == "" {
		out.SessionKey = c.key
	}
	return out
}

func (c *Coordinator) broadcastLocked(change model.DoseWindowContext) {
	for _, ch := range c.subs {
		select {
		case ch <- Change{SessionKey: c.key, Context: change}:
		default:
		}
	}
}

func (c *Coordinator) snapshot() *model.SessionRecord {
	if c.rec == nil {
		return nil
	}
	cl := c.rec.Clone()
	return &cl
}

func (c *Coordinator) ensureRecordLocked() *model.SessionRecord {
	if c.rec == nil {
		c.rec = &model.SessionRecord{SessionKey: c.key}
	}
	return c.rec
}

func dosePayload(at time.Time) string {
	b, _ := json.Marshal(map[string]string{"at": at.UTC().Format(time.RFC3339Nano)})
	return string(b)
}

// eventPayload builds the outbound sync copy. The free-form note is
// scrubbed before it leaves the device; the stored row keeps the original.
func eventPayload(ev model.LoggedEvent) string {
	b, _ := json.Marshal(map[string]string{
		"event_type": string(ev.EventType),
		"noted_at":   ev.NotedAt.Format(time.RFC3339Nano),
		"note":       redact.Note(ev.Payload),
	})
	return string(b)
}

func reminderID(key string) string {
	return "reminder-" + key
}

func nearCloseID(key string) string {
	return "nearclose-" + key
}
