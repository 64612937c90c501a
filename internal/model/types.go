package model

import (
	"errors"
	"time"
)

// Phase is the derived window state for one dosing session.
type Phase string

const (
	PhaseNoDose1        Phase = "no_dose1"
	PhaseBeforeWindow   Phase = "before_window"
	PhaseActive         Phase = "active"
	PhaseNearClose      Phase = "near_close"
	PhaseClosed         Phase = "closed"
	PhaseCompletedDose2 Phase = "completed_dose2"
	PhaseSkippedDose2   Phase = "skipped_dose2"
)

// Terminal reports whether the phase is absorbing: once dose 2 is taken or
// skipped the session never re-enters the window.
func (p Phase) Terminal() bool {
	return p == PhaseCompletedDose2 || p == PhaseSkippedDose2
}

// SessionRecord is the authoritative state for one night's dosing cycle.
// Dose2Time and Dose2Skipped are mutually exclusive.
type SessionRecord struct {
	SessionKey        string
	Dose1Time         *time.Time
	Dose2Time         *time.Time
	Dose2Skipped      bool
	SnoozeCount       int
	Dose1UTCOffsetMin int
	UpdatedAt         time.Time
}

// Clone returns a deep copy safe to hold as an undo snapshot.
func (r SessionRecord) Clone() SessionRecord {
	out := r
	if r.Dose1Time != nil {
		t := *r.Dose1Time
		out.Dose1Time = &t
	}
	if r.Dose2Time != nil {
		t := *r.Dose2Time
		out.Dose2Time = &t
	}
	return out
}

// Resolved reports whether dose 2 has been taken or explicitly skipped.
func (r SessionRecord) Resolved() bool {
	return r.Dose2Time != nil || r.Dose2Skipped
}

// Validate checks the record invariants before persistence.
func (r SessionRecord) Validate() error {
	if r.SessionKey == "" {
		return errors.New("session key required")
	}
	if r.Dose2Time != nil && r.Dose2Skipped {
		return errors.New("dose2 time and dose2 skipped are mutually exclusive")
	}
	if r.Dose2Time != nil && r.Dose1Time == nil {
		return errors.New("dose2 time requires dose1 time")
	}
	if r.SnoozeCount < 0 {
		return errors.New("snooze count negative")
	}
	return nil
}

// DoseWindowContext is derived from a SessionRecord and the caller's clock.
// It is never stored; every read recomputes it.
type DoseWindowContext struct {
	SessionKey       string
	Phase            Phase
	RemainingSeconds *int64
	SnoozeCount      int
	TargetMinutes    int
	NextReminderAt   *time.Time
	OffsetChanged    bool
}

// ActionKind identifies a remote-sync action in the offline queue.
type ActionKind string

const (
	ActionTakeDose1     ActionKind = "take-dose1"
	ActionTakeDose2     ActionKind = "take-dose2"
	ActionSkipDose2     ActionKind = "skip"
	ActionSnooze        ActionKind = "snooze"
	ActionLogEvent      ActionKind = "log-event"
	ActionDeleteSession ActionKind = "delete-session"
	ActionExportStats   ActionKind = "export-analytics"
)

// Critical reports whether the action changes dose state. Critical actions
// are never evicted from a full queue without a surfaced warning.
func (k ActionKind) Critical() bool {
	return k != ActionLogEvent && k != ActionExportStats
}

// QueuedAction is one durable entry in the offline action queue. The ID is a
// ULID: lexicographic order matches enqueue order and the ID doubles as the
// idempotency key for remote delivery.
type QueuedAction struct {
	ID         string
	Kind       ActionKind
	SessionKey string
	Payload    string
	CreatedAt  time.Time
	RetryCount int
}

// EventType classifies ancillary logged events. Physical/ambient types carry
// a nonzero cooldown; narrative types do not.
type EventType string

const (
	EventBathroom EventType = "bathroom"
	EventWater    EventType = "water"
	EventSnack    EventType = "snack"
	EventWake     EventType = "wake"
	EventNote     EventType = "note"
)

// KnownEventTypes lists every accepted event type.
var KnownEventTypes = map[EventType]bool{
	EventBathroom: true,
	EventWater:    true,
	EventSnack:    true,
	EventWake:     true,
	EventNote:     true,
}

// LoggedEvent is one stored ancillary event, joined to a session by key.
type LoggedEvent struct {
	EventID    string
	SessionKey string
	EventType  EventType
	NotedAt    time.Time
	Payload    string
}
