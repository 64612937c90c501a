// Package api defines the wire types for the dosewatchd HTTP surface.
package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type SessionContext struct {
	SessionKey       string  `json:"session_key"`
	Phase            string  `json:"phase"`
	RemainingSeconds *int64  `json:"remaining_seconds,omitempty"`
	SnoozeCount      int     `json:"snooze_count"`
	TargetMinutes    int     `json:"target_minutes"`
	NextReminderAt   *string `json:"next_reminder_at,omitempty"`
	OffsetChanged    bool    `json:"offset_changed,omitempty"`
}

type SessionEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Context       SessionContext `json:"context"`
}

type DoseRequest struct {
	At string `json:"at,omitempty"`
}

type EventRequest struct {
	EventType string `json:"event_type"`
	Payload   string `json:"payload,omitempty"`
}

type EventResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Accepted      bool      `json:"accepted"`
}

type EventItem struct {
	EventID    string `json:"event_id"`
	SessionKey string `json:"session_key"`
	EventType  string `json:"event_type"`
	NotedAt    string `json:"noted_at"`
	Payload    string `json:"payload,omitempty"`
}

type EventsEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Events        []EventItem `json:"events"`
}

type QueueItem struct {
	ActionID   string `json:"action_id"`
	Kind       string `json:"kind"`
	SessionKey string `json:"session_key"`
	CreatedAt  string `json:"created_at"`
	RetryCount int    `json:"retry_count"`
}

type QueueEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Online        bool        `json:"online"`
	Actions       []QueueItem `json:"actions"`
}

type WatchLine struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	StreamID      string         `json:"stream_id"`
	Sequence      int64          `json:"sequence"`
	Type          string         `json:"type"`
	Context       SessionContext `json:"context"`
	QueueDepth    int            `json:"queue_depth"`
}
