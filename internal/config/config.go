// Package config is the single authoritative source for every tunable in
// the system. Components never hardcode window bounds, cooldowns, or the
// undo window; they read them from here so a value can only drift in one
// place.
package config

import (
	"os"
	"path/filepath"
	"time"

	"dosewatch/internal/model"
)

type Config struct {
	SocketPath    string
	DBPath        string
	RemoteBaseURL string
	DeviceToken   string

	// Window geometry. The 150/240 bounds are immutable regardless of
	// snooze count; snoozes shift the reminder, never the window.
	WindowOpen      time.Duration
	WindowClose     time.Duration
	NearCloseMargin time.Duration
	TargetOffset    time.Duration
	SnoozeIncrement time.Duration
	MaxSnoozes      int

	UndoWindow time.Duration

	Cooldowns map[model.EventType]time.Duration

	QueueCapacity int
	RetryBackoff  []time.Duration
	DrainInterval time.Duration

	RolloverHour          int
	RolloverCheckInterval time.Duration

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	ProbeInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketPath:      defaultSocketPath(),
		DBPath:          defaultDBPath(),
		RemoteBaseURL:   os.Getenv("DOSEWATCH_REMOTE_URL"),
		DeviceToken:     os.Getenv("DOSEWATCH_DEVICE_TOKEN"),
		WindowOpen:      150 * time.Minute,
		WindowClose:     240 * time.Minute,
		NearCloseMargin: 15 * time.Minute,
		TargetOffset:    165 * time.Minute,
		SnoozeIncrement: 10 * time.Minute,
		MaxSnoozes:      3,
		UndoWindow:      5 * time.Second,
		Cooldowns: map[model.EventType]time.Duration{
			model.EventBathroom: 60 * time.Second,
			model.EventWater:    60 * time.Second,
			model.EventSnack:    60 * time.Second,
			model.EventWake:     60 * time.Second,
			model.EventNote:     0,
		},
		QueueCapacity:         500,
		RetryBackoff:          []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 15 * time.Second, 60 * time.Second},
		DrainInterval:         5 * time.Second,
		RolloverHour:          18,
		RolloverCheckInterval: 60 * time.Second,
		ConnectTimeout:        3 * time.Second,
		RequestTimeout:        10 * time.Second,
		ProbeInterval:         30 * time.Second,
	}
}

// Cooldown returns the configured spacing for an event type. Unknown types
// get zero, which the guard treats as "always allowed".
func (c Config) Cooldown(et model.EventType) time.Duration {
	if c.Cooldowns == nil {
		return 0
	}
	return c.Cooldowns[et]
}

// Backoff returns the delay before retry attempt n (zero-based), clamped to
// the last rung of the ladder.
func (c Config) Backoff(attempt int) time.Duration {
	if len(c.RetryBackoff) == 0 {
		return time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(c.RetryBackoff) {
		attempt = len(c.RetryBackoff) - 1
	}
	return c.RetryBackoff[attempt]
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "dosewatch", "dosewatchd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dosewatchd.sock"
	}
	return filepath.Join(home, ".local", "state", "dosewatch", "dosewatchd.sock")
}

func defaultDBPath() string {
	if env := os.Getenv("DOSEWATCH_DB"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "dosewatch.db"
	}
	return filepath.Join(home, ".local", "state", "dosewatch", "dosewatch.db")
}
