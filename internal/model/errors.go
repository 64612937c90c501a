package model

import "errors"

// Result taxonomy for every mutating operation. Validation and conflict
// errors resolve locally and never enter the offline queue; auth and rate
// limit errors are owned by the queue's retry policy.
var (
	ErrWindowExceeded      = errors.New("dose window exceeded")
	ErrSnoozeLimitReached  = errors.New("snooze limit reached")
	ErrDose1Required       = errors.New("dose 1 required first")
	ErrAlreadyTaken        = errors.New("already taken")
	ErrDeviceNotRegistered = errors.New("device not registered")
	ErrRateLimited         = errors.New("rate limited")
	ErrUndoExpired         = errors.New("undo window expired")
)

// API error codes carried in the daemon's error envelope.
const (
	CodeWindowExceeded      = "E_WINDOW_EXCEEDED"
	CodeSnoozeLimitReached  = "E_SNOOZE_LIMIT"
	CodeDose1Required       = "E_DOSE1_REQUIRED"
	CodeAlreadyTaken        = "E_ALREADY_TAKEN"
	CodeDeviceNotRegistered = "E_DEVICE_NOT_REGISTERED"
	CodeRateLimited         = "E_RATE_LIMITED"
	CodeUndoExpired         = "E_UNDO_EXPIRED"
	CodeRefInvalid          = "E_REF_INVALID"
	CodeNotFound            = "E_NOT_FOUND"
	CodeInternal            = "E_INTERNAL"
)

// CodeFor maps a taxonomy error onto its wire code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrWindowExceeded):
		return CodeWindowExceeded
	case errors.Is(err, ErrSnoozeLimitReached):
		return CodeSnoozeLimitReached
	case errors.Is(err, ErrDose1Required):
		return CodeDose1Required
	case errors.Is(err, ErrAlreadyTaken):
		return CodeAlreadyTaken
	case errors.Is(err, ErrDeviceNotRegistered):
		return CodeDeviceNotRegistered
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUndoExpired):
		return CodeUndoExpired
	default:
		return CodeInternal
	}
}
