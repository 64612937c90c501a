package window

import (
	"time"

	"dosewatch/internal/config"
	"dosewatch/internal/model"
)

// CheckSnooze decides whether a snooze is legal right now. Snoozing is
// permitted only while the window is Active and fewer than MaxSnoozes have
// been spent; the final NearCloseMargin is off limits even at zero snoozes.
func CheckSnooze(rec *model.SessionRecord, now time.Time, cfg config.Config) error {
	ctx := Evaluate(rec, now, cfg)
	switch ctx.Phase {
	case model.PhaseNoDose1:
		return model.ErrDose1Required
	case model.PhaseCompletedDose2, model.PhaseSkippedDose2:
		return model.ErrAlreadyTaken
	case model.PhaseActive:
		if ctx.SnoozeCount >= cfg.MaxSnoozes {
			return model.ErrSnoozeLimitReached
		}
		return nil
	default:
		// BeforeWindow, NearClose, Closed: nothing to defer or too late.
		return model.ErrWindowExceeded
	}
}

// CheckDose2 validates recording dose 2 at the given instant. The instant
// may be in the past (manual backdated entry is the recovery path for a
// closed window), so legality is judged at `at`, not at now.
func CheckDose2(rec *model.SessionRecord, at time.Time, cfg config.Config) error {
	if rec == nil || rec.Dose1Time == nil {
		return model.ErrDose1Required
	}
	if rec.Resolved() {
		return model.ErrAlreadyTaken
	}
	elapsed := at.Sub(*rec.Dose1Time)
	if elapsed < cfg.WindowOpen || elapsed >= cfg.WindowClose {
		return model.ErrWindowExceeded
	}
	return nil
}

// CheckSkip validates marking dose 2 skipped. Skipping is the explicit
// resolution path and stays legal after the window closes.
func CheckSkip(rec *model.SessionRecord) error {
	if rec == nil || rec.Dose1Time == nil {
		return model.ErrDose1Required
	}
	if rec.Resolved() {
		return model.ErrAlreadyTaken
	}
	return nil
}

// CheckDose1 validates recording dose 1.
func CheckDose1(rec *model.SessionRecord) error {
	if rec != nil && rec.Dose1Time != nil {
		return model.ErrAlreadyTaken
	}
	return nil
}
