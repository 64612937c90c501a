// Package window computes the dose-window phase for a session. The engine
// is pure: it takes the record and the caller's now, touches no clock and
// no store, so DST and timezone edge cases are testable with fixed instants.
package window

import (
	"time"

	"dosewatch/internal/config"
	"dosewatch/internal/model"
)

// Evaluate derives the window context from a record snapshot and now.
// Elapsed time is computed on absolute instants, so a DST shift between
// dose 1 and now never distorts the duration.
func Evaluate(rec *model.SessionRecord, now time.Time, cfg config.Config) model.DoseWindowContext {
	out := model.DoseWindowContext{
		Phase:         model.PhaseNoDose1,
		TargetMinutes: int(cfg.TargetOffset / time.Minute),
	}
	if rec == nil {
		return out
	}
	out.SessionKey = rec.SessionKey
	out.SnoozeCount = rec.SnoozeCount

	switch {
	case rec.Dose2Time != nil:
		out.Phase = model.PhaseCompletedDose2
		return out
	case rec.Dose2Skipped:
		out.Phase = model.PhaseSkippedDose2
		return out
	case rec.Dose1Time == nil:
		return out
	}

	dose1 := *rec.Dose1Time
	_, offsetSec := now.Zone()
	out.OffsetChanged = offsetSec/60 != rec.Dose1UTCOffsetMin

	elapsed := now.Sub(dose1) / time.Second * time.Second
	out.Phase = phaseFor(elapsed, cfg)

	if out.Phase != model.PhaseClosed {
		remaining := int64((cfg.WindowClose - elapsed) / time.Second)
		out.RemainingSeconds = &remaining
		reminder := dose1.Add(cfg.TargetOffset + time.Duration(rec.SnoozeCount)*cfg.SnoozeIncrement)
		out.NextReminderAt = &reminder
	}
	return out
}

// phaseFor applies the boundary rules: elapsed == open is inside the
// window, elapsed == close is outside it.
func phaseFor(elapsed time.Duration, cfg config.Config) model.Phase {
	switch {
	case elapsed < cfg.WindowOpen:
		return model.PhaseBeforeWindow
	case elapsed < cfg.WindowClose-cfg.NearCloseMargin:
		return model.PhaseActive
	case elapsed < cfg.WindowClose:
		return model.PhaseNearClose
	default:
		return model.PhaseClosed
	}
}
