package window

import (
	"errors"
	"testing"
	"time"

	"dosewatch/internal/config"
	"dosewatch/internal/model"
)

func recordWithDose1(at time.Time, snoozes int) *model.SessionRecord {
	_, offset := at.Zone()
	return &model.SessionRecord{
		SessionKey:        "2026-03-07",
		Dose1Time:         &at,
		SnoozeCount:       snoozes,
		Dose1UTCOffsetMin: offset / 60,
	}
}

func TestEvaluateNoRecord(t *testing.T) {
	ctx := Evaluate(nil, time.Now(), config.DefaultConfig())
	if ctx.Phase != model.PhaseNoDose1 {
		t.Fatalf("expected no_dose1, got %s", ctx.Phase)
	}
	if ctx.RemainingSeconds != nil {
		t.Fatalf("expected nil remaining for empty session")
	}
	if ctx.TargetMinutes != 165 {
		t.Fatalf("expected target 165, got %d", ctx.TargetMinutes)
	}
}

func TestEvaluatePhaseBoundaries(t *testing.T) {
	cfg := config.DefaultConfig()
	dose1 := time.Date(2026, 3, 7, 21, 0, 0, 0, time.UTC)
	rec := recordWithDose1(dose1, 0)

	cases := []struct {
		name    string
		elapsed time.Duration
		want    model.Phase
	}{
		{"just after dose1", 1 * time.Minute, model.PhaseBeforeWindow},
		{"one second before open", 150*time.Minute - time.Second, model.PhaseBeforeWindow},
		{"exactly at open", 150 * time.Minute, model.PhaseActive},
		{"mid window", 200 * time.Minute, model.PhaseActive},
		{"one second before near close", 225*time.Minute - time.Second, model.PhaseActive},
		{"exactly at near close", 225 * time.Minute, model.PhaseNearClose},
		{"one second before close", 240*time.Minute - time.Second, model.PhaseNearClose},
		{"exactly at close", 240 * time.Minute, model.PhaseClosed},
		{"long after close", 10 * time.Hour, model.PhaseClosed},
	}
	for _, tc := range cases {
		ctx := Evaluate(rec, dose1.Add(tc.elapsed), cfg)
		if ctx.Phase != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, ctx.Phase)
		}
	}
}

func TestEvaluateRemainingSeconds(t *testing.T) {
	cfg := config.DefaultConfig()
	dose1 := time.Date(2026, 3, 7, 21, 0, 0, 0, time.UTC)
	rec := recordWithDose1(dose1, 0)

	ctx := Evaluate(rec, dose1.Add(200*time.Minute), cfg)
	if ctx.RemainingSeconds == nil {
		t.Fatalf("expected remaining seconds in active phase")
	}
	if got := *ctx.RemainingSeconds; got != int64(40*60) {
		t.Fatalf("expected 2400s remaining, got %d", got)
	}

	ctx = Evaluate(rec, dose1.Add(240*time.Minute), cfg)
	if ctx.RemainingSeconds != nil {
		t.Fatalf("expected nil remaining once closed")
	}

	taken := dose1.Add(170 * time.Minute)
	rec2 := recordWithDose1(dose1, 0)
	rec2.Dose2Time = &taken
	ctx = Evaluate(rec2, dose1.Add(200*time.Minute), cfg)
	if ctx.Phase != model.PhaseCompletedDose2 {
		t.Fatalf("expected completed_dose2, got %s", ctx.Phase)
	}
	if ctx.RemainingSeconds != nil {
		t.Fatalf("expected nil remaining in absorbing state")
	}
}

func TestEvaluateAbsorbingStatesIgnoreElapsed(t *testing.T) {
	cfg := config.DefaultConfig()
	dose1 := time.Date(2026, 3, 7, 21, 0, 0, 0, time.UTC)

	rec := recordWithDose1(dose1, 1)
	rec.Dose2Skipped = true
	ctx := Evaluate(rec, dose1.Add(12*time.Hour), cfg)
	if ctx.Phase != model.PhaseSkippedDose2 {
		t.Fatalf("expected skipped_dose2 long after close, got %s", ctx.Phase)
	}
	if ctx.SnoozeCount != 1 {
		t.Fatalf("expected snooze count carried through, got %d", ctx.SnoozeCount)
	}
}

func TestEvaluateDSTTransitionDoesNotDistortElapsed(t *testing.T) {
	cfg := config.DefaultConfig()
	// Spring-forward night: dose 1 at 23:30 EST, evaluation at 03:30 EDT.
	// Wall clocks show 4h apart but only 3h elapsed.
	est := time.FixedZone("EST", -5*3600)
	edt := time.FixedZone("EDT", -4*3600)
	dose1 := time.Date(2026, 3, 7, 23, 30, 0, 0, est)
	rec := recordWithDose1(dose1, 0)

	now := time.Date(2026, 3, 8, 3, 30, 0, 0, edt)
	if got := now.Sub(dose1); got != 3*time.Hour {
		t.Fatalf("fixture broken: expected 3h absolute elapsed, got %s", got)
	}
	ctx := Evaluate(rec, now, cfg)
	if ctx.Phase != model.PhaseActive {
		t.Fatalf("expected active at 180m elapsed across DST, got %s", ctx.Phase)
	}
	if !ctx.OffsetChanged {
		t.Fatalf("expected offset-change advisory across DST shift")
	}
}

func TestEvaluateOffsetAdvisoryStableInSameZone(t *testing.T) {
	cfg := config.DefaultConfig()
	zone := time.FixedZone("JST", 9*3600)
	dose1 := time.Date(2026, 3, 7, 22, 0, 0, 0, zone)
	rec := recordWithDose1(dose1, 0)
	ctx := Evaluate(rec, dose1.Add(160*time.Minute), cfg)
	if ctx.OffsetChanged {
		t.Fatalf("unexpected offset advisory without travel")
	}
}

func TestEvaluateNextReminderShiftsWithSnoozes(t *testing.T) {
	cfg := config.DefaultConfig()
	dose1 := time.Date(2026, 3, 7, 21, 0, 0, 0, time.UTC)

	ctx := Evaluate(recordWithDose1(dose1, 0), dose1.Add(time.Minute), cfg)
	if ctx.NextReminderAt == nil || !ctx.NextReminderAt.Equal(dose1.Add(165*time.Minute)) {
		t.Fatalf("expected reminder at dose1+165m, got %v", ctx.NextReminderAt)
	}

	ctx = Evaluate(recordWithDose1(dose1, 2), dose1.Add(175*time.Minute), cfg)
	if ctx.NextReminderAt == nil || !ctx.NextReminderAt.Equal(dose1.Add(185*time.Minute)) {
		t.Fatalf("expected reminder at dose1+185m after two snoozes, got %v", ctx.NextReminderAt)
	}
	// Snoozes shift the reminder only; the window bounds stay put.
	ctx = Evaluate(recordWithDose1(dose1, 3), dose1.Add(240*time.Minute), cfg)
	if ctx.Phase != model.PhaseClosed {
		t.Fatalf("expected closed at 240m regardless of snoozes, got %s", ctx.Phase)
	}
}

func TestCheckSnooze(t *testing.T) {
	cfg := config.DefaultConfig()
	dose1 := time.Date(2026, 3, 7, 21, 0, 0, 0, time.UTC)

	if err := CheckSnooze(nil, dose1, cfg); !errors.Is(err, model.ErrDose1Required) {
		t.Fatalf("expected dose1 required, got %v", err)
	}
	if err := CheckSnooze(recordWithDose1(dose1, 0), dose1.Add(160*time.Minute), cfg); err != nil {
		t.Fatalf("expected snooze allowed in active phase, got %v", err)
	}
	if err := CheckSnooze(recordWithDose1(dose1, 3), dose1.Add(160*time.Minute), cfg); !errors.Is(err, model.ErrSnoozeLimitReached) {
		t.Fatalf("expected snooze limit error, got %v", err)
	}
	// Final 15 minutes: rejected even with zero snoozes spent.
	if err := CheckSnooze(recordWithDose1(dose1, 0), dose1.Add(230*time.Minute), cfg); !errors.Is(err, model.ErrWindowExceeded) {
		t.Fatalf("expected window exceeded in near close, got %v", err)
	}
	if err := CheckSnooze(recordWithDose1(dose1, 0), dose1.Add(10*time.Minute), cfg); !errors.Is(err, model.ErrWindowExceeded) {
		t.Fatalf("expected window exceeded before window, got %v", err)
	}
	skipped := recordWithDose1(dose1, 0)
	skipped.Dose2Skipped = true
	if err := CheckSnooze(skipped, dose1.Add(160*time.Minute), cfg); !errors.Is(err, model.ErrAlreadyTaken) {
		t.Fatalf("expected already taken for resolved session, got %v", err)
	}
}

func TestCheckDose2(t *testing.T) {
	cfg := config.DefaultConfig()
	dose1 := time.Date(2026, 3, 7, 21, 0, 0, 0, time.UTC)
	rec := recordWithDose1(dose1, 0)

	if err := CheckDose2(nil, dose1, cfg); !errors.Is(err, model.ErrDose1Required) {
		t.Fatalf("expected dose1 required, got %v", err)
	}
	if err := CheckDose2(rec, dose1.Add(100*time.Minute), cfg); !errors.Is(err, model.ErrWindowExceeded) {
		t.Fatalf("expected window exceeded before open, got %v", err)
	}
	if err := CheckDose2(rec, dose1.Add(150*time.Minute), cfg); err != nil {
		t.Fatalf("expected dose2 valid exactly at open, got %v", err)
	}
	if err := CheckDose2(rec, dose1.Add(240*time.Minute), cfg); !errors.Is(err, model.ErrWindowExceeded) {
		t.Fatalf("expected window exceeded exactly at close, got %v", err)
	}
	taken := dose1.Add(165 * time.Minute)
	rec.Dose2Time = &taken
	if err := CheckDose2(rec, dose1.Add(170*time.Minute), cfg); !errors.Is(err, model.ErrAlreadyTaken) {
		t.Fatalf("expected already taken, got %v", err)
	}
}
