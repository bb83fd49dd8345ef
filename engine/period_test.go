package engine_test

import (
	"testing"
	"time"

	"github.com/warp/commission-engine/engine"
)

// =============================================================================
// BUCKETING TESTS
// =============================================================================

func TestPeriodStartFor_Annual(t *testing.T) {
	got := engine.PeriodStartFor("2025-08-20", engine.FreqAnnual, nil)
	if got != "2025-01-01" {
		t.Errorf("expected 2025-01-01, got %s", got)
	}
}

func TestPeriodStartFor_Quarterly(t *testing.T) {
	cases := map[string]string{
		"2025-01-15": "2025-01-01",
		"2025-05-15": "2025-04-01",
		"2025-08-01": "2025-07-01",
		"2025-12-31": "2025-10-01",
	}
	for date, want := range cases {
		if got := engine.PeriodStartFor(date, engine.FreqQuarterly, nil); got != want {
			t.Errorf("quarterly %s: expected %s, got %s", date, want, got)
		}
	}
}

func TestPeriodStartFor_SemiAnnual(t *testing.T) {
	if got := engine.PeriodStartFor("2025-06-30", engine.FreqSemiAnnual, nil); got != "2025-01-01" {
		t.Errorf("first half: expected 2025-01-01, got %s", got)
	}
	if got := engine.PeriodStartFor("2025-07-01", engine.FreqSemiAnnual, nil); got != "2025-07-01" {
		t.Errorf("second half: expected 2025-07-01, got %s", got)
	}
}

func TestPeriodStartFor_Weekly_MondayStart(t *testing.T) {
	// GIVEN: A Wednesday
	// THEN: The bucket starts the preceding Monday
	if got := engine.PeriodStartFor("2025-03-12", engine.FreqWeekly, nil); got != "2025-03-10" {
		t.Errorf("wednesday: expected 2025-03-10, got %s", got)
	}
	// Sunday belongs to the week that started six days earlier
	if got := engine.PeriodStartFor("2025-03-16", engine.FreqWeekly, nil); got != "2025-03-10" {
		t.Errorf("sunday: expected 2025-03-10, got %s", got)
	}
	// Monday is its own bucket start
	if got := engine.PeriodStartFor("2025-03-10", engine.FreqWeekly, nil); got != "2025-03-10" {
		t.Errorf("monday: expected 2025-03-10, got %s", got)
	}
}

func TestPeriodStartFor_BiWeekly_Anchored(t *testing.T) {
	anchor := "2025-01-06"

	cases := map[string]string{
		"2025-01-06": "2025-01-06", // the anchor itself
		"2025-01-19": "2025-01-06", // day 13 still in cycle 0
		"2025-01-20": "2025-01-20", // day 14 opens cycle 1
		"2025-02-03": "2025-02-03", // cycle 2
		"2025-01-05": "2024-12-23", // before the anchor: previous cycle
	}
	for date, want := range cases {
		if got := engine.PeriodStartFor(date, engine.FreqBiWeekly, anchor); got != want {
			t.Errorf("bi-weekly %s: expected %s, got %s", date, want, got)
		}
	}
}

func TestPeriodStartFor_BiWeekly_NoAnchor_SelfAnchors(t *testing.T) {
	if got := engine.PeriodStartFor("2025-03-12", engine.FreqBiWeekly, nil); got != "2025-03-12" {
		t.Errorf("expected self-anchored 2025-03-12, got %s", got)
	}
}

func TestPeriodStartFor_Monthly_IsDefault(t *testing.T) {
	if got := engine.PeriodStartFor("2025-03-12", engine.FreqMonthly, nil); got != "2025-03-01" {
		t.Errorf("monthly: expected 2025-03-01, got %s", got)
	}
	// Unknown frequency falls back to monthly
	if got := engine.PeriodStartFor("2025-03-12", engine.Frequency("fortnightly"), nil); got != "2025-03-01" {
		t.Errorf("unknown frequency: expected 2025-03-01, got %s", got)
	}
}

func TestPeriodStartFor_FrequencyCaseInsensitive(t *testing.T) {
	// Stored frequencies arrive in mixed case; bucketing must not care.
	if got := engine.PeriodStartFor("2025-08-20", engine.Frequency("Quarterly"), nil); got != "2025-07-01" {
		t.Errorf("Quarterly: expected 2025-07-01, got %s", got)
	}
	if got := engine.PeriodStartFor("2025-08-20", engine.Frequency("ANNUAL"), nil); got != "2025-01-01" {
		t.Errorf("ANNUAL: expected 2025-01-01, got %s", got)
	}
	if got := engine.PeriodStartFor("2025-03-12", engine.Frequency("Bi-Weekly"), "2025-01-06"); got != "2025-03-03" {
		t.Errorf("Bi-Weekly: expected 2025-03-03, got %s", got)
	}
}

func TestPeriodStartFor_InvalidDate_Sentinel(t *testing.T) {
	if got := engine.PeriodStartFor("not-a-date", engine.FreqMonthly, nil); got != engine.DateSentinel {
		t.Errorf("expected sentinel %s, got %s", engine.DateSentinel, got)
	}
	if got := engine.PeriodStartFor(nil, engine.FreqMonthly, nil); got != engine.DateSentinel {
		t.Errorf("nil input: expected sentinel, got %s", got)
	}
}

func TestPeriodStartFor_Deterministic(t *testing.T) {
	// Same input, same bucket, every time
	first := engine.PeriodStartFor("2025-06-15", engine.FreqQuarterly, nil)
	for i := 0; i < 10; i++ {
		if got := engine.PeriodStartFor("2025-06-15", engine.FreqQuarterly, nil); got != first {
			t.Fatalf("non-deterministic bucketing: %s vs %s", first, got)
		}
	}
}

func TestPeriodStartFor_AcceptsTimeValues(t *testing.T) {
	d := time.Date(2025, time.May, 15, 13, 45, 0, 0, time.FixedZone("X", 5*3600))
	if got := engine.PeriodStartFor(d, engine.FreqQuarterly, nil); got != "2025-04-01" {
		t.Errorf("time.Time input: expected 2025-04-01, got %s", got)
	}
}

// =============================================================================
// WINDOW RESOLUTION TESTS
// =============================================================================

func TestResolvePeriods_NoExplicitPeriods_PlanWindow(t *testing.T) {
	start := "2025-01-01"
	end := "2025-12-31"
	plan := &engine.Plan{ID: 1, EffectiveStart: &start, EffectiveEnd: &end}

	windows := engine.ResolvePeriods(plan, nil)
	if len(windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(windows))
	}
	w := windows[0]
	if w.Start != "2025-01-01" || w.End != "2025-12-31" {
		t.Errorf("unexpected bounds: %s .. %s", w.Start, w.End)
	}
	if w.Label != engine.PlanWindowLabel {
		t.Errorf("expected label %q, got %q", engine.PlanWindowLabel, w.Label)
	}
	if w.DueDate != "2025-12-31" {
		t.Errorf("due date should default to end, got %s", w.DueDate)
	}
}

func TestResolvePeriods_OpenEndedPlan_SentinelBounds(t *testing.T) {
	plan := &engine.Plan{ID: 1}
	windows := engine.ResolvePeriods(plan, nil)
	if windows[0].Start != engine.DateMin || windows[0].End != engine.DateMax {
		t.Errorf("expected open-ended bounds, got %s .. %s", windows[0].Start, windows[0].End)
	}
}

func TestResolvePeriods_ExplicitPeriods_DueDefaultsToEnd(t *testing.T) {
	plan := &engine.Plan{ID: 1}
	periods := []engine.PayoutPeriod{
		{Start: "2025-01-01", End: "2025-03-31", Label: "Q1", DueDate: "2025-04-15"},
		{Start: "2025-04-01", End: "2025-06-30", Label: "Q2"},
	}
	windows := engine.ResolvePeriods(plan, periods)
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[0].DueDate != "2025-04-15" {
		t.Errorf("explicit due date lost: %s", windows[0].DueDate)
	}
	if windows[1].DueDate != "2025-06-30" {
		t.Errorf("due date should default to period end, got %s", windows[1].DueDate)
	}
}
