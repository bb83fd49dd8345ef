/*
period.go - Payout period bucketing and window resolution

PURPOSE:
  Maps metric dates into canonical payout-period buckets and expands a
  plan's stored payout periods (or its effective window) into the
  concrete windows a run iterates over.

KEY FUNCTIONS:
  PeriodStartFor:  date + frequency + anchor -> canonical bucket start
  ResolvePeriods:  plan + explicit period rows -> []Window

DATE HANDLING:
  All arithmetic happens at UTC-midnight granularity so the same metric
  date always lands in the same bucket regardless of server timezone.
  Inputs may be time.Time values or YYYY-MM-DD strings; anything
  unparseable maps to the sentinel "0000-01-01" rather than an error,
  and callers must tolerate the sentinel.

SEE ALSO:
  - run.go: Uses ResolvePeriods per computation scope
  - types.go: Frequency, Window
*/
package engine

import (
	"regexp"
	"strings"
	"time"
)

// Sentinel bounds for open-ended or unparseable dates.
const (
	DateSentinel = "0000-01-01"
	DateMin      = "0001-01-01"
	DateMax      = "9999-12-31"
)

// PlanWindowLabel names the synthetic window used when a plan has no
// explicit payout periods.
const PlanWindowLabel = "Plan Window"

var ymdPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// =============================================================================
// DATE HELPERS
// =============================================================================

// ToUTCDate normalizes a date-like value to UTC midnight.
// Accepts time.Time or string; returns ok=false when unparseable.
func ToUTCDate(input any) (time.Time, bool) {
	switch v := input.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false
		}
		return time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC), true
	case string:
		if v == "" {
			return time.Time{}, false
		}
		if ymdPattern.MatchString(v) {
			t, err := time.Parse("2006-01-02", v[:10])
			if err != nil {
				return time.Time{}, false
			}
			return t, true
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
	default:
		return time.Time{}, false
	}
}

// YMD formats a time as a canonical YYYY-MM-DD string.
func YMD(t time.Time) string { return t.Format("2006-01-02") }

// ToYMD coerces a date-like value to YYYY-MM-DD, or returns fallback.
func ToYMD(input any, fallback string) string {
	t, ok := ToUTCDate(input)
	if !ok {
		return fallback
	}
	return YMD(t)
}

// =============================================================================
// PERIOD START RESOLUTION
// =============================================================================

// PeriodStartFor returns the canonical YYYY-MM-DD start of the payout
// bucket containing date, for the given frequency.
//
// Bucketing rules:
//   annual:      Jan 1 of the date's year
//   quarterly:   first month of the {Jan,Apr,Jul,Oct} quarter
//   semi-annual: Jan 1 or Jul 1
//   weekly:      Monday of the week (Sunday counts as end of week)
//   bi-weekly:   anchor defines cycle 0; buckets advance 14 days
//   monthly:     1st of the month (also the fallback for unknown input)
//
// An unparseable date returns the sentinel "0000-01-01"; this function
// never fails.
func PeriodStartFor(date any, frequency Frequency, anchor any) string {
	d, ok := ToUTCDate(date)
	if !ok {
		return DateSentinel
	}

	// Frequency matching is case-insensitive ("Quarterly" buckets quarterly).
	switch Frequency(strings.ToLower(string(frequency))) {
	case FreqAnnual:
		return YMD(time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, time.UTC))

	case FreqQuarterly:
		qStart := time.Month((int(d.Month())-1)/3*3 + 1)
		return YMD(time.Date(d.Year(), qStart, 1, 0, 0, 0, 0, time.UTC))

	case FreqSemiAnnual:
		start := time.January
		if d.Month() >= time.July {
			start = time.July
		}
		return YMD(time.Date(d.Year(), start, 1, 0, 0, 0, 0, time.UTC))

	case FreqWeekly:
		// Monday start; Sunday belongs to the preceding week.
		delta := 1 - int(d.Weekday())
		if d.Weekday() == time.Sunday {
			delta = -6
		}
		return YMD(d.AddDate(0, 0, delta))

	case FreqBiWeekly:
		a, ok := ToUTCDate(anchor)
		if !ok {
			a = d
		}
		daysSince := int(d.Sub(a).Hours() / 24)
		idx := daysSince / 14
		if daysSince < 0 && daysSince%14 != 0 {
			idx--
		}
		return YMD(a.AddDate(0, 0, idx*14))

	case FreqMonthly:
		fallthrough
	default:
		return YMD(time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC))
	}
}

// =============================================================================
// PLAN WINDOW RESOLUTION
// =============================================================================

// PlanWindow returns the single implicit window spanning the plan's
// effective dates, with open-ended bounds defaulting to DateMin/DateMax.
func PlanWindow(plan *Plan) Window {
	start := DateMin
	end := DateMax
	if plan.EffectiveStart != nil {
		start = ToYMD(*plan.EffectiveStart, DateMin)
	}
	if plan.EffectiveEnd != nil {
		end = ToYMD(*plan.EffectiveEnd, DateMax)
	}
	due := end
	if due == DateMax && start != DateMin {
		due = start
	}
	return Window{Start: start, End: end, Label: PlanWindowLabel, DueDate: due}
}

// ResolvePeriods expands a plan's explicit payout-period rows into
// concrete windows, defaulting each due date to the period end. When the
// plan has no explicit periods the whole plan window is returned as a
// single window.
func ResolvePeriods(plan *Plan, periods []PayoutPeriod) []Window {
	if len(periods) == 0 {
		return []Window{PlanWindow(plan)}
	}
	windows := make([]Window, 0, len(periods))
	for _, p := range periods {
		start := ToYMD(p.Start, DateMin)
		end := ToYMD(p.End, DateMax)
		due := ToYMD(p.DueDate, end)
		windows = append(windows, Window{Start: start, End: end, Label: p.Label, DueDate: due})
	}
	return windows
}
