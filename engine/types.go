/*
Package engine provides the core commission computation engine.

PURPOSE:
  This package contains the domain types and algorithms for computing
  payout amounts from performance metrics: resolving payout periods,
  building manager roll-up scopes, aggregating metric totals, and
  orchestrating full computation runs that persist payout line items.

KEY CONCEPTS IN THIS FILE (types.go):
  - Participant: A person attached to plans, optionally reporting to a manager
  - Plan: A compensation plan with a payout frequency and effective window
  - Computation: A named formula template attached to plans
  - SourceDataRecord: An immutable performance-metric row
  - PayoutLine: One computed output row (the engine's only write product)
  - Totals: Aggregated metric values keyed by normalized label

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for every amount; float64 only at edges
  2. Reproducibility: A run is fully derivable from current state
  3. Replacement semantics: A run supersedes all prior lines for its plan
  4. Canonical dates: Period bounds are YYYY-MM-DD strings at UTC-midnight

SEE ALSO:
  - period.go: Payout period bucketing and window resolution
  - hierarchy.go: Manager roll-up index
  - run.go: The run orchestrator
  - store.go: Persistence interfaces
*/
package engine

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYOUT FREQUENCY
// =============================================================================

// Frequency controls how metric dates bucket into payout periods.
type Frequency string

const (
	FreqMonthly    Frequency = "monthly"
	FreqQuarterly  Frequency = "quarterly"
	FreqSemiAnnual Frequency = "semi-annual"
	FreqAnnual     Frequency = "annual"
	FreqWeekly     Frequency = "weekly"
	FreqBiWeekly   Frequency = "bi-weekly"
)

// =============================================================================
// PARTICIPANTS & HIERARCHY
// =============================================================================

// Participant is a person who can be attached to compensation plans.
// ManagerID is self-referential and forms a forest; cycles are rejected
// at link time but the engine still guards against them (see hierarchy.go).
type Participant struct {
	ID             int64
	FirstName      string
	LastName       string
	Email          string
	EmployeeID     string
	ManagerID      *int64
	EffectiveStart *string
	EffectiveEnd   *string
}

// ManagerLink is one edge of the manager forest: ParticipantID reports
// to ManagerID.
type ManagerLink struct {
	ParticipantID int64
	ManagerID     int64
}

// PersonRef is the display projection of a participant carried inside
// payout line payloads.
type PersonRef struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
}

// =============================================================================
// PLANS & PERIODS
// =============================================================================

// Plan is a compensation plan. Explicit payout periods are stored
// separately (PayoutPeriod); when a plan has none, the whole effective
// window acts as a single implicit period.
type Plan struct {
	ID              int64
	Name            string
	Version         string
	PayoutFrequency Frequency
	EffectiveStart  *string
	EffectiveEnd    *string
	Description     string
	IsActive        bool
}

// PayoutPeriod is an explicit payout window stored for a plan.
// Dates are YYYY-MM-DD strings.
type PayoutPeriod struct {
	ID      int64
	PlanID  int64
	Start   string
	End     string
	Label   string
	DueDate string
}

// Window is a resolved payout window the orchestrator iterates over.
// Unlike PayoutPeriod it always has concrete bounds and a due date.
type Window struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Label   string `json:"label"`
	DueDate string `json:"dueDate"`
}

// =============================================================================
// COMPUTATIONS
// =============================================================================

// ComputationScope controls how often a computation evaluates.
type ComputationScope string

const (
	// ScopePayout evaluates once per payout period.
	ScopePayout ComputationScope = "payout"
	// ScopePlan evaluates once over the whole plan window.
	ScopePlan ComputationScope = "plan"
)

// ValidScope reports whether v is a known computation scope.
func ValidScope(v string) bool {
	return v == string(ScopePayout) || v == string(ScopePlan)
}

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidComputationName reports whether name is identifier-shaped:
// letters, digits, underscore, not starting with a digit.
func ValidComputationName(name string) bool {
	return namePattern.MatchString(name)
}

// Computation is a named formula template. SourceDataInputs is a
// statically-extracted, comma-joined list of metric labels the template
// references; it is reporting metadata, never enforced at evaluation.
type Computation struct {
	ID               int64
	Name             string
	Scope            ComputationScope
	Template         string
	SourceDataInputs string
}

// =============================================================================
// SOURCE DATA
// =============================================================================

// SourceDataRecord is one immutable metric row. Many rows may exist per
// participant/label/date; the engine only ever sums them.
type SourceDataRecord struct {
	ID            int64
	ParticipantID int64
	RecordScope   string // free-form tag, default "ACTUAL"
	Label         string // case-insensitive metric name
	MetricDate    string // YYYY-MM-DD
	Value         decimal.Decimal
}

// DefaultRecordScope is applied when an ingested row carries no scope tag.
const DefaultRecordScope = "ACTUAL"

// =============================================================================
// TOTALS - Aggregated metrics exposed to formulas
// =============================================================================

// Totals maps a normalized metric label to its summed value over a window.
// An absent label reads as zero.
type Totals map[string]decimal.Decimal

// NormalizeLabel canonicalizes a metric label: trimmed, upper-cased.
func NormalizeLabel(label string) string {
	return strings.ToUpper(strings.TrimSpace(label))
}

// Sum returns the total for label, or zero when absent.
func (t Totals) Sum(label string) decimal.Decimal {
	if v, ok := t[NormalizeLabel(label)]; ok {
		return v
	}
	return decimal.Zero
}

// Has reports whether any source data contributed to label.
func (t Totals) Has(label string) bool {
	_, ok := t[NormalizeLabel(label)]
	return ok
}

// =============================================================================
// ROLL-UP METADATA
// =============================================================================

// RollupScope tags how a participant was evaluated.
type RollupScope string

const (
	RollupIndividual RollupScope = "individual" // no descendants
	RollupManager    RollupScope = "manager"    // has descendants
)

// RollupMeta describes the organizational scope a unit was evaluated
// under. It is merged into every payout line payload.
type RollupMeta struct {
	Scope           RollupScope `json:"scope"`
	ManagerID       int64       `json:"managerId"`
	DirectReportIDs []int64     `json:"directReportIds"`
	DescendantIDs   []int64     `json:"descendantIds"`
	DirectReports   []PersonRef `json:"directReports"`
	Descendants     []PersonRef `json:"descendants"`
}

// =============================================================================
// PAYOUT LINES - The engine's output
// =============================================================================

// PayoutLine is one computed output row. For a given plan + participant +
// computation + period there is at most one line per distinct output
// label from a single evaluation. Amounts are rounded to 4 decimal
// places at write time.
type PayoutLine struct {
	ID            int64
	PlanID        int64
	ParticipantID int64
	ComputationID int64
	PeriodStart   string
	PeriodEnd     string
	PeriodLabel   string
	DueDate       string
	OutputLabel   string
	Amount        decimal.Decimal
	Payload       []byte // JSON: template payload merged with rollup metadata
	CreatedAt     string
}

// AmountScale is the persistence precision for payout amounts.
const AmountScale = 4

// SummaryScale is the precision used when amounts are later summarized.
const SummaryScale = 2

// =============================================================================
// RUN RESULTS
// =============================================================================

// BlockedComputation records a template rejected by the security screen
// before compilation.
type BlockedComputation struct {
	ComputationID int64  `json:"computationId"`
	Name          string `json:"name"`
	Keyword       string `json:"keyword"`
}

// UnitError records a failure confined to one participant x computation
// (x period) evaluation unit. Unit errors never abort a run.
type UnitError struct {
	ParticipantID int64  `json:"participantId"`
	ComputationID int64  `json:"computationId"`
	Error         string `json:"error"`
}

// UnitWarning flags a unit whose rendered output was discarded during
// normalization (missing label or non-finite amount). Surfaced so broken
// formulas are visible instead of silently producing nothing.
type UnitWarning struct {
	ParticipantID int64  `json:"participantId"`
	ComputationID int64  `json:"computationId"`
	Period        string `json:"period"`
	Warning       string `json:"warning"`
}

// RunResult summarizes one completed (or short-circuited) run.
type RunResult struct {
	RunID        string               `json:"runId"`
	PlanID       int64                `json:"planId"`
	Participants int                  `json:"participants"`
	Computations int                  `json:"computations"`
	Periods      int                  `json:"periods"`
	Inserted     int                  `json:"inserted"`
	Blocked      []BlockedComputation `json:"blocked,omitempty"`
	Errors       []UnitError          `json:"errors,omitempty"`
	Warnings     []UnitWarning        `json:"warnings,omitempty"`
	Note         string               `json:"note,omitempty"`
}
