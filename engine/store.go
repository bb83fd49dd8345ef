/*
store.go - Persistence and evaluation interfaces for the run orchestrator

PURPOSE:
  Defines the boundary between the engine and its collaborators. The
  orchestrator only ever sees these interfaces; SQLite and in-memory
  implementations live in store/sqlite and engine/store.

RUN TRANSACTION CONTRACT:
  WithPlanRun serializes runs per plan id AND wraps fn in a single
  transaction. Two concurrent runs for one plan must never interleave:
  the delete-then-insert idempotency mechanism degenerates to data loss
  otherwise. Implementations hold a per-plan lock for the duration of fn
  and roll the transaction back when fn returns an error.

FORMULA CONTRACT:
  The engine never touches template internals. Compiler screens and
  compiles; CompiledTemplate evaluates one unit into normalized results.
  This keeps the evaluation sandbox (package formula) free to change
  without the orchestrator knowing.

SEE ALSO:
  - run.go: The only consumer of these interfaces
  - store/sqlite/sqlite.go: Production implementation
  - engine/store/memory.go: In-memory implementation for tests
  - formula/sandbox.go: Compiler implementation
*/
package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Store is the read/write surface a run needs. Every method is safe to
// call inside WithPlanRun; reads outside a run see committed state.
type Store interface {
	// GetPlan returns the plan or ErrPlanNotFound.
	GetPlan(ctx context.Context, planID int64) (*Plan, error)

	// ListPayoutPeriods returns the plan's explicit payout periods,
	// ordered by start date.
	ListPayoutPeriods(ctx context.Context, planID int64) ([]PayoutPeriod, error)

	// ListPlanParticipantIDs returns the distinct participants attached
	// to the plan.
	ListPlanParticipantIDs(ctx context.Context, planID int64) ([]int64, error)

	// ListManagerLinks returns every participant -> manager edge,
	// globally (roll-up scope is not limited to the plan).
	ListManagerLinks(ctx context.Context) ([]ManagerLink, error)

	// ListParticipantsByIDs returns display records for the given ids.
	ListParticipantsByIDs(ctx context.Context, ids []int64) ([]Participant, error)

	// ListPlanComputations returns the computations attached to the
	// plan, ordered by name.
	ListPlanComputations(ctx context.Context, planID int64) ([]Computation, error)

	// FetchTotals sums source-data values for the target participants
	// over [from, to] inclusive, grouped by normalized label.
	FetchTotals(ctx context.Context, participantIDs []int64, from, to string) (Totals, error)

	// DeletePayoutLines removes all lines for the plan (idempotent reset).
	DeletePayoutLines(ctx context.Context, planID int64) error

	// InsertPayoutLines appends computed lines.
	InsertPayoutLines(ctx context.Context, lines []PayoutLine) error
}

// RunStore extends Store with the per-plan run transaction.
type RunStore interface {
	Store

	// WithPlanRun executes fn inside a transaction while holding an
	// exclusive per-plan run lock. A concurrent call for the same plan
	// blocks until the first run commits or rolls back.
	WithPlanRun(ctx context.Context, planID int64, fn func(Store) error) error
}

// =============================================================================
// FORMULA INTERFACES
// =============================================================================

// EvalContext is the full data surface one evaluation unit may read.
type EvalContext struct {
	Totals        Totals
	TotalsDR      Totals
	Period        Window
	ParticipantID int64
	PlanID        int64
	Rollup        RollupMeta
}

// FormulaResult is one normalized output of a template evaluation.
type FormulaResult struct {
	Label   string
	Amount  decimal.Decimal
	Payload map[string]any
}

// CompiledTemplate is a template ready to evaluate. Implementations must
// re-screen the source immediately before execution.
type CompiledTemplate interface {
	// Evaluate runs the template against ectx and returns the
	// normalized results plus the number of candidates dropped during
	// normalization (missing label / non-finite amount).
	Evaluate(ectx EvalContext) (results []FormulaResult, dropped int, err error)
}

// Compiler screens and compiles formula templates.
type Compiler interface {
	// Screen returns the first denylisted keyword found in source, if any.
	Screen(source string) (keyword string, blocked bool)

	// Compile parses source into an executable unit. name labels
	// bare-number outputs.
	Compile(name, source string) (CompiledTemplate, error)
}
