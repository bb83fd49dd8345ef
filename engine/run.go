/*
run.go - The payout run orchestrator

PURPOSE:
  Executes one "run computations" invocation for a plan: resolves payout
  windows, builds the roll-up index, aggregates metrics, evaluates every
  participant x computation x period unit, and persists a replacement
  set of payout lines.

RUN SHAPE:
  1. Load plan + explicit periods (or synthesize the plan window)
  2. Load attached participants; none -> zero-effect result
  3. Build the global hierarchy index + display directory
  4. Load attached computations; none -> zero-effect result;
     partition safe/blocked; all blocked -> abort without writing
  5. Idempotent reset: delete all existing lines for the plan
  6. Precompile safe templates once (run-scoped cache)
  7. Nested loop over units; per-unit failures are recorded, not thrown
  8. Everything inside one WithPlanRun transaction; infrastructure
     failure rolls the whole run back

CONCURRENCY:
  Runs for the same plan are serialized by the store's per-plan lock.
  Units are independent and evaluated sequentially; each reads committed
  source data and writes a disjoint row set.

SEE ALSO:
  - store.go: RunStore / Compiler contracts
  - period.go: Window resolution
  - hierarchy.go: Roll-up scopes
*/
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// DefaultMaxUnits caps evaluation units per run. The run transaction is
// held open for the whole run; an unbounded participant set would pin it
// indefinitely. Exceeding the cap aborts and rolls back.
const DefaultMaxUnits = 100000

// Orchestrator runs payout computations for plans.
type Orchestrator struct {
	Store    RunStore
	Compiler Compiler

	// MaxUnits overrides DefaultMaxUnits when positive.
	MaxUnits int
}

// NewOrchestrator wires a run orchestrator.
func NewOrchestrator(store RunStore, compiler Compiler) *Orchestrator {
	return &Orchestrator{Store: store, Compiler: compiler}
}

func (o *Orchestrator) maxUnits() int {
	if o.MaxUnits > 0 {
		return o.MaxUnits
	}
	return DefaultMaxUnits
}

// Run executes a full computation run for planID. The returned result is
// non-nil whenever the run reached a decision, including zero-effect
// short circuits and the all-blocked abort (which also returns
// ErrAllComputationsBlocked). Infrastructure failures return a nil
// result and a non-nil error; nothing is written in that case.
func (o *Orchestrator) Run(ctx context.Context, planID int64) (*RunResult, error) {
	result := &RunResult{RunID: uuid.NewString(), PlanID: planID}

	err := o.Store.WithPlanRun(ctx, planID, func(s Store) error {
		return o.runLocked(ctx, s, planID, result)
	})
	if err != nil {
		// Zero-effect decisions surface through the result, not the error.
		if errors.Is(err, errZeroEffect) {
			return result, nil
		}
		if errors.Is(err, errAllBlocked) {
			return result, ErrAllComputationsBlocked
		}
		return nil, err
	}
	return result, nil
}

// Internal control-flow sentinels: force WithPlanRun to roll back while
// still reporting a structured result to the caller.
var (
	errZeroEffect = errors.New("run: zero effect")
	errAllBlocked = errors.New("run: all computations blocked")
)

func (o *Orchestrator) runLocked(ctx context.Context, s Store, planID int64, result *RunResult) error {
	// ---- plan & periods
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	periodRows, err := s.ListPayoutPeriods(ctx, planID)
	if err != nil {
		return err
	}
	planWindow := PlanWindow(plan)
	payoutWindows := ResolvePeriods(plan, periodRows)

	result.Periods = len(periodRows)
	if result.Periods == 0 {
		result.Periods = 1
	}

	// ---- participants attached to this plan
	participantIDs, err := s.ListPlanParticipantIDs(ctx, planID)
	if err != nil {
		return err
	}
	result.Participants = len(participantIDs)
	if len(participantIDs) == 0 {
		result.Periods = 0
		result.Note = "No participants attached to plan."
		return errZeroEffect
	}

	// ---- global hierarchy + display directory
	links, err := s.ListManagerLinks(ctx)
	if err != nil {
		return err
	}
	hierarchy := NewHierarchyIndex(links)

	directory, err := o.loadDirectory(ctx, s, hierarchy, participantIDs)
	if err != nil {
		return err
	}

	// ---- computations attached to plan
	comps, err := s.ListPlanComputations(ctx, planID)
	if err != nil {
		return err
	}
	result.Computations = len(comps)
	if len(comps) == 0 {
		result.Periods = 0
		result.Note = "No computations attached to plan."
		return errZeroEffect
	}

	// Security screen before compiling anything.
	var safe []Computation
	for _, c := range comps {
		if keyword, blocked := o.Compiler.Screen(c.Template); blocked {
			result.Blocked = append(result.Blocked, BlockedComputation{
				ComputationID: c.ID, Name: c.Name, Keyword: keyword,
			})
		} else {
			safe = append(safe, c)
		}
	}
	if len(safe) == 0 {
		return errAllBlocked
	}

	// Idempotent reset: a rerun fully supersedes the prior run's output.
	if err := s.DeletePayoutLines(ctx, planID); err != nil {
		return err
	}

	// Precompile safe templates once; the cache lives and dies with this run.
	compiled := make(map[int64]CompiledTemplate, len(safe))
	for _, c := range safe {
		tpl, err := o.Compiler.Compile(c.Name, c.Template)
		if err != nil {
			return fmt.Errorf("compile computation %q: %w", c.Name, err)
		}
		compiled[c.ID] = tpl
	}

	// ---- main loop
	units := 0
	for _, participantID := range participantIDs {
		descendantIDs, cyclic := hierarchy.Descendants(participantID)
		if cyclic {
			cycleErr := &CycleError{ParticipantID: participantID}
			result.Errors = append(result.Errors, UnitError{
				ParticipantID: participantID,
				Error:         cycleErr.Error(),
			})
			continue
		}
		directIDs := hierarchy.DirectReports(participantID)
		rollup := buildRollupMeta(participantID, directIDs, descendantIDs, directory)

		for _, comp := range comps {
			tpl, ok := compiled[comp.ID]
			if !ok {
				// Blocked computation: record per participant and move on.
				keyword, _ := o.Compiler.Screen(comp.Template)
				result.Errors = append(result.Errors, UnitError{
					ParticipantID: participantID,
					ComputationID: comp.ID,
					Error:         fmt.Sprintf("Template blocked by security policy (keyword: %s)", keyword),
				})
				continue
			}

			windows := payoutWindows
			if comp.Scope == ScopePlan {
				windows = []Window{planWindow}
			}

			for _, window := range windows {
				units++
				if units > o.maxUnits() {
					return fmt.Errorf("run exceeds %d evaluation units for plan %d", o.maxUnits(), planID)
				}
				unitErr := o.evaluateUnit(ctx, s, tpl, comp, plan, window, participantID, descendantIDs, rollup, result)
				if unitErr != nil {
					return unitErr // infrastructure failure: abort the run
				}
			}
		}
	}

	return nil
}

// evaluateUnit handles a single participant x computation x period unit.
// Evaluation failures are recorded on result; only store failures are
// returned (and abort the run).
func (o *Orchestrator) evaluateUnit(
	ctx context.Context,
	s Store,
	tpl CompiledTemplate,
	comp Computation,
	plan *Plan,
	window Window,
	participantID int64,
	descendantIDs []int64,
	rollup RollupMeta,
	result *RunResult,
) error {
	selfTotals, err := s.FetchTotals(ctx, []int64{participantID}, window.Start, window.End)
	if err != nil {
		return err
	}
	drTotals := Totals{}
	if len(descendantIDs) > 0 {
		drTotals, err = s.FetchTotals(ctx, descendantIDs, window.Start, window.End)
		if err != nil {
			return err
		}
	}

	// Belt-and-suspenders re-screen right before execution; templates can
	// be reloaded between compile and run.
	if keyword, blocked := o.Compiler.Screen(comp.Template); blocked {
		result.Errors = append(result.Errors, UnitError{
			ParticipantID: participantID,
			ComputationID: comp.ID,
			Error:         fmt.Sprintf("Template blocked by security policy at render time (keyword: %s)", keyword),
		})
		return nil
	}

	results, dropped, evalErr := tpl.Evaluate(EvalContext{
		Totals:        selfTotals,
		TotalsDR:      drTotals,
		Period:        window,
		ParticipantID: participantID,
		PlanID:        plan.ID,
		Rollup:        rollup,
	})
	if evalErr != nil {
		result.Errors = append(result.Errors, UnitError{
			ParticipantID: participantID,
			ComputationID: comp.ID,
			Error:         evalErr.Error(),
		})
		return nil
	}
	if dropped > 0 {
		result.Warnings = append(result.Warnings, UnitWarning{
			ParticipantID: participantID,
			ComputationID: comp.ID,
			Period:        window.Start,
			Warning:       fmt.Sprintf("%d output candidate(s) dropped during normalization", dropped),
		})
	}
	if len(results) == 0 {
		return nil
	}

	lines := make([]PayoutLine, 0, len(results))
	for _, r := range results {
		payload := make(map[string]any, len(r.Payload)+1)
		for k, v := range r.Payload {
			payload[k] = v
		}
		payload["rollup"] = rollup
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			result.Errors = append(result.Errors, UnitError{
				ParticipantID: participantID,
				ComputationID: comp.ID,
				Error:         fmt.Sprintf("payload serialization failed: %v", err),
			})
			continue
		}
		lines = append(lines, PayoutLine{
			PlanID:        plan.ID,
			ParticipantID: participantID,
			ComputationID: comp.ID,
			PeriodStart:   window.Start,
			PeriodEnd:     window.End,
			PeriodLabel:   window.Label,
			DueDate:       window.DueDate,
			OutputLabel:   r.Label,
			Amount:        r.Amount.Round(AmountScale),
			Payload:       payloadJSON,
		})
	}
	if len(lines) == 0 {
		return nil
	}
	if err := s.InsertPayoutLines(ctx, lines); err != nil {
		return err
	}
	result.Inserted += len(lines)
	return nil
}

// loadDirectory fetches display records for every id referenced as a
// participant, manager, or report.
func (o *Orchestrator) loadDirectory(ctx context.Context, s Store, hierarchy *HierarchyIndex, participantIDs []int64) (map[int64]PersonRef, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, id := range append(hierarchy.AllReferencedIDs(), participantIDs...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	people, err := s.ListParticipantsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	directory := make(map[int64]PersonRef, len(people))
	for _, p := range people {
		directory[p.ID] = PersonRef{ID: p.ID, FirstName: p.FirstName, LastName: p.LastName, Email: p.Email}
	}
	return directory, nil
}

func buildRollupMeta(participantID int64, directIDs, descendantIDs []int64, directory map[int64]PersonRef) RollupMeta {
	scope := RollupIndividual
	if len(descendantIDs) > 0 {
		scope = RollupManager
	}
	return RollupMeta{
		Scope:           scope,
		ManagerID:       participantID,
		DirectReportIDs: append([]int64{}, directIDs...),
		DescendantIDs:   append([]int64{}, descendantIDs...),
		DirectReports:   resolveRefs(directIDs, directory),
		Descendants:     resolveRefs(descendantIDs, directory),
	}
}

func resolveRefs(ids []int64, directory map[int64]PersonRef) []PersonRef {
	refs := make([]PersonRef, 0, len(ids))
	for _, id := range ids {
		if ref, ok := directory[id]; ok {
			refs = append(refs, ref)
		} else {
			refs = append(refs, PersonRef{ID: id})
		}
	}
	return refs
}
