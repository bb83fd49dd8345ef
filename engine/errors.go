/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All engine error types in one place for consistency and
  discoverability. Callers (API handlers, scheduler) classify errors
  with the helpers below to choose HTTP status codes.

ERROR CATEGORIES (see run.go for how each is applied):
  1. Configuration errors - plan/participants/computations missing;
     a run short-circuits with a zero-effect result.
  2. Security-policy violations - denylisted templates; recorded as
     blocked/per-unit entries, never thrown mid-run.
  3. Evaluation errors - confined to one unit, surfaced as data.
  4. Infrastructure errors - abort and roll back the whole run.

USAGE:
  if errors.Is(err, engine.ErrPlanNotFound) { ... 404 ... }

SEE ALSO:
  - run.go: Applies the taxonomy
  - types.go: UnitError / UnitWarning carried inside RunResult
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrPlanNotFound is returned when a referenced plan doesn't exist.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrParticipantNotFound is returned when a referenced participant doesn't exist.
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrComputationNotFound is returned when a referenced computation doesn't exist.
	ErrComputationNotFound = errors.New("computation not found")

	// ErrAllComputationsBlocked is returned when every computation attached
	// to a plan fails the security screen. The run writes nothing.
	ErrAllComputationsBlocked = errors.New("all computation templates blocked by security policy")

	// ErrTemplateBlocked is returned when a single template matches the denylist.
	ErrTemplateBlocked = errors.New("template blocked by security policy")

	// ErrInvalidTemplate is returned when a template fails to compile.
	ErrInvalidTemplate = errors.New("invalid computation template")

	// ErrInvalidName is returned for computation names that are not identifiers.
	ErrInvalidName = errors.New("invalid computation name")

	// ErrManagerCycle is returned when a manager link would create a cycle.
	ErrManagerCycle = errors.New("manager link would create a cycle")

	// ErrDuplicateName is returned when a computation name already exists.
	ErrDuplicateName = errors.New("computation name already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// BlockedTemplateError reports which denylisted keyword a template hit.
type BlockedTemplateError struct {
	ComputationID int64
	Name          string
	Keyword       string
}

func (e *BlockedTemplateError) Error() string {
	return fmt.Sprintf("template blocked by security policy (keyword: %s)", e.Keyword)
}

func (e *BlockedTemplateError) Unwrap() error { return ErrTemplateBlocked }

// CycleError reports a manager-graph cycle detected during traversal.
type CycleError struct {
	ParticipantID int64
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("manager hierarchy contains a cycle reachable from participant %d", e.ParticipantID)
}

func (e *CycleError) Unwrap() error { return ErrManagerCycle }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrParticipantNotFound) ||
		errors.Is(err, ErrComputationNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidTemplate) ||
		errors.Is(err, ErrTemplateBlocked) ||
		errors.Is(err, ErrAllComputationsBlocked) ||
		errors.Is(err, ErrManagerCycle) ||
		errors.Is(err, ErrDuplicateName)
}
