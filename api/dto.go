/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Participants:
    ParticipantDTO, SaveParticipantRequest

  Plans:
    PlanDTO, PayoutPeriodDTO, SavePlanRequest, AttachParticipantRequest

  Computations:
    ComputationDTO, SaveComputationRequest

  Source data:
    SourceDataRowRequest, IngestSourceDataRequest

  Payouts:
    PayoutLineDTO, RunSummaryDTO, ParticipantPayoutSummaryDTO
    (run results reuse engine.RunResult, which carries its own JSON tags)

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/types.go: Domain model
*/
package api

import (
	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ParticipantDTO represents a participant in API responses.
type ParticipantDTO struct {
	ID             int64   `json:"id"`
	FirstName      string  `json:"first_name"`
	LastName       string  `json:"last_name"`
	Email          string  `json:"email"`
	EmployeeID     string  `json:"employee_id,omitempty"`
	ManagerID      *int64  `json:"manager_id,omitempty"`
	EffectiveStart *string `json:"effective_start,omitempty"`
	EffectiveEnd   *string `json:"effective_end,omitempty"`
}

// SaveParticipantRequest creates or updates a participant.
type SaveParticipantRequest struct {
	FirstName      string  `json:"first_name"`
	LastName       string  `json:"last_name"`
	Email          string  `json:"email"`
	EmployeeID     string  `json:"employee_id"`
	ManagerID      *int64  `json:"manager_id"`
	EffectiveStart *string `json:"effective_start"`
	EffectiveEnd   *string `json:"effective_end"`
}

// PayoutPeriodDTO is one explicit payout window of a plan.
type PayoutPeriodDTO struct {
	ID      int64  `json:"id,omitempty"`
	Start   string `json:"start_date"`
	End     string `json:"end_date"`
	Label   string `json:"label,omitempty"`
	DueDate string `json:"due_date,omitempty"`
}

// PlanDTO represents a compensation plan in API responses.
type PlanDTO struct {
	ID              int64             `json:"id"`
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	PayoutFrequency string            `json:"payout_frequency,omitempty"`
	EffectiveStart  *string           `json:"effective_start,omitempty"`
	EffectiveEnd    *string           `json:"effective_end,omitempty"`
	Description     string            `json:"description,omitempty"`
	IsActive        bool              `json:"is_active"`
	PayoutPeriods   []PayoutPeriodDTO `json:"payout_periods,omitempty"`
}

// SavePlanRequest creates or updates a plan. On update, PayoutPeriods
// replaces the stored set wholesale when non-nil.
type SavePlanRequest struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	PayoutFrequency string            `json:"payout_frequency"`
	EffectiveStart  *string           `json:"effective_start"`
	EffectiveEnd    *string           `json:"effective_end"`
	Description     string            `json:"description"`
	IsActive        *bool             `json:"is_active"`
	PayoutPeriods   []PayoutPeriodDTO `json:"payout_periods"`
}

// AttachParticipantRequest attaches a participant to a plan.
type AttachParticipantRequest struct {
	ParticipantID  int64   `json:"participant_id"`
	EffectiveStart *string `json:"effective_start,omitempty"`
	EffectiveEnd   *string `json:"effective_end,omitempty"`
}

// AttachComputationRequest attaches a computation to a plan.
type AttachComputationRequest struct {
	ComputationID int64 `json:"computation_id"`
}

// ComputationDTO represents a computation definition.
type ComputationDTO struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Scope            string `json:"scope"`
	Template         string `json:"template,omitempty"`
	SourceDataInputs string `json:"source_data_inputs,omitempty"`
}

// SaveComputationRequest creates or updates a computation. The server
// derives source_data_inputs from the template; clients never send it.
type SaveComputationRequest struct {
	Name     string `json:"name"`
	Scope    string `json:"scope"`
	Template string `json:"template"`
}

// SourceDataRowRequest is one ingested metric row.
type SourceDataRowRequest struct {
	ParticipantID int64   `json:"participant_id"`
	RecordScope   string  `json:"record_scope,omitempty"`
	Label         string  `json:"label"`
	MetricDate    string  `json:"metric_date"`
	Value         float64 `json:"value"`
}

// IngestSourceDataRequest carries a batch of metric rows.
type IngestSourceDataRequest struct {
	Rows []SourceDataRowRequest `json:"rows"`
}

// SourceDataRowDTO is one stored metric row.
type SourceDataRowDTO struct {
	ID            int64  `json:"id"`
	ParticipantID int64  `json:"participant_id"`
	RecordScope   string `json:"record_scope"`
	Label         string `json:"label"`
	MetricDate    string `json:"metric_date"`
	Value         string `json:"value"`
}

// PayoutLineDTO is one payout-history line joined with plan metadata.
type PayoutLineDTO struct {
	ID            int64  `json:"id"`
	PlanID        int64  `json:"plan_id"`
	PlanName      string `json:"plan_name"`
	PlanVersion   string `json:"plan_version"`
	PlanActive    bool   `json:"plan_active"`
	ParticipantID int64  `json:"participant_id"`
	ComputationID int64  `json:"computation_id"`
	PeriodStart   string `json:"period_start"`
	PeriodEnd     string `json:"period_end"`
	PeriodLabel   string `json:"period_label,omitempty"`
	DueDate       string `json:"due_date,omitempty"`
	OutputLabel   string `json:"output_label"`
	Amount        string `json:"amount"`
	Payload       any    `json:"payload,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// PayoutBucketDTO is one payout-period bucket of a participant's metrics.
type PayoutBucketDTO struct {
	PeriodStart string `json:"period_start"`
	Total       string `json:"total"`
	Rows        int    `json:"rows"`
}

// ParticipantPayoutSummaryDTO groups a participant's metric rows into
// payout-period buckets, one entry per attached plan.
type ParticipantPayoutSummaryDTO struct {
	PlanID          int64             `json:"plan_id"`
	PlanName        string            `json:"plan_name"`
	PlanVersion     string            `json:"plan_version"`
	PayoutFrequency string            `json:"payout_frequency"`
	Periods         []PayoutBucketDTO `json:"periods"`
}

// RunSummaryDTO aggregates one participant's payout lines within a plan.
type RunSummaryDTO struct {
	ParticipantID    int64  `json:"participant_id"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	LineCount        int    `json:"line_count"`
	TotalAmount      string `json:"total_amount"`
	FirstPeriodStart string `json:"first_period_start,omitempty"`
	LastPeriodEnd    string `json:"last_period_end,omitempty"`
	LastRunAt        string `json:"last_run_at,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toParticipantDTO(p engine.Participant) ParticipantDTO {
	return ParticipantDTO{
		ID:             p.ID,
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		Email:          p.Email,
		EmployeeID:     p.EmployeeID,
		ManagerID:      p.ManagerID,
		EffectiveStart: p.EffectiveStart,
		EffectiveEnd:   p.EffectiveEnd,
	}
}

func toPlanDTO(p engine.Plan, periods []engine.PayoutPeriod) PlanDTO {
	dto := PlanDTO{
		ID:              p.ID,
		Name:            p.Name,
		Version:         p.Version,
		PayoutFrequency: string(p.PayoutFrequency),
		EffectiveStart:  p.EffectiveStart,
		EffectiveEnd:    p.EffectiveEnd,
		Description:     p.Description,
		IsActive:        p.IsActive,
	}
	for _, period := range periods {
		dto.PayoutPeriods = append(dto.PayoutPeriods, PayoutPeriodDTO{
			ID: period.ID, Start: period.Start, End: period.End,
			Label: period.Label, DueDate: period.DueDate,
		})
	}
	return dto
}

func toComputationDTO(c engine.Computation) ComputationDTO {
	return ComputationDTO{
		ID:               c.ID,
		Name:             c.Name,
		Scope:            string(c.Scope),
		Template:         c.Template,
		SourceDataInputs: c.SourceDataInputs,
	}
}

func toPayoutLineDTO(r sqlite.PayoutHistoryRow) PayoutLineDTO {
	return PayoutLineDTO{
		ID:            r.ID,
		PlanID:        r.PlanID,
		PlanName:      r.PlanName,
		PlanVersion:   r.PlanVersion,
		PlanActive:    r.PlanActive,
		ParticipantID: r.ParticipantID,
		ComputationID: r.ComputationID,
		PeriodStart:   r.PeriodStart,
		PeriodEnd:     r.PeriodEnd,
		PeriodLabel:   r.PeriodLabel,
		DueDate:       r.DueDate,
		OutputLabel:   r.OutputLabel,
		Amount:        r.Amount.StringFixed(engine.AmountScale),
		Payload:       decodePayload(r.Payload),
		CreatedAt:     r.CreatedAt,
	}
}
