/*
handlers.go - HTTP API handlers for the commission computation engine

PURPOSE:
  Exposes the commission engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Participants:
    GET    /api/participants                    List all participants
    POST   /api/participants                    Create participant
    GET    /api/participants/{id}               Get participant details
    PUT    /api/participants/{id}               Update participant
    GET    /api/participants/{id}/payouts       Payout history
    GET    /api/participants/{id}/payout-summary  Metrics bucketed by payout period
    GET    /api/participants/{id}/source-data   Stored metric rows

  Plans:
    GET    /api/plans                           List all plans
    POST   /api/plans                           Create plan (with periods)
    GET    /api/plans/{id}                      Get plan + payout periods
    PUT    /api/plans/{id}                      Update plan
    POST   /api/plans/{id}/participants         Attach participant
    DELETE /api/plans/{id}/participants/{pid}   Detach participant
    POST   /api/plans/{id}/computations         Attach computation
    DELETE /api/plans/{id}/computations/{cid}   Detach computation
    POST   /api/plans/{id}/run-computations     Execute a computation run
    GET    /api/plans/{id}/summary              Per-participant run totals

  Computations:
    GET    /api/computations                    List definitions
    POST   /api/computations                    Create definition
    GET    /api/computations/{id}               Get definition
    PUT    /api/computations/{id}               Update definition
    DELETE /api/computations/{id}               Delete definition

  Source data:
    POST   /api/source-data                     Bulk ingest metric rows

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate computation name, manager cycle)
  - 422: Run aborted (all templates blocked)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - engine/run.go: The run orchestrator
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/formula"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        *sqlite.Store
	Orchestrator *engine.Orchestrator
	Sandbox      *formula.Sandbox
}

// NewHandler creates a new handler with the given store.
func NewHandler(store *sqlite.Store) *Handler {
	sandbox := formula.NewSandbox()
	return &Handler{
		Store:        store,
		Orchestrator: engine.NewOrchestrator(store, sandbox),
		Sandbox:      sandbox,
	}
}

// =============================================================================
// PARTICIPANT HANDLERS
// =============================================================================

// ListParticipants returns all participants.
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.Store.ListParticipants(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list participants", err)
		return
	}
	dtos := make([]ParticipantDTO, len(participants))
	for i, p := range participants {
		dtos[i] = toParticipantDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetParticipant returns a single participant.
func (h *Handler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Store.GetParticipant(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get participant", err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantDTO(*p))
}

// CreateParticipant creates a new participant.
func (h *Handler) CreateParticipant(w http.ResponseWriter, r *http.Request) {
	var req SaveParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ManagerID != nil {
		if _, err := h.Store.GetParticipant(r.Context(), *req.ManagerID); err != nil {
			writeDomainError(w, "Manager lookup failed", err)
			return
		}
	}
	p := engine.Participant{
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Email:          req.Email,
		EmployeeID:     req.EmployeeID,
		ManagerID:      req.ManagerID,
		EffectiveStart: req.EffectiveStart,
		EffectiveEnd:   req.EffectiveEnd,
	}
	id, err := h.Store.CreateParticipant(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create participant", err)
		return
	}
	p.ID = id
	writeJSON(w, http.StatusCreated, toParticipantDTO(p))
}

// UpdateParticipant updates a participant. A manager change is rejected
// when it would create a reporting cycle.
func (h *Handler) UpdateParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req SaveParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ManagerID != nil {
		if err := h.validateManagerLink(r, id, *req.ManagerID); err != nil {
			writeDomainError(w, "Invalid manager link", err)
			return
		}
	}
	p := engine.Participant{
		ID:             id,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Email:          req.Email,
		EmployeeID:     req.EmployeeID,
		ManagerID:      req.ManagerID,
		EffectiveStart: req.EffectiveStart,
		EffectiveEnd:   req.EffectiveEnd,
	}
	if err := h.Store.UpdateParticipant(r.Context(), p); err != nil {
		writeDomainError(w, "Failed to update participant", err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantDTO(p))
}

// validateManagerLink checks that managerID exists and that the link
// keeps the manager graph acyclic. The cycle check simulates the link
// against the current global hierarchy.
func (h *Handler) validateManagerLink(r *http.Request, participantID, managerID int64) error {
	if _, err := h.Store.GetParticipant(r.Context(), managerID); err != nil {
		return err
	}
	links, err := h.Store.ListManagerLinks(r.Context())
	if err != nil {
		return err
	}
	// Drop the participant's existing link; the update replaces it.
	filtered := links[:0]
	for _, l := range links {
		if l.ParticipantID != participantID {
			filtered = append(filtered, l)
		}
	}
	idx := engine.NewHierarchyIndex(filtered)
	if idx.WouldCycle(participantID, managerID) {
		return &engine.CycleError{ParticipantID: participantID}
	}
	return nil
}

// GetPayoutHistory returns a participant's payout lines, optionally
// filtered by plan and date window. Lines from active plans are served
// by default; ?is_active=0 selects archived plans instead.
// GET /api/participants/{id}/payouts?plan_id=&from=&to=&is_active=
func (h *Handler) GetPayoutHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	active := r.URL.Query().Get("is_active") != "0"
	filter := sqlite.HistoryFilter{
		From:   r.URL.Query().Get("from"),
		To:     r.URL.Query().Get("to"),
		Active: &active,
	}
	if raw := r.URL.Query().Get("plan_id"); raw != "" {
		planID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid plan_id", err)
			return
		}
		filter.PlanID = planID
	}
	rows, err := h.Store.PayoutHistory(r.Context(), id, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load payout history", err)
		return
	}
	dtos := make([]PayoutLineDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toPayoutLineDTO(row)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSourceData returns a participant's metric rows inside a window.
// GET /api/participants/{id}/source-data?from=&to=
func (h *Handler) GetSourceData(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" {
		from = engine.DateMin
	}
	if to == "" {
		to = engine.DateMax
	}
	rows, err := h.Store.ListSourceData(r.Context(), id, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load source data", err)
		return
	}
	dtos := make([]SourceDataRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = SourceDataRowDTO{
			ID:            row.ID,
			ParticipantID: row.ParticipantID,
			RecordScope:   row.RecordScope,
			Label:         row.Label,
			MetricDate:    row.MetricDate,
			Value:         row.Value.String(),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPayoutSummary buckets a participant's metric rows into payout
// periods, one group per attached plan. The plan's payout frequency
// drives the bucketing and its effective start anchors bi-weekly cycles.
// GET /api/participants/{id}/payout-summary
func (h *Handler) GetPayoutSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	plans, err := h.Store.ListPlansForParticipant(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load plans", err)
		return
	}
	rows, err := h.Store.ListSourceData(r.Context(), id, engine.DateMin, engine.DateMax)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load source data", err)
		return
	}

	type bucket struct {
		total decimal.Decimal
		rows  int
	}
	out := make([]ParticipantPayoutSummaryDTO, 0, len(plans))
	for _, plan := range plans {
		var anchor any
		if plan.EffectiveStart != nil {
			anchor = *plan.EffectiveStart
		}
		buckets := make(map[string]*bucket)
		for _, row := range rows {
			period := engine.PeriodStartFor(row.MetricDate, plan.PayoutFrequency, anchor)
			b, ok := buckets[period]
			if !ok {
				b = &bucket{}
				buckets[period] = b
			}
			b.total = b.total.Add(row.Value)
			b.rows++
		}
		entry := ParticipantPayoutSummaryDTO{
			PlanID:          plan.ID,
			PlanName:        plan.Name,
			PlanVersion:     plan.Version,
			PayoutFrequency: string(plan.PayoutFrequency),
			Periods:         make([]PayoutBucketDTO, 0, len(buckets)),
		}
		for period, b := range buckets {
			entry.Periods = append(entry.Periods, PayoutBucketDTO{
				PeriodStart: period,
				Total:       b.total.StringFixed(engine.SummaryScale),
				Rows:        b.rows,
			})
		}
		// Newest bucket first
		sort.Slice(entry.Periods, func(i, j int) bool {
			return entry.Periods[i].PeriodStart > entry.Periods[j].PeriodStart
		})
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// ListPlans returns all plans.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Store.ListPlans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list plans", err)
		return
	}
	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toPlanDTO(p, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPlan returns a plan with its payout periods.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	plan, err := h.Store.GetPlan(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get plan", err)
		return
	}
	periods, err := h.Store.ListPayoutPeriods(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load payout periods", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(*plan, periods))
}

// CreatePlan creates a plan, optionally with explicit payout periods.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req SavePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Plan name is required", nil)
		return
	}
	plan, periods := planFromRequest(0, req)
	id, err := h.Store.CreatePlan(r.Context(), plan, periods)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create plan", err)
		return
	}
	plan.ID = id
	stored, err := h.Store.ListPayoutPeriods(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load payout periods", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlanDTO(plan, stored))
}

// UpdatePlan updates a plan. When the request carries payout_periods
// (even an empty array), the stored set is replaced wholesale.
func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req SavePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	plan, periods := planFromRequest(id, req)
	if err := h.Store.UpdatePlan(r.Context(), plan, periods, req.PayoutPeriods != nil); err != nil {
		writeDomainError(w, "Failed to update plan", err)
		return
	}
	stored, err := h.Store.ListPayoutPeriods(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load payout periods", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(plan, stored))
}

func planFromRequest(id int64, req SavePlanRequest) (engine.Plan, []engine.PayoutPeriod) {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	plan := engine.Plan{
		ID:              id,
		Name:            req.Name,
		Version:         req.Version,
		PayoutFrequency: engine.Frequency(req.PayoutFrequency),
		EffectiveStart:  req.EffectiveStart,
		EffectiveEnd:    req.EffectiveEnd,
		Description:     req.Description,
		IsActive:        active,
	}
	var periods []engine.PayoutPeriod
	for _, p := range req.PayoutPeriods {
		periods = append(periods, engine.PayoutPeriod{
			PlanID: id, Start: p.Start, End: p.End, Label: p.Label, DueDate: p.DueDate,
		})
	}
	return plan, periods
}

// AttachParticipant attaches a participant to a plan.
// POST /api/plans/{id}/participants
func (h *Handler) AttachParticipant(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req AttachParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if _, err := h.Store.GetPlan(r.Context(), planID); err != nil {
		writeDomainError(w, "Plan lookup failed", err)
		return
	}
	if _, err := h.Store.GetParticipant(r.Context(), req.ParticipantID); err != nil {
		writeDomainError(w, "Participant lookup failed", err)
		return
	}
	if err := h.Store.AttachParticipantToPlan(r.Context(), planID, req.ParticipantID, req.EffectiveStart, req.EffectiveEnd); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to attach participant", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"plan_id": planID, "participant_id": req.ParticipantID})
}

// DetachParticipant removes a participant from a plan.
func (h *Handler) DetachParticipant(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	participantID, ok := pathID(w, r, "pid")
	if !ok {
		return
	}
	if err := h.Store.DetachParticipantFromPlan(r.Context(), planID, participantID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to detach participant", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AttachComputation attaches a computation to a plan.
// POST /api/plans/{id}/computations
func (h *Handler) AttachComputation(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req AttachComputationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if _, err := h.Store.GetPlan(r.Context(), planID); err != nil {
		writeDomainError(w, "Plan lookup failed", err)
		return
	}
	if _, err := h.Store.GetComputation(r.Context(), req.ComputationID); err != nil {
		writeDomainError(w, "Computation lookup failed", err)
		return
	}
	if err := h.Store.AttachComputationToPlan(r.Context(), planID, req.ComputationID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to attach computation", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"plan_id": planID, "computation_id": req.ComputationID})
}

// DetachComputation removes a computation from a plan.
func (h *Handler) DetachComputation(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	computationID, ok := pathID(w, r, "cid")
	if !ok {
		return
	}
	if err := h.Store.DetachComputationFromPlan(r.Context(), planID, computationID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to detach computation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// RunPlan executes a full computation run for a plan.
// POST /api/plans/{id}/run-computations
func (h *Handler) RunPlan(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	result, err := h.Orchestrator.Run(r.Context(), planID)
	if err != nil {
		if errors.Is(err, engine.ErrAllComputationsBlocked) {
			// Structured abort: the result carries the blocked list.
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":  err.Error(),
				"result": result,
			})
			return
		}
		writeDomainError(w, "Run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetRunSummary returns per-participant totals for a plan's current
// payout lines.
// GET /api/plans/{id}/summary
func (h *Handler) GetRunSummary(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.Store.GetPlan(r.Context(), planID); err != nil {
		writeDomainError(w, "Plan lookup failed", err)
		return
	}
	summaries, err := h.Store.PayoutRunSummary(r.Context(), planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to summarize run", err)
		return
	}
	dtos := make([]RunSummaryDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = RunSummaryDTO{
			ParticipantID:    s.ParticipantID,
			FirstName:        s.FirstName,
			LastName:         s.LastName,
			LineCount:        s.LineCount,
			TotalAmount:      s.TotalAmount.StringFixed(engine.SummaryScale),
			FirstPeriodStart: s.FirstPeriodStart,
			LastPeriodEnd:    s.LastPeriodEnd,
			LastRunAt:        s.LastCreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// COMPUTATION HANDLERS
// =============================================================================

// ListComputations returns all computation definitions.
func (h *Handler) ListComputations(w http.ResponseWriter, r *http.Request) {
	comps, err := h.Store.ListComputations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list computations", err)
		return
	}
	dtos := make([]ComputationDTO, len(comps))
	for i, c := range comps {
		dtos[i] = toComputationDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetComputation returns a single computation definition.
func (h *Handler) GetComputation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.Store.GetComputation(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get computation", err)
		return
	}
	writeJSON(w, http.StatusOK, toComputationDTO(*c))
}

// CreateComputation creates a computation definition. The template is
// screened and compiled before anything is stored, and the referenced
// metric labels are extracted as reporting metadata.
func (h *Handler) CreateComputation(w http.ResponseWriter, r *http.Request) {
	comp, ok := h.computationFromBody(w, r, 0)
	if !ok {
		return
	}
	id, err := h.Store.CreateComputation(r.Context(), comp)
	if err != nil {
		writeDomainError(w, "Failed to create computation", err)
		return
	}
	comp.ID = id
	writeJSON(w, http.StatusCreated, toComputationDTO(comp))
}

// UpdateComputation updates a computation definition.
func (h *Handler) UpdateComputation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	comp, ok := h.computationFromBody(w, r, id)
	if !ok {
		return
	}
	if err := h.Store.UpdateComputation(r.Context(), comp); err != nil {
		writeDomainError(w, "Failed to update computation", err)
		return
	}
	writeJSON(w, http.StatusOK, toComputationDTO(comp))
}

// DeleteComputation removes a computation definition and its plan links.
func (h *Handler) DeleteComputation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Store.DeleteComputation(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to delete computation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// computationFromBody decodes and validates a computation request. On
// failure the error response has already been written.
func (h *Handler) computationFromBody(w http.ResponseWriter, r *http.Request, id int64) (engine.Computation, bool) {
	var req SaveComputationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return engine.Computation{}, false
	}
	if !engine.ValidComputationName(req.Name) {
		writeError(w, http.StatusBadRequest,
			"Computation name must be an identifier (letters, digits, underscore, not starting with a digit)",
			engine.ErrInvalidName)
		return engine.Computation{}, false
	}
	// Unknown scopes coerce to the default rather than erroring.
	scope := req.Scope
	if !engine.ValidScope(scope) {
		scope = string(engine.ScopePayout)
	}
	if keyword, blocked := h.Sandbox.Screen(req.Template); blocked {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Template blocked by security policy (keyword: %s)", keyword),
			engine.ErrTemplateBlocked)
		return engine.Computation{}, false
	}
	if err := h.Sandbox.Validate(req.Name, req.Template); err != nil {
		writeError(w, http.StatusBadRequest, "Template failed to compile", err)
		return engine.Computation{}, false
	}
	return engine.Computation{
		ID:               id,
		Name:             req.Name,
		Scope:            engine.ComputationScope(scope),
		Template:         req.Template,
		SourceDataInputs: formula.SourceDataInputs(req.Template),
	}, true
}

// =============================================================================
// SOURCE DATA HANDLERS
// =============================================================================

// IngestSourceData bulk-inserts metric rows.
// POST /api/source-data
func (h *Handler) IngestSourceData(w http.ResponseWriter, r *http.Request) {
	var req IngestSourceDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "No rows to ingest", nil)
		return
	}
	records := make([]engine.SourceDataRecord, 0, len(req.Rows))
	for i, row := range req.Rows {
		if row.Label == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Row %d: label is required", i), nil)
			return
		}
		if _, ok := engine.ToUTCDate(row.MetricDate); !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Row %d: invalid metric_date (use YYYY-MM-DD)", i), nil)
			return
		}
		records = append(records, engine.SourceDataRecord{
			ParticipantID: row.ParticipantID,
			RecordScope:   row.RecordScope,
			Label:         row.Label,
			MetricDate:    row.MetricDate,
			Value:         decimal.NewFromFloat(row.Value),
		})
	}
	if err := h.Store.InsertSourceData(r.Context(), records); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to ingest source data", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"inserted": len(records)})
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

func pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", key), err)
		return 0, false
	}
	return id, true
}

func decodePayload(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, engine.ErrDuplicateName), errors.Is(err, engine.ErrManagerCycle):
		writeError(w, http.StatusConflict, message, err)
	case engine.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
