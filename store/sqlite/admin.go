/*
admin.go - CRUD and reporting queries

PURPOSE:
  Everything the HTTP API needs beyond the run path: participant, plan
  and computation management, attachments, source-data ingest, and the
  read-only payout projections (history, run summary). The run path
  itself lives in sqlite.go.

SEE ALSO:
  - api/handlers.go: The only consumer
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/engine"
)

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

func (s *Store) CreateParticipant(ctx context.Context, p engine.Participant) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_participant
		      (first_name, last_name, email, employee_id, manager_participant_id, effective_start, effective_end)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.FirstName, p.LastName, p.Email, p.EmployeeID, p.ManagerID, p.EffectiveStart, p.EffectiveEnd)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) UpdateParticipant(ctx context.Context, p engine.Participant) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plan_participant
		   SET first_name = ?, last_name = ?, email = ?, employee_id = ?,
		       manager_participant_id = ?, effective_start = ?, effective_end = ?,
		       updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		p.FirstName, p.LastName, p.Email, p.EmployeeID, p.ManagerID, p.EffectiveStart, p.EffectiveEnd, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrParticipantNotFound
	}
	return nil
}

func (s *Store) GetParticipant(ctx context.Context, id int64) (*engine.Participant, error) {
	participants, err := s.ListParticipantsByIDs(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, engine.ErrParticipantNotFound
	}
	return &participants[0], nil
}

func (s *Store) ListParticipants(ctx context.Context) ([]engine.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, email, employee_id,
		       manager_participant_id, effective_start, effective_end
		  FROM plan_participant
		 ORDER BY last_name, first_name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanParticipants(rows)
}

// =============================================================================
// PLANS & PAYOUT PERIODS
// =============================================================================

func (s *Store) CreatePlan(ctx context.Context, plan engine.Plan, periods []engine.PayoutPeriod) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO comp_plan (name, version, payout_frequency, effective_start, effective_end, description, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		plan.Name, orDefault(plan.Version, "1.0"), nullable(string(plan.PayoutFrequency)),
		plan.EffectiveStart, plan.EffectiveEnd, plan.Description, boolInt(plan.IsActive))
	if err != nil {
		return 0, err
	}
	planID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := insertPeriods(ctx, tx, planID, periods); err != nil {
		return 0, err
	}
	return planID, tx.Commit()
}

// UpdatePlan updates the plan row and, when replacePeriods is true,
// replaces its payout periods wholesale.
func (s *Store) UpdatePlan(ctx context.Context, plan engine.Plan, periods []engine.PayoutPeriod, replacePeriods bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE comp_plan
		   SET name = ?, version = ?, payout_frequency = ?,
		       effective_start = ?, effective_end = ?, description = ?, is_active = ?,
		       updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		plan.Name, orDefault(plan.Version, "1.0"), nullable(string(plan.PayoutFrequency)),
		plan.EffectiveStart, plan.EffectiveEnd, plan.Description, boolInt(plan.IsActive), plan.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrPlanNotFound
	}
	if replacePeriods {
		if _, err := tx.ExecContext(ctx, `DELETE FROM plan_payout_period WHERE plan_id = ?`, plan.ID); err != nil {
			return err
		}
		if err := insertPeriods(ctx, tx, plan.ID, periods); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertPeriods(ctx context.Context, tx dbtx, planID int64, periods []engine.PayoutPeriod) error {
	for _, p := range periods {
		if p.Start == "" || p.End == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plan_payout_period (plan_id, start_date, end_date, label, due_date)
			VALUES (?, ?, ?, ?, ?)`,
			planID, p.Start, p.End, nullable(truncateLabel(p.Label)), nullable(p.DueDate)); err != nil {
			return err
		}
	}
	return nil
}

// truncateLabel caps free-form period labels at 120 characters.
func truncateLabel(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) ListPlans(ctx context.Context) ([]engine.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, COALESCE(payout_frequency, ''),
		       effective_start, effective_end, description, is_active
		  FROM comp_plan
		 ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var plans []engine.Plan
	for rows.Next() {
		var p engine.Plan
		var freq string
		var active int
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &freq, &p.EffectiveStart, &p.EffectiveEnd, &p.Description, &active); err != nil {
			return nil, err
		}
		p.PayoutFrequency = engine.Frequency(freq)
		p.IsActive = active != 0
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// ListActivePlanIDs returns ids of plans flagged active, for the
// auto-run scheduler.
func (s *Store) ListActivePlanIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM comp_plan WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPlansForParticipant returns the plans a participant is attached to.
func (s *Store) ListPlansForParticipant(ctx context.Context, participantID int64) ([]engine.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cp.id, cp.name, cp.version, COALESCE(cp.payout_frequency, ''),
		       cp.effective_start, cp.effective_end, cp.description, cp.is_active
		  FROM comp_plan cp
		  JOIN participant_plan pp ON pp.plan_id = cp.id
		 WHERE pp.participant_id = ?
		 ORDER BY cp.id`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var plans []engine.Plan
	for rows.Next() {
		var p engine.Plan
		var freq string
		var active int
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &freq, &p.EffectiveStart, &p.EffectiveEnd, &p.Description, &active); err != nil {
			return nil, err
		}
		p.PayoutFrequency = engine.Frequency(freq)
		p.IsActive = active != 0
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// =============================================================================
// COMPUTATIONS
// =============================================================================

func (s *Store) CreateComputation(ctx context.Context, c engine.Computation) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO computation_definition (name, scope, template, source_data_inputs)
		VALUES (?, ?, ?, ?)`,
		c.Name, string(c.Scope), nullable(c.Template), nullable(c.SourceDataInputs))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, engine.ErrDuplicateName
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) UpdateComputation(ctx context.Context, c engine.Computation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE computation_definition
		   SET name = ?, scope = ?, template = ?, source_data_inputs = ?,
		       updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		c.Name, string(c.Scope), nullable(c.Template), nullable(c.SourceDataInputs), c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.ErrDuplicateName
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrComputationNotFound
	}
	return nil
}

func (s *Store) DeleteComputation(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_computation WHERE computation_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM computation_definition WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrComputationNotFound
	}
	return tx.Commit()
}

func (s *Store) GetComputation(ctx context.Context, id int64) (*engine.Computation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, scope, COALESCE(template, ''), COALESCE(source_data_inputs, '')
		  FROM computation_definition WHERE id = ?`, id)
	var c engine.Computation
	var scope string
	err := row.Scan(&c.ID, &c.Name, &scope, &c.Template, &c.SourceDataInputs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, engine.ErrComputationNotFound
		}
		return nil, err
	}
	c.Scope = engine.ComputationScope(scope)
	return &c, nil
}

func (s *Store) ListComputations(ctx context.Context) ([]engine.Computation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, scope, COALESCE(template, ''), COALESCE(source_data_inputs, '')
		  FROM computation_definition
		 ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var comps []engine.Computation
	for rows.Next() {
		var c engine.Computation
		var scope string
		if err := rows.Scan(&c.ID, &c.Name, &scope, &c.Template, &c.SourceDataInputs); err != nil {
			return nil, err
		}
		c.Scope = engine.ComputationScope(scope)
		comps = append(comps, c)
	}
	return comps, rows.Err()
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

func (s *Store) AttachParticipantToPlan(ctx context.Context, planID, participantID int64, effectiveStart, effectiveEnd *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participant_plan (participant_id, plan_id, effective_start, effective_end)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(participant_id, plan_id)
		DO UPDATE SET effective_start = excluded.effective_start, effective_end = excluded.effective_end`,
		participantID, planID, effectiveStart, effectiveEnd)
	return err
}

func (s *Store) DetachParticipantFromPlan(ctx context.Context, planID, participantID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM participant_plan WHERE plan_id = ? AND participant_id = ?`, planID, participantID)
	return err
}

func (s *Store) AttachComputationToPlan(ctx context.Context, planID, computationID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_computation (plan_id, computation_id)
		VALUES (?, ?)
		ON CONFLICT(plan_id, computation_id) DO NOTHING`,
		planID, computationID)
	return err
}

func (s *Store) DetachComputationFromPlan(ctx context.Context, planID, computationID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM plan_computation WHERE plan_id = ? AND computation_id = ?`, planID, computationID)
	return err
}

// =============================================================================
// SOURCE DATA
// =============================================================================

func (s *Store) InsertSourceData(ctx context.Context, records []engine.SourceDataRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, r := range records {
		scope := r.RecordScope
		if scope == "" {
			scope = engine.DefaultRecordScope
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO source_data (participant_id, record_scope, label, metric_date, value)
			VALUES (?, ?, ?, ?, ?)`,
			r.ParticipantID, scope, r.Label, r.MetricDate, r.Value.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListSourceData(ctx context.Context, participantID int64, from, to string) ([]engine.SourceDataRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant_id, record_scope, label, metric_date, value
		  FROM source_data
		 WHERE participant_id = ?
		   AND metric_date >= ?
		   AND metric_date <= ?
		 ORDER BY metric_date ASC, id ASC`, participantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []engine.SourceDataRecord
	for rows.Next() {
		var r engine.SourceDataRecord
		var raw string
		if err := rows.Scan(&r.ID, &r.ParticipantID, &r.RecordScope, &r.Label, &r.MetricDate, &raw); err != nil {
			return nil, err
		}
		r.Value, err = decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("bad metric value %q: %w", raw, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// =============================================================================
// REPORTING PROJECTIONS
// =============================================================================

// PayoutHistoryRow is one payout line joined with its plan metadata.
type PayoutHistoryRow struct {
	ID            int64
	PlanID        int64
	PlanName      string
	PlanVersion   string
	PlanActive    bool
	ParticipantID int64
	ComputationID int64
	PeriodStart   string
	PeriodEnd     string
	PeriodLabel   string
	DueDate       string
	OutputLabel   string
	Amount        decimal.Decimal
	Payload       string
	CreatedAt     string
}

// HistoryFilter narrows a payout-history query. Zero values mean "any";
// Active, when set, selects lines whose plan matches the flag.
type HistoryFilter struct {
	PlanID int64
	From   string
	To     string
	Active *bool
}

func (s *Store) PayoutHistory(ctx context.Context, participantID int64, filter HistoryFilter) ([]PayoutHistoryRow, error) {
	where := []string{"pph.participant_id = ?"}
	args := []any{participantID}
	if filter.Active != nil {
		where = append(where, "cp.is_active = ?")
		args = append(args, boolInt(*filter.Active))
	}
	if filter.PlanID != 0 {
		where = append(where, "pph.plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if filter.From != "" {
		where = append(where, "pph.period_start >= ?")
		args = append(args, filter.From)
	}
	if filter.To != "" {
		where = append(where, "pph.period_end <= ?")
		args = append(args, filter.To)
	}

	query := `
		SELECT pph.id, pph.plan_id, cp.name, cp.version, cp.is_active,
		       pph.participant_id, pph.computation_id,
		       pph.period_start, pph.period_end, COALESCE(pph.period_label, ''),
		       COALESCE(pph.due_date, ''), pph.output_label, pph.amount,
		       COALESCE(pph.payload, ''), pph.created_at
		  FROM participant_payout_history pph
		  JOIN comp_plan cp ON cp.id = pph.plan_id
		 WHERE ` + joinAnd(where) + `
		 ORDER BY pph.period_start DESC, pph.id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PayoutHistoryRow
	for rows.Next() {
		var r PayoutHistoryRow
		var active int
		var amount string
		if err := rows.Scan(&r.ID, &r.PlanID, &r.PlanName, &r.PlanVersion, &active,
			&r.ParticipantID, &r.ComputationID,
			&r.PeriodStart, &r.PeriodEnd, &r.PeriodLabel,
			&r.DueDate, &r.OutputLabel, &amount, &r.Payload, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.PlanActive = active != 0
		r.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("bad amount %q: %w", amount, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func joinAnd(conds []string) string {
	out := conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}

// ParticipantSummary aggregates one participant's lines within a plan.
// TotalAmount is rounded to 2 decimals, the summary precision.
type ParticipantSummary struct {
	ParticipantID    int64
	FirstName        string
	LastName         string
	LineCount        int
	TotalAmount      decimal.Decimal
	FirstPeriodStart string
	LastPeriodEnd    string
	LastCreatedAt    string
}

// PayoutRunSummary aggregates the current run's lines per participant,
// ordered by total amount descending. Summation happens in Go with
// decimals rather than SQL floats.
func (s *Store) PayoutRunSummary(ctx context.Context, planID int64) ([]ParticipantSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pph.participant_id, p.first_name, p.last_name,
		       pph.amount, pph.period_start, pph.period_end, pph.created_at
		  FROM participant_payout_history pph
		  JOIN plan_participant p ON p.id = pph.participant_id
		 WHERE pph.plan_id = ?`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byParticipant := make(map[int64]*ParticipantSummary)
	for rows.Next() {
		var id int64
		var first, last, amount, start, end, created string
		if err := rows.Scan(&id, &first, &last, &amount, &start, &end, &created); err != nil {
			return nil, err
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("bad amount %q: %w", amount, err)
		}
		sum, ok := byParticipant[id]
		if !ok {
			sum = &ParticipantSummary{ParticipantID: id, FirstName: first, LastName: last,
				FirstPeriodStart: start, LastPeriodEnd: end, LastCreatedAt: created}
			byParticipant[id] = sum
		}
		sum.LineCount++
		sum.TotalAmount = sum.TotalAmount.Add(value)
		if start < sum.FirstPeriodStart {
			sum.FirstPeriodStart = start
		}
		if end > sum.LastPeriodEnd {
			sum.LastPeriodEnd = end
		}
		if created > sum.LastCreatedAt {
			sum.LastCreatedAt = created
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ParticipantSummary, 0, len(byParticipant))
	for _, sum := range byParticipant {
		sum.TotalAmount = sum.TotalAmount.Round(engine.SummaryScale)
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TotalAmount.Equal(out[j].TotalAmount) {
			return out[i].TotalAmount.GreaterThan(out[j].TotalAmount)
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out, nil
}

// =============================================================================
// SCHEDULER SUPPORT
// =============================================================================

// LastSourceDataAt returns the newest source-data timestamp among the
// plan's participants, or "" when there is none.
func (s *Store) LastSourceDataAt(ctx context.Context, planID int64) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sd.created_at), '')
		  FROM source_data sd
		  JOIN participant_plan pp ON pp.participant_id = sd.participant_id
		 WHERE pp.plan_id = ?`, planID)
	var at string
	err := row.Scan(&at)
	return at, err
}

// LastRunAt returns the newest payout-line timestamp for a plan, or ""
// when the plan has never run.
func (s *Store) LastRunAt(ctx context.Context, planID int64) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(created_at), '') FROM participant_payout_history WHERE plan_id = ?`, planID)
	var at string
	err := row.Scan(&at)
	return at, err
}
