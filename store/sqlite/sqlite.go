/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements engine.RunStore plus the administrative CRUD the HTTP API
  needs (participants, plans, computations, attachments, source data,
  payout projections). In production the same patterns apply to
  PostgreSQL/MySQL - only minor SQL dialect differences.

KEY TABLES:
  plan_participant:           People, with self-referential manager link
  comp_plan:                  Compensation plans
  plan_payout_period:         Explicit payout windows per plan
  participant_plan:           Participant <-> plan attachments
  computation_definition:     Formula templates
  plan_computation:           Computation <-> plan attachments
  source_data:                Append-only metric rows
  participant_payout_history: Engine output; replaced wholesale per run

RUN SERIALIZATION:
  WithPlanRun holds an in-process per-plan mutex around a single SQL
  transaction. Delete-then-insert is only idempotent when runs for one
  plan never interleave; the lock guarantees that within this process.

PRECISION:
  Metric values and payout amounts are stored as TEXT and summed with
  decimal.Decimal in Go. SQLite's SUM() would coerce to float; money
  never rides a float here.

WAL MODE:
  The database opens with WAL for better read concurrency and crash
  recovery. Foreign keys are enforced.

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
  - admin.go: CRUD and reporting queries
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/engine"
)

// Store implements engine.RunStore and the admin CRUD on SQLite.
type Store struct {
	db *sql.DB

	planLockMu sync.Mutex
	planLocks  map[int64]*sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and avoids
	// SQLITE_BUSY between the run transaction and scheduler reads.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, planLocks: make(map[int64]*sync.Mutex)}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plan_participant (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		employee_id TEXT NOT NULL DEFAULT '',
		manager_participant_id INTEGER REFERENCES plan_participant(id),
		effective_start TEXT,
		effective_end TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_participant_manager
		ON plan_participant(manager_participant_id)
		WHERE manager_participant_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS comp_plan (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '1.0',
		payout_frequency TEXT,
		effective_start TEXT,
		effective_end TEXT,
		description TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS plan_payout_period (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plan_id INTEGER NOT NULL REFERENCES comp_plan(id) ON DELETE CASCADE,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		label TEXT,
		due_date TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payout_period_plan
		ON plan_payout_period(plan_id, start_date);

	CREATE TABLE IF NOT EXISTS participant_plan (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id INTEGER NOT NULL REFERENCES plan_participant(id),
		plan_id INTEGER NOT NULL REFERENCES comp_plan(id),
		effective_start TEXT,
		effective_end TEXT,
		UNIQUE(participant_id, plan_id)
	);

	CREATE TABLE IF NOT EXISTS computation_definition (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		scope TEXT NOT NULL DEFAULT 'payout',
		template TEXT,
		source_data_inputs TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS plan_computation (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plan_id INTEGER NOT NULL REFERENCES comp_plan(id),
		computation_id INTEGER NOT NULL REFERENCES computation_definition(id),
		UNIQUE(plan_id, computation_id)
	);

	-- Append-only metric rows; the engine only ever sums them.
	CREATE TABLE IF NOT EXISTS source_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id INTEGER NOT NULL REFERENCES plan_participant(id),
		record_scope TEXT NOT NULL DEFAULT 'ACTUAL',
		label TEXT NOT NULL,
		metric_date TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Hot path: aggregation per participant set and date window.
	CREATE INDEX IF NOT EXISTS idx_source_data_participant_date
		ON source_data(participant_id, metric_date);

	CREATE TABLE IF NOT EXISTS participant_payout_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plan_id INTEGER NOT NULL REFERENCES comp_plan(id),
		participant_id INTEGER NOT NULL REFERENCES plan_participant(id),
		computation_id INTEGER NOT NULL REFERENCES computation_definition(id),
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		period_label TEXT,
		due_date TEXT,
		output_label TEXT NOT NULL,
		amount TEXT NOT NULL,
		payload TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_payout_history_plan
		ON participant_payout_history(plan_id);
	CREATE INDEX IF NOT EXISTS idx_payout_history_participant
		ON participant_payout_history(participant_id, period_start);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIER - shared query surface for *sql.DB and *sql.Tx
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// querier implements engine.Store over either the raw connection or a
// run transaction.
type querier struct {
	q dbtx
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (q querier) GetPlan(ctx context.Context, planID int64) (*engine.Plan, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT id, name, version, COALESCE(payout_frequency, ''),
		       effective_start, effective_end, description, is_active
		  FROM comp_plan WHERE id = ?`, planID)
	var p engine.Plan
	var freq string
	var active int
	err := row.Scan(&p.ID, &p.Name, &p.Version, &freq, &p.EffectiveStart, &p.EffectiveEnd, &p.Description, &active)
	if err == sql.ErrNoRows {
		return nil, engine.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	p.PayoutFrequency = engine.Frequency(freq)
	p.IsActive = active != 0
	return &p, nil
}

func (q querier) ListPayoutPeriods(ctx context.Context, planID int64) ([]engine.PayoutPeriod, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, plan_id, start_date, end_date, COALESCE(label, ''), COALESCE(due_date, '')
		  FROM plan_payout_period
		 WHERE plan_id = ?
		 ORDER BY start_date ASC, id ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var periods []engine.PayoutPeriod
	for rows.Next() {
		var p engine.PayoutPeriod
		if err := rows.Scan(&p.ID, &p.PlanID, &p.Start, &p.End, &p.Label, &p.DueDate); err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func (q querier) ListPlanParticipantIDs(ctx context.Context, planID int64) ([]int64, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT DISTINCT participant_id FROM participant_plan WHERE plan_id = ? ORDER BY participant_id`, planID)
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

func (q querier) ListManagerLinks(ctx context.Context) ([]engine.ManagerLink, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, manager_participant_id
		  FROM plan_participant
		 WHERE manager_participant_id IS NOT NULL
		 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var links []engine.ManagerLink
	for rows.Next() {
		var l engine.ManagerLink
		if err := rows.Scan(&l.ParticipantID, &l.ManagerID); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (q querier) ListParticipantsByIDs(ctx context.Context, ids []int64) ([]engine.Participant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.q.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, first_name, last_name, email, employee_id,
		       manager_participant_id, effective_start, effective_end
		  FROM plan_participant
		 WHERE id IN (%s)`, placeholders(len(ids))), int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanParticipants(rows)
}

func (q querier) ListPlanComputations(ctx context.Context, planID int64) ([]engine.Computation, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT c.id, c.name, c.scope, COALESCE(c.template, ''), COALESCE(c.source_data_inputs, '')
		  FROM plan_computation pc
		  JOIN computation_definition c ON c.id = pc.computation_id
		 WHERE pc.plan_id = ?
		 ORDER BY c.name ASC`, planID)
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

// FetchTotals sums values in Go with decimal.Decimal; SQLite SUM() would
// coerce the TEXT column to float.
func (q querier) FetchTotals(ctx context.Context, participantIDs []int64, from, to string) (engine.Totals, error) {
	totals := engine.Totals{}
	if len(participantIDs) == 0 {
		return totals, nil
	}
	args := int64Args(participantIDs)
	args = append(args, from, to)
	rows, err := q.q.QueryContext(ctx, fmt.Sprintf(`
		SELECT label, value
		  FROM source_data
		 WHERE participant_id IN (%s)
		   AND metric_date >= ?
		   AND metric_date <= ?`, placeholders(len(participantIDs))), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var label, raw string
		if err := rows.Scan(&label, &raw); err != nil {
			return nil, err
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("bad metric value %q: %w", raw, err)
		}
		key := engine.NormalizeLabel(label)
		totals[key] = totals[key].Add(value)
	}
	return totals, rows.Err()
}

func (q querier) DeletePayoutLines(ctx context.Context, planID int64) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM participant_payout_history WHERE plan_id = ?`, planID)
	return err
}

func (q querier) InsertPayoutLines(ctx context.Context, lines []engine.PayoutLine) error {
	if len(lines) == 0 {
		return nil
	}
	values := strings.TrimSuffix(strings.Repeat("(?,?,?,?,?,?,?,?,?,?),", len(lines)), ",")
	args := make([]any, 0, len(lines)*10)
	for _, l := range lines {
		args = append(args,
			l.PlanID, l.ParticipantID, l.ComputationID,
			l.PeriodStart, l.PeriodEnd, nullable(l.PeriodLabel), nullable(l.DueDate),
			l.OutputLabel, l.Amount.StringFixed(engine.AmountScale), string(l.Payload))
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO participant_payout_history
		      (plan_id, participant_id, computation_id,
		       period_start, period_end, period_label, due_date,
		       output_label, amount, payload)
		VALUES `+values, args...)
	return err
}

func scanParticipants(rows *sql.Rows) ([]engine.Participant, error) {
	var out []engine.Participant
	for rows.Next() {
		var p engine.Participant
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &p.Email, &p.EmployeeID,
			&p.ManagerID, &p.EffectiveStart, &p.EffectiveEnd); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// engine.RunStore
// =============================================================================

func (s *Store) GetPlan(ctx context.Context, planID int64) (*engine.Plan, error) {
	return querier{s.db}.GetPlan(ctx, planID)
}

func (s *Store) ListPayoutPeriods(ctx context.Context, planID int64) ([]engine.PayoutPeriod, error) {
	return querier{s.db}.ListPayoutPeriods(ctx, planID)
}

func (s *Store) ListPlanParticipantIDs(ctx context.Context, planID int64) ([]int64, error) {
	return querier{s.db}.ListPlanParticipantIDs(ctx, planID)
}

func (s *Store) ListManagerLinks(ctx context.Context) ([]engine.ManagerLink, error) {
	return querier{s.db}.ListManagerLinks(ctx)
}

func (s *Store) ListParticipantsByIDs(ctx context.Context, ids []int64) ([]engine.Participant, error) {
	return querier{s.db}.ListParticipantsByIDs(ctx, ids)
}

func (s *Store) ListPlanComputations(ctx context.Context, planID int64) ([]engine.Computation, error) {
	return querier{s.db}.ListPlanComputations(ctx, planID)
}

func (s *Store) FetchTotals(ctx context.Context, participantIDs []int64, from, to string) (engine.Totals, error) {
	return querier{s.db}.FetchTotals(ctx, participantIDs, from, to)
}

func (s *Store) DeletePayoutLines(ctx context.Context, planID int64) error {
	return querier{s.db}.DeletePayoutLines(ctx, planID)
}

func (s *Store) InsertPayoutLines(ctx context.Context, lines []engine.PayoutLine) error {
	return querier{s.db}.InsertPayoutLines(ctx, lines)
}

// WithPlanRun serializes runs per plan id and wraps fn in one
// transaction. The lock is in-process; a multi-instance deployment
// needs a database advisory lock instead.
func (s *Store) WithPlanRun(ctx context.Context, planID int64, fn func(engine.Store) error) error {
	lock := s.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(querier{tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) planLock(planID int64) *sync.Mutex {
	s.planLockMu.Lock()
	defer s.planLockMu.Unlock()
	lock, ok := s.planLocks[planID]
	if !ok {
		lock = &sync.Mutex{}
		s.planLocks[planID] = lock
	}
	return lock
}
