// Package store provides engine.RunStore implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds the whole engine data surface in maps. WithPlanRun takes
// a per-plan lock and snapshots payout lines so a failing run rolls
// back, matching the production store's transaction contract.
type Memory struct {
	mu sync.RWMutex

	Plans         map[int64]engine.Plan
	Periods       map[int64][]engine.PayoutPeriod // planID -> periods
	Participants  map[int64]engine.Participant
	PlanMembers   map[int64][]int64 // planID -> participant ids
	Computations  map[int64]engine.Computation
	PlanComps     map[int64][]int64 // planID -> computation ids
	SourceData    []engine.SourceDataRecord
	PayoutLines   []engine.PayoutLine
	nextLineID    int64
	planRunLocks  map[int64]*sync.Mutex
	planRunLockMu sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		Plans:        make(map[int64]engine.Plan),
		Periods:      make(map[int64][]engine.PayoutPeriod),
		Participants: make(map[int64]engine.Participant),
		PlanMembers:  make(map[int64][]int64),
		Computations: make(map[int64]engine.Computation),
		PlanComps:    make(map[int64][]int64),
		planRunLocks: make(map[int64]*sync.Mutex),
		nextLineID:   1,
	}
}

func (m *Memory) GetPlan(_ context.Context, planID int64) (*engine.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.Plans[planID]
	if !ok {
		return nil, engine.ErrPlanNotFound
	}
	return &plan, nil
}

func (m *Memory) ListPayoutPeriods(_ context.Context, planID int64) ([]engine.PayoutPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	periods := append([]engine.PayoutPeriod(nil), m.Periods[planID]...)
	sort.Slice(periods, func(i, j int) bool {
		if periods[i].Start != periods[j].Start {
			return periods[i].Start < periods[j].Start
		}
		return periods[i].ID < periods[j].ID
	})
	return periods, nil
}

func (m *Memory) ListPlanParticipantIDs(_ context.Context, planID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[int64]bool)
	var ids []int64
	for _, id := range m.PlanMembers[planID] {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) ListManagerLinks(_ context.Context) ([]engine.ManagerLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var links []engine.ManagerLink
	for _, p := range m.Participants {
		if p.ManagerID != nil {
			links = append(links, engine.ManagerLink{ParticipantID: p.ID, ManagerID: *p.ManagerID})
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].ParticipantID < links[j].ParticipantID })
	return links, nil
}

func (m *Memory) ListParticipantsByIDs(_ context.Context, ids []int64) ([]engine.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Participant
	for _, id := range ids {
		if p, ok := m.Participants[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) ListPlanComputations(_ context.Context, planID int64) ([]engine.Computation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var comps []engine.Computation
	for _, id := range m.PlanComps[planID] {
		if c, ok := m.Computations[id]; ok {
			comps = append(comps, c)
		}
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i].Name < comps[j].Name })
	return comps, nil
}

func (m *Memory) FetchTotals(_ context.Context, participantIDs []int64, from, to string) (engine.Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	targets := make(map[int64]bool, len(participantIDs))
	for _, id := range participantIDs {
		targets[id] = true
	}
	totals := engine.Totals{}
	for _, r := range m.SourceData {
		if !targets[r.ParticipantID] {
			continue
		}
		if r.MetricDate < from || r.MetricDate > to {
			continue
		}
		label := engine.NormalizeLabel(r.Label)
		totals[label] = totals[label].Add(r.Value)
	}
	return totals, nil
}

func (m *Memory) DeletePayoutLines(_ context.Context, planID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.PayoutLines[:0]
	for _, line := range m.PayoutLines {
		if line.PlanID != planID {
			kept = append(kept, line)
		}
	}
	m.PayoutLines = kept
	return nil
}

func (m *Memory) InsertPayoutLines(_ context.Context, lines []engine.PayoutLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, line := range lines {
		line.ID = m.nextLineID
		m.nextLineID++
		m.PayoutLines = append(m.PayoutLines, line)
	}
	return nil
}

// WithPlanRun serializes runs per plan and restores the prior payout
// lines when fn fails.
func (m *Memory) WithPlanRun(_ context.Context, planID int64, fn func(engine.Store) error) error {
	lock := m.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	snapshot := append([]engine.PayoutLine(nil), m.PayoutLines...)
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.PayoutLines = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) planLock(planID int64) *sync.Mutex {
	m.planRunLockMu.Lock()
	defer m.planRunLockMu.Unlock()
	lock, ok := m.planRunLocks[planID]
	if !ok {
		lock = &sync.Mutex{}
		m.planRunLocks[planID] = lock
	}
	return lock
}

// =============================================================================
// SEED HELPERS - Convenience for tests
// =============================================================================

// AddSourceRow appends a metric row with the default record scope.
func (m *Memory) AddSourceRow(participantID int64, label, date string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SourceData = append(m.SourceData, engine.SourceDataRecord{
		ID:            int64(len(m.SourceData) + 1),
		ParticipantID: participantID,
		RecordScope:   engine.DefaultRecordScope,
		Label:         label,
		MetricDate:    date,
		Value:         decimal.NewFromFloat(value),
	})
}

// LinesForPlan returns a copy of the stored lines for a plan.
func (m *Memory) LinesForPlan(planID int64) []engine.PayoutLine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.PayoutLine
	for _, line := range m.PayoutLines {
		if line.PlanID == planID {
			out = append(out, line)
		}
	}
	return out
}
