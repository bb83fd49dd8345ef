package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	server := httptest.NewServer(api.NewRouter(api.NewHandler(store)))
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func createTestParticipant(t *testing.T, base string, managerID *int64) int64 {
	body := map[string]any{"first_name": "Test", "last_name": "Person", "email": "t@example.com"}
	if managerID != nil {
		body["manager_id"] = *managerID
	}
	var created struct {
		ID int64 `json:"id"`
	}
	resp := doJSON(t, http.MethodPost, base+"/api/participants", body, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return created.ID
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

func TestAPI_ParticipantLifecycle(t *testing.T) {
	server := newTestServer(t)
	id := createTestParticipant(t, server.URL, nil)

	var got struct {
		ID        int64  `json:"id"`
		FirstName string `json:"first_name"`
	}
	resp := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/participants/%d", server.URL, id), nil, &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "Test", got.FirstName)

	resp = doJSON(t, http.MethodGet, server.URL+"/api/participants/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ManagerCycle_Conflict(t *testing.T) {
	server := newTestServer(t)
	top := createTestParticipant(t, server.URL, nil)
	mid := createTestParticipant(t, server.URL, &top)

	// Making top report to mid closes a loop
	resp := doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/participants/%d", server.URL, top), map[string]any{
		"first_name": "Test", "last_name": "Person", "email": "t@example.com",
		"manager_id": mid,
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Self-management too
	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/participants/%d", server.URL, top), map[string]any{
		"first_name": "Test", "last_name": "Person", "email": "t@example.com",
		"manager_id": top,
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// =============================================================================
// COMPUTATION VALIDATION
// =============================================================================

func TestAPI_Computation_Validation(t *testing.T) {
	server := newTestServer(t)

	// Invalid name
	resp := doJSON(t, http.MethodPost, server.URL+"/api/computations", map[string]any{
		"name": "1starts_with_digit", "template": "return 1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Denylisted template
	resp = doJSON(t, http.MethodPost, server.URL+"/api/computations", map[string]any{
		"name": "sneaky", "template": "return os.time()",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Syntax error
	resp = doJSON(t, http.MethodPost, server.URL+"/api/computations", map[string]any{
		"name": "broken", "template": "local = =",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown scope coerces to payout
	var coerced struct {
		Scope string `json:"scope"`
	}
	resp = doJSON(t, http.MethodPost, server.URL+"/api/computations", map[string]any{
		"name": "odd_scope", "scope": "daily", "template": "return 1",
	}, &coerced)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "payout", coerced.Scope)

	// Valid: inputs are derived server-side
	var created struct {
		ID               int64  `json:"id"`
		Scope            string `json:"scope"`
		SourceDataInputs string `json:"source_data_inputs"`
	}
	resp = doJSON(t, http.MethodPost, server.URL+"/api/computations", map[string]any{
		"name": "base_commission", "template": `emit_commission({ label = 'C', amount = sum('REVENUE') })`,
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "payout", created.Scope, "scope defaults to payout")
	assert.Equal(t, "REVENUE", created.SourceDataInputs)

	// Duplicate name
	resp = doJSON(t, http.MethodPost, server.URL+"/api/computations", map[string]any{
		"name": "base_commission", "template": "return 2",
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// =============================================================================
// FULL FLOW OVER HTTP
// =============================================================================

func TestAPI_RunFlow(t *testing.T) {
	server := newTestServer(t)
	rep := createTestParticipant(t, server.URL, nil)

	var plan struct {
		ID int64 `json:"id"`
	}
	resp := doJSON(t, http.MethodPost, server.URL+"/api/plans", map[string]any{
		"name": "Sales Plan",
		"payout_periods": []map[string]any{
			{"start_date": "2025-01-01", "end_date": "2025-03-31", "label": "Q1"},
		},
	}, &plan)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var comp struct {
		ID int64 `json:"id"`
	}
	resp = doJSON(t, http.MethodPost, server.URL+"/api/computations", map[string]any{
		"name": "base_commission", "template": `emit_commission({ label = 'COMMISSION', amount = sum('REVENUE') * 0.1 })`,
	}, &comp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/plans/%d/participants", server.URL, plan.ID),
		map[string]any{"participant_id": rep}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/plans/%d/computations", server.URL, plan.ID),
		map[string]any{"computation_id": comp.ID}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, server.URL+"/api/source-data", map[string]any{
		"rows": []map[string]any{
			{"participant_id": rep, "label": "REVENUE", "metric_date": "2025-02-01", "value": 2500},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		RunID    string `json:"runId"`
		Inserted int    `json:"inserted"`
	}
	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/plans/%d/run-computations", server.URL, plan.ID), nil, &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 1, result.Inserted)

	var history []struct {
		OutputLabel string `json:"output_label"`
		Amount      string `json:"amount"`
		PeriodLabel string `json:"period_label"`
	}
	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/participants/%d/payouts", server.URL, rep), nil, &history)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, history, 1)
	assert.Equal(t, "COMMISSION", history[0].OutputLabel)
	assert.Equal(t, "250.0000", history[0].Amount)
	assert.Equal(t, "Q1", history[0].PeriodLabel)

	var summary []struct {
		ParticipantID int64  `json:"participant_id"`
		TotalAmount   string `json:"total_amount"`
	}
	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/plans/%d/summary", server.URL, plan.ID), nil, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, summary, 1)
	assert.Equal(t, "250.00", summary[0].TotalAmount)
}

func TestAPI_PayoutHistory_DefaultsToActivePlans(t *testing.T) {
	server := newTestServer(t)
	rep := createTestParticipant(t, server.URL, nil)

	var plan struct {
		ID int64 `json:"id"`
	}
	resp := doJSON(t, http.MethodPost, server.URL+"/api/plans", map[string]any{
		"name": "Legacy Plan",
		"payout_periods": []map[string]any{
			{"start_date": "2025-01-01", "end_date": "2025-03-31", "label": "Q1"},
		},
	}, &plan)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var comp struct {
		ID int64 `json:"id"`
	}
	resp = doJSON(t, http.MethodPost, server.URL+"/api/computations", map[string]any{
		"name": "legacy_commission", "template": `emit_commission({ label = 'C', amount = sum('REVENUE') })`,
	}, &comp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/plans/%d/participants", server.URL, plan.ID),
		map[string]any{"participant_id": rep}, nil)
	doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/plans/%d/computations", server.URL, plan.ID),
		map[string]any{"computation_id": comp.ID}, nil)
	doJSON(t, http.MethodPost, server.URL+"/api/source-data", map[string]any{
		"rows": []map[string]any{
			{"participant_id": rep, "label": "REVENUE", "metric_date": "2025-02-01", "value": 100},
		},
	}, nil)
	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/plans/%d/run-computations", server.URL, plan.ID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Archive the plan; its lines disappear from the default view
	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/plans/%d", server.URL, plan.ID), map[string]any{
		"name": "Legacy Plan", "is_active": false,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history []struct {
		PlanActive bool `json:"plan_active"`
	}
	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/participants/%d/payouts", server.URL, rep), nil, &history)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, history, "active plans only by default")

	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/participants/%d/payouts?is_active=0", server.URL, rep), nil, &history)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, history, 1)
	assert.False(t, history[0].PlanActive)
}

func TestAPI_PayoutSummary_BucketsByPlanFrequency(t *testing.T) {
	server := newTestServer(t)
	rep := createTestParticipant(t, server.URL, nil)

	var plan struct {
		ID int64 `json:"id"`
	}
	resp := doJSON(t, http.MethodPost, server.URL+"/api/plans", map[string]any{
		"name": "Monthly Plan", "payout_frequency": "monthly",
	}, &plan)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/plans/%d/participants", server.URL, plan.ID),
		map[string]any{"participant_id": rep}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, server.URL+"/api/source-data", map[string]any{
		"rows": []map[string]any{
			{"participant_id": rep, "label": "REVENUE", "metric_date": "2025-02-01", "value": 100},
			{"participant_id": rep, "label": "REVENUE", "metric_date": "2025-02-20", "value": 50},
			{"participant_id": rep, "label": "DEALS", "metric_date": "2025-03-05", "value": 25},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var summary []struct {
		PlanID          int64  `json:"plan_id"`
		PayoutFrequency string `json:"payout_frequency"`
		Periods         []struct {
			PeriodStart string `json:"period_start"`
			Total       string `json:"total"`
			Rows        int    `json:"rows"`
		} `json:"periods"`
	}
	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/participants/%d/payout-summary", server.URL, rep), nil, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, summary, 1)
	assert.Equal(t, plan.ID, summary[0].PlanID)
	require.Len(t, summary[0].Periods, 2)

	// Newest bucket first
	assert.Equal(t, "2025-03-01", summary[0].Periods[0].PeriodStart)
	assert.Equal(t, "25.00", summary[0].Periods[0].Total)
	assert.Equal(t, 1, summary[0].Periods[0].Rows)
	assert.Equal(t, "2025-02-01", summary[0].Periods[1].PeriodStart)
	assert.Equal(t, "150.00", summary[0].Periods[1].Total)
	assert.Equal(t, 2, summary[0].Periods[1].Rows)
}

func TestAPI_Run_AllBlocked_Unprocessable(t *testing.T) {
	server := newTestServer(t)
	rep := createTestParticipant(t, server.URL, nil)

	var plan struct {
		ID int64 `json:"id"`
	}
	doJSON(t, http.MethodPost, server.URL+"/api/plans", map[string]any{"name": "P"}, &plan)

	// Template passes validation at create time, then gets corrupted
	var comp struct {
		ID int64 `json:"id"`
	}
	doJSON(t, http.MethodPost, server.URL+"/api/computations", map[string]any{
		"name": "will_block", "template": "return 1",
	}, &comp)
	doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/plans/%d/participants", server.URL, plan.ID),
		map[string]any{"participant_id": rep}, nil)
	doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/plans/%d/computations", server.URL, plan.ID),
		map[string]any{"computation_id": comp.ID}, nil)

	// The update endpoint refuses a blocked template outright
	resp := doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/computations/%d", server.URL, comp.ID), map[string]any{
		"name": "will_block", "template": "return io.read()",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_SourceData_Validation(t *testing.T) {
	server := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/source-data", map[string]any{
		"rows": []map[string]any{{"participant_id": 1, "label": "", "metric_date": "2025-01-01", "value": 1}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, server.URL+"/api/source-data", map[string]any{
		"rows": []map[string]any{{"participant_id": 1, "label": "X", "metric_date": "bad-date", "value": 1}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, server.URL+"/api/source-data", map[string]any{"rows": []any{}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
