package formula_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/formula"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func evalContext(totals, totalsDR map[string]float64) engine.EvalContext {
	toTotals := func(m map[string]float64) engine.Totals {
		t := engine.Totals{}
		for label, v := range m {
			t[engine.NormalizeLabel(label)] = decimal.NewFromFloat(v)
		}
		return t
	}
	return engine.EvalContext{
		Totals:        toTotals(totals),
		TotalsDR:      toTotals(totalsDR),
		Period:        engine.Window{Start: "2025-01-01", End: "2025-03-31", Label: "Q1", DueDate: "2025-04-15"},
		ParticipantID: 7,
		PlanID:        3,
		Rollup: engine.RollupMeta{
			Scope:           engine.RollupManager,
			ManagerID:       7,
			DirectReportIDs: []int64{8, 9},
			DescendantIDs:   []int64{8, 9},
			DirectReports:   []engine.PersonRef{{ID: 8, FirstName: "Ada"}, {ID: 9, FirstName: "Ben"}},
			Descendants:     []engine.PersonRef{{ID: 8, FirstName: "Ada"}, {ID: 9, FirstName: "Ben"}},
		},
	}
}

func mustEvaluate(t *testing.T, source string, ectx engine.EvalContext) ([]engine.FormulaResult, int) {
	t.Helper()
	tpl, err := formula.NewSandbox().Compile("test_comp", source)
	require.NoError(t, err)
	results, dropped, err := tpl.Evaluate(ectx)
	require.NoError(t, err)
	return results, dropped
}

// =============================================================================
// SECURITY SCREEN
// =============================================================================

func TestScreen_BlocksDenylistedKeywords(t *testing.T) {
	s := formula.NewSandbox()

	cases := map[string]string{
		`os.execute('rm -rf /')`:      "os",
		`local f = io.open('x')`:      "io",
		`require('socket')`:           "require",
		`load('print(1)')()`:          "load",
		`debug.getinfo(1)`:            "debug",
		`setmetatable({}, {})`:        "setmetatable",
		`_G.print = nil`:              "_G",
		`local d = string.dump(f)`:    "string.dump",
		`coroutine.create(function() end)`: "coroutine",
	}
	for source, want := range cases {
		keyword, blocked := s.Screen(source)
		assert.True(t, blocked, "should block %q", source)
		assert.Equal(t, want, keyword, "keyword for %q", source)
	}
}

func TestScreen_AllowsPlainFormulas(t *testing.T) {
	s := formula.NewSandbox()
	_, blocked := s.Screen(`emit_commission({ label = 'C', amount = sum('REVENUE') * 0.1 })`)
	assert.False(t, blocked)
	// Substrings of denylisted words are fine
	_, blocked = s.Screen(`local iowa_total = sum('IOWA')`)
	assert.False(t, blocked)
}

func TestCompile_BlockedTemplate_Errors(t *testing.T) {
	_, err := formula.NewSandbox().Compile("evil", `os.exit(1)`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrTemplateBlocked))

	var blockedErr *engine.BlockedTemplateError
	require.ErrorAs(t, err, &blockedErr)
	assert.Equal(t, "os", blockedErr.Keyword)
}

func TestCompile_SyntaxError(t *testing.T) {
	_, err := formula.NewSandbox().Compile("broken", `local x = = 1`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrInvalidTemplate))
}

func TestValidate_EmptyTemplateAllowed(t *testing.T) {
	assert.NoError(t, formula.NewSandbox().Validate("draft", ""))
}

// =============================================================================
// EVALUATION CONTEXT
// =============================================================================

func TestEvaluate_SumAndHas(t *testing.T) {
	results, dropped := mustEvaluate(t, `
local amount = 0
if has('REVENUE') then amount = sum('REVENUE') * 0.1 end
if has('MISSING') then amount = -1 end
emit_commission({ label = 'COMMISSION', amount = amount })
`, evalContext(map[string]float64{"REVENUE": 5000}, nil))

	require.Len(t, results, 1)
	assert.Equal(t, 0, dropped)
	assert.Equal(t, "COMMISSION", results[0].Label)
	assert.True(t, results[0].Amount.Equal(decimal.NewFromInt(500)),
		"expected 500, got %s", results[0].Amount)
}

func TestEvaluate_DirectReportTotalsAreSeparate(t *testing.T) {
	results, _ := mustEvaluate(t, `
emit_commission({ label = 'TEAM', amount = sum_dr('REVENUE') - sum('REVENUE') })
`, evalContext(map[string]float64{"REVENUE": 100}, map[string]float64{"REVENUE": 900}))

	require.Len(t, results, 1)
	assert.True(t, results[0].Amount.Equal(decimal.NewFromInt(800)))
}

func TestEvaluate_LabelLookupIsCaseInsensitive(t *testing.T) {
	results, _ := mustEvaluate(t, `
emit_commission({ label = 'C', amount = sum('revenue') })
`, evalContext(map[string]float64{"REVENUE": 42}, nil))

	require.Len(t, results, 1)
	assert.True(t, results[0].Amount.Equal(decimal.NewFromInt(42)))
}

func TestEvaluate_PeriodAndIdentifiers(t *testing.T) {
	results, _ := mustEvaluate(t, `
local label = period.label .. ':' .. period.start .. ':' .. period.due_date
emit_commission({ label = label, amount = participant_id * 100 + plan_id })
`, evalContext(nil, nil))

	require.Len(t, results, 1)
	assert.Equal(t, "Q1:2025-01-01:2025-04-15", results[0].Label)
	assert.True(t, results[0].Amount.Equal(decimal.NewFromInt(703)))
}

func TestEvaluate_RollupInfo(t *testing.T) {
	results, _ := mustEvaluate(t, `
local info = rollup_info()
emit_commission({ label = info.scope, amount = #info.descendant_ids })
`, evalContext(nil, nil))

	require.Len(t, results, 1)
	assert.Equal(t, "manager", results[0].Label)
	assert.True(t, results[0].Amount.Equal(decimal.NewFromInt(2)))
}

func TestEvaluate_DirectReportsList(t *testing.T) {
	results, _ := mustEvaluate(t, `
emit_commission({ label = direct_reports[1].first_name, amount = #direct_reports })
`, evalContext(nil, nil))

	require.Len(t, results, 1)
	assert.Equal(t, "Ada", results[0].Label)
	assert.True(t, results[0].Amount.Equal(decimal.NewFromInt(2)))
}

// =============================================================================
// OUTPUT COLLECTION
// =============================================================================

func TestEvaluate_MultipleEmits(t *testing.T) {
	results, dropped := mustEvaluate(t, `
emit_commission({ label = 'BASE', amount = 100 })
emit_commission({ label = 'KICKER', amount = 25 })
`, evalContext(nil, nil))

	assert.Equal(t, 0, dropped)
	require.Len(t, results, 2)
	assert.Equal(t, "BASE", results[0].Label)
	assert.Equal(t, "KICKER", results[1].Label)
}

func TestEvaluate_ArrayEmit(t *testing.T) {
	results, _ := mustEvaluate(t, `
emit_commission({
  { label = 'A', amount = 1 },
  { label = 'B', amount = 2 },
})
`, evalContext(nil, nil))

	require.Len(t, results, 2)
}

func TestEvaluate_ReturnValueFallback(t *testing.T) {
	// Nothing emitted: the chunk's return value is used instead
	results, _ := mustEvaluate(t, `return { label = 'FALLBACK', amount = 9 }`, evalContext(nil, nil))
	require.Len(t, results, 1)
	assert.Equal(t, "FALLBACK", results[0].Label)
}

func TestEvaluate_EmitWinsOverReturn(t *testing.T) {
	results, _ := mustEvaluate(t, `
emit_commission({ label = 'EMITTED', amount = 1 })
return { label = 'RETURNED', amount = 2 }
`, evalContext(nil, nil))

	require.Len(t, results, 1)
	assert.Equal(t, "EMITTED", results[0].Label)
}

func TestEvaluate_NoOutput_EmptyResult(t *testing.T) {
	results, dropped := mustEvaluate(t, `local x = 1 + 1`, evalContext(nil, nil))
	assert.Empty(t, results)
	assert.Equal(t, 0, dropped)
}

func TestEvaluate_RuntimeError_Surfaced(t *testing.T) {
	tpl, err := formula.NewSandbox().Compile("angry", `error('boom')`)
	require.NoError(t, err)
	_, _, err = tpl.Evaluate(evalContext(nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestEvaluate_RepeatedEvaluationsIndependent(t *testing.T) {
	tpl, err := formula.NewSandbox().Compile("repeat_comp", `
emit_commission({ label = 'C', amount = sum('REVENUE') })
`)
	require.NoError(t, err)

	first, _, err := tpl.Evaluate(evalContext(map[string]float64{"REVENUE": 10}, nil))
	require.NoError(t, err)
	second, _, err := tpl.Evaluate(evalContext(map[string]float64{"REVENUE": 20}, nil))
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.True(t, first[0].Amount.Equal(decimal.NewFromInt(10)))
	assert.True(t, second[0].Amount.Equal(decimal.NewFromInt(20)),
		"stale emissions must not leak across evaluations")
}

// =============================================================================
// CONTAINMENT
// =============================================================================

func TestEvaluate_StrippedGlobalsAreGone(t *testing.T) {
	// The denylist would catch these textually too; this verifies the
	// state itself has nothing to offer if the screen is ever bypassed.
	results, _ := mustEvaluate(t, `
local count = 0
if print ~= nil then count = count + 1 end
if dofile ~= nil then count = count + 1 end
if loadfile ~= nil then count = count + 1 end
if collectgarbage ~= nil then count = count + 1 end
emit_commission({ label = 'LEAKED', amount = count })
`, evalContext(nil, nil))

	require.Len(t, results, 1)
	assert.True(t, results[0].Amount.IsZero(), "restricted state leaked %s globals", results[0].Amount)
}

func TestEvaluate_MathAndStringLibrariesAvailable(t *testing.T) {
	results, _ := mustEvaluate(t, `
emit_commission({ label = string.upper('tier'), amount = math.floor(10.9) })
`, evalContext(nil, nil))

	require.Len(t, results, 1)
	assert.Equal(t, "TIER", results[0].Label)
	assert.True(t, results[0].Amount.Equal(decimal.NewFromInt(10)))
}
