package formula_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/formula"
)

func TestNormalizeOutput_SingleObject(t *testing.T) {
	results, dropped := formula.NormalizeOutput("comp", `{"label":"BONUS","amount":12.5,"payload":{"tier":2}}`)
	require.Len(t, results, 1)
	assert.Equal(t, 0, dropped)
	assert.Equal(t, "BONUS", results[0].Label)
	assert.True(t, results[0].Amount.Equal(decimal.NewFromFloat(12.5)))
	assert.Equal(t, float64(2), results[0].Payload["tier"])
}

func TestNormalizeOutput_AmountAliases(t *testing.T) {
	for _, raw := range []string{
		`{"label":"A","amount":7}`,
		`{"label":"A","amt":7}`,
		`{"label":"A","value":7}`,
	} {
		results, dropped := formula.NormalizeOutput("comp", raw)
		require.Len(t, results, 1, "input %s", raw)
		assert.Equal(t, 0, dropped)
		assert.True(t, results[0].Amount.Equal(decimal.NewFromInt(7)))
	}
}

func TestNormalizeOutput_Array(t *testing.T) {
	results, dropped := formula.NormalizeOutput("comp",
		`[{"label":"A","amount":1},{"label":"B","amount":2},{"broken":true}]`)
	require.Len(t, results, 2)
	assert.Equal(t, 1, dropped, "unusable array members are dropped individually")
}

func TestNormalizeOutput_BareNumber(t *testing.T) {
	results, dropped := formula.NormalizeOutput("flat_bonus", `150`)
	require.Len(t, results, 1)
	assert.Equal(t, 0, dropped)
	assert.Equal(t, "flat_bonus", results[0].Label, "bare numbers take the computation name")
	assert.True(t, results[0].Amount.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, float64(150), results[0].Payload["amount"])
}

func TestNormalizeOutput_MissingLabel_UsesComputationName(t *testing.T) {
	results, _ := formula.NormalizeOutput("fallback_name", `{"amount":5}`)
	require.Len(t, results, 1)
	assert.Equal(t, "fallback_name", results[0].Label)
}

func TestNormalizeOutput_MetaAsPayload(t *testing.T) {
	results, _ := formula.NormalizeOutput("comp", `{"label":"A","amount":1,"meta":{"source":"import"}}`)
	require.Len(t, results, 1)
	assert.Equal(t, "import", results[0].Payload["source"])
}

func TestNormalizeOutput_ObjectWithoutPayloadKeepsWholeObject(t *testing.T) {
	results, _ := formula.NormalizeOutput("comp", `{"label":"A","amount":1,"extra":"kept"}`)
	require.Len(t, results, 1)
	assert.Equal(t, "kept", results[0].Payload["extra"])
}

func TestNormalizeOutput_StringAmountsParsed(t *testing.T) {
	results, dropped := formula.NormalizeOutput("comp", `{"label":"A","amount":"42.25"}`)
	require.Len(t, results, 1)
	assert.Equal(t, 0, dropped)
	assert.True(t, results[0].Amount.Equal(decimal.NewFromFloat(42.25)))
}

func TestNormalizeOutput_Unusable(t *testing.T) {
	cases := []string{
		`{"label":"NO_AMOUNT"}`,
		`{"amount":"not a number"}`,
		`"just a string"`,
		`not json at all`,
		`true`,
	}
	for _, raw := range cases {
		results, dropped := formula.NormalizeOutput("comp", raw)
		assert.Empty(t, results, "input %s", raw)
		assert.Equal(t, 1, dropped, "input %s", raw)
	}
}

func TestNormalizeOutput_EmptyString_NotCounted(t *testing.T) {
	results, dropped := formula.NormalizeOutput("comp", "   ")
	assert.Empty(t, results)
	assert.Equal(t, 0, dropped, "an empty render is silence, not breakage")
}
