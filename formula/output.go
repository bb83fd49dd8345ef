/*
output.go - Rendered-value normalization

PURPOSE:
  Turns whatever a template rendered into zero or more usable
  {label, amount, payload} results.

NORMALIZATION RULES:
  - A string starting with '{' or '[' parses as JSON; otherwise it must
    parse as a bare number.
  - One object {label?, amount|amt|value, payload?|meta?} -> one result.
  - An array of such objects -> many results.
  - A bare number -> one result labeled with the computation's name.
  - A candidate missing a usable label or a finite amount is dropped and
    counted, so callers can surface a warning instead of silently
    producing nothing.

SEE ALSO:
  - sandbox.go: Produces the rendered candidates
*/
package formula

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/engine"
)

// NormalizeOutput parses rendered and returns the usable results plus
// the number of candidates dropped.
func NormalizeOutput(computationName, rendered string) ([]engine.FormulaResult, int) {
	parsed, ok := parseMaybeJSON(rendered)
	if !ok {
		if strings.TrimSpace(rendered) == "" {
			return nil, 0
		}
		return nil, 1
	}

	var results []engine.FormulaResult
	dropped := 0
	push := func(candidate any) {
		if r, ok := normalizeOne(computationName, candidate); ok {
			results = append(results, r)
		} else {
			dropped++
		}
	}

	switch v := parsed.(type) {
	case []any:
		for _, item := range v {
			push(item)
		}
	case map[string]any:
		push(v)
	case float64:
		push(map[string]any{"label": computationName, "amount": v})
	default:
		dropped++
	}
	return results, dropped
}

// parseMaybeJSON mirrors the lenient parse the engine has always done:
// JSON object/array, else bare number, else unusable.
func parseMaybeJSON(raw string) (any, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, false
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, false
		}
		return v, true
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, true
	}
	return nil, false
}

func normalizeOne(computationName string, candidate any) (engine.FormulaResult, bool) {
	obj, isMap := candidate.(map[string]any)

	label := computationName
	var amount float64
	usable := false

	if isMap {
		if raw, ok := obj["label"]; ok {
			if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
				label = strings.TrimSpace(s)
			}
		}
		for _, key := range []string{"amount", "amt", "value"} {
			if raw, ok := obj[key]; ok {
				if n, ok := toFloat(raw); ok {
					amount = n
					usable = true
					break
				}
			}
		}
	} else if n, ok := toFloat(candidate); ok {
		amount = n
		usable = true
	}

	if !usable || strings.TrimSpace(label) == "" || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return engine.FormulaResult{}, false
	}

	payload := map[string]any{}
	if isMap {
		if p, ok := obj["payload"].(map[string]any); ok {
			payload = p
		} else if m, ok := obj["meta"].(map[string]any); ok {
			payload = m
		} else {
			payload = obj
		}
	} else {
		payload = map[string]any{"label": label, "amount": amount}
	}

	return engine.FormulaResult{
		Label:   label,
		Amount:  decimal.NewFromFloat(amount),
		Payload: payload,
	}, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
