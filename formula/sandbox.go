/*
Package formula compiles and evaluates plan-administrator-authored
commission templates.

PURPOSE:
  Turns an untrusted-ish template string into zero or more normalized
  {label, amount, payload} results without letting the template reach
  outside its intended data surface.

PIPELINE:
  1. Static screen: a denylist regex rejects templates referencing
     sensitive identifiers before anything compiles. This is a textual
     fail-fast filter, not a verified security boundary.
  2. Compile: the template is a Lua chunk loaded into a restricted
     state: only the base, math, string and table libraries are opened,
     and every load/file/metaprogramming primitive is removed.
  3. Context: each evaluation binds an allow-listed API surface:
     sum/sum_dr/has/has_dr, totals/totals_dr, period, participant_id,
     plan_id, direct_reports, descendants, rollup_info() and
     emit_commission(v).
  4. Re-screen immediately before execution (templates may have been
     reloaded between compile and run).
  5. Execute under ProtectedCall and capture the rendered value.
  6. Normalize (output.go) into results; unusable candidates are
     dropped and counted.

TEMPLATE CONVENTION:
  emit_commission(v) is the template's way of producing output; it
  serializes v to JSON. A chunk's return value is used as a fallback
  when nothing was emitted.

  Example:
    local revenue = sum('REVENUE')
    local rate = 0.05
    if has_dr('REVENUE') then rate = 0.01 end
    emit_commission({ label = 'COMMISSION', amount = revenue * rate,
                      payload = { revenue = revenue, rate = rate } })

SEE ALSO:
  - output.go: Rendered-value normalization
  - inputs.go: Static metric-label extraction
  - engine/store.go: Compiler / CompiledTemplate contracts
*/
package formula

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/Shopify/go-lua"

	"github.com/warp/commission-engine/engine"
)

// denylist matches identifiers that could reach outside the sandbox.
// Best-effort textual filter; the restricted Lua state is the real
// containment (none of these are reachable even if the regex misses).
var denylist = regexp.MustCompile(`\b(os|io|load|loadstring|loadfile|dofile|require|package|debug|coroutine|collectgarbage|getmetatable|setmetatable|rawget|rawset|rawequal|rawlen|getfenv|setfenv|_G|string\.dump)\b`)

// strippedGlobals are base-library entries removed from every sandbox
// state after BaseOpen.
var strippedGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "print",
	"collectgarbage", "rawget", "rawset", "rawequal", "rawlen",
	"setmetatable", "getmetatable",
}

const chunkRegistryKey = "commission.template.chunk"

// Sandbox screens and compiles commission templates. It implements
// engine.Compiler. A Sandbox is cheap; the per-template cost lives in
// the compiled units it hands out.
type Sandbox struct{}

// NewSandbox returns a template compiler.
func NewSandbox() *Sandbox { return &Sandbox{} }

// Screen returns the first denylisted keyword in source, if any.
func (s *Sandbox) Screen(source string) (string, bool) {
	if m := denylist.FindString(source); m != "" {
		return m, true
	}
	return "", false
}

// Compile screens and parses source into an executable unit. name labels
// bare-number outputs during normalization.
func (s *Sandbox) Compile(name, source string) (engine.CompiledTemplate, error) {
	if keyword, blocked := s.Screen(source); blocked {
		return nil, &engine.BlockedTemplateError{Name: name, Keyword: keyword}
	}

	state := lua.NewState()
	openRestrictedLibraries(state)

	if err := lua.LoadString(state, source); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidTemplate, err)
	}
	// The loaded chunk is on top of the stack; park it in the registry
	// so each evaluation can re-run it.
	state.SetField(lua.RegistryIndex, chunkRegistryKey)

	tpl := &compiledTemplate{name: name, source: source, state: state}
	tpl.registerEmit()
	return tpl, nil
}

// Validate screens and compiles source, discarding the result. Used by
// computation CRUD to reject broken templates at save time.
func (s *Sandbox) Validate(name, source string) error {
	if source == "" {
		return nil
	}
	_, err := s.Compile(name, source)
	return err
}

func openRestrictedLibraries(l *lua.State) {
	lua.Require(l, "_G", lua.BaseOpen, true)
	l.Pop(1)
	lua.Require(l, "math", lua.MathOpen, true)
	l.Pop(1)
	lua.Require(l, "string", lua.StringOpen, true)
	l.Pop(1)
	lua.Require(l, "table", lua.TableOpen, true)
	l.Pop(1)
	for _, name := range strippedGlobals {
		l.PushNil()
		l.SetGlobal(name)
	}
}

// =============================================================================
// COMPILED TEMPLATE
// =============================================================================

// compiledTemplate is one template bound to its own restricted state.
// Evaluations are serialized by mu: a run may share one compiled unit
// across many sequential units, and parallelized callers stay safe.
type compiledTemplate struct {
	name   string
	source string
	state  *lua.State

	mu      sync.Mutex
	emitted []string // JSON candidates collected by emit_commission
}

// registerEmit installs emit_commission, which serializes its argument
// to JSON and records it as an output candidate.
func (t *compiledTemplate) registerEmit() {
	t.state.PushGoFunction(func(l *lua.State) int {
		value := luaToGo(l, 1, 0)
		encoded, err := json.Marshal(value)
		if err != nil {
			lua.Errorf(l, "emit_commission: unsupported value: %s", err.Error())
			return 0 // unreachable; Errorf does not return
		}
		t.emitted = append(t.emitted, string(encoded))
		l.PushString(string(encoded))
		return 1
	})
	t.state.SetGlobal("emit_commission")
}

// Evaluate runs the template against ectx and normalizes its output.
func (t *compiledTemplate) Evaluate(ectx engine.EvalContext) ([]engine.FormulaResult, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Defense in depth: the source may have been mutated or reloaded
	// between compile and run.
	if m := denylist.FindString(t.source); m != "" {
		return nil, 0, &engine.BlockedTemplateError{Name: t.name, Keyword: m}
	}

	l := t.state
	t.emitted = nil
	t.bindContext(ectx)

	l.Field(lua.RegistryIndex, chunkRegistryKey)
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		l.SetTop(0)
		return nil, 0, fmt.Errorf("template %q: %v", t.name, err)
	}

	// Prefer emitted candidates; fall back to the chunk's return value.
	rendered := t.emitted
	if len(rendered) == 0 {
		if fallback, ok := renderReturnValue(l); ok {
			rendered = []string{fallback}
		}
	}
	l.SetTop(0)

	var results []engine.FormulaResult
	dropped := 0
	for _, candidate := range rendered {
		rs, d := NormalizeOutput(t.name, candidate)
		results = append(results, rs...)
		dropped += d
	}
	return results, dropped, nil
}

// renderReturnValue serializes the value left on the stack by the chunk.
func renderReturnValue(l *lua.State) (string, bool) {
	if l.Top() == 0 || l.IsNil(-1) {
		return "", false
	}
	value := luaToGo(l, -1, 0)
	if value == nil {
		return "", false
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}

// bindContext installs the allow-listed evaluation API as globals.
func (t *compiledTemplate) bindContext(ectx engine.EvalContext) {
	l := t.state

	pushTotals(l, ectx.Totals)
	l.SetGlobal("totals")
	pushTotals(l, ectx.TotalsDR)
	l.SetGlobal("totals_dr")

	self, dr := ectx.Totals, ectx.TotalsDR
	l.PushGoFunction(func(l *lua.State) int {
		label := lua.CheckString(l, 1)
		l.PushNumber(self.Sum(label).InexactFloat64())
		return 1
	})
	l.SetGlobal("sum")
	l.PushGoFunction(func(l *lua.State) int {
		label := lua.CheckString(l, 1)
		l.PushNumber(dr.Sum(label).InexactFloat64())
		return 1
	})
	l.SetGlobal("sum_dr")
	l.PushGoFunction(func(l *lua.State) int {
		l.PushBoolean(self.Has(lua.CheckString(l, 1)))
		return 1
	})
	l.SetGlobal("has")
	l.PushGoFunction(func(l *lua.State) int {
		l.PushBoolean(dr.Has(lua.CheckString(l, 1)))
		return 1
	})
	l.SetGlobal("has_dr")

	l.NewTable()
	l.PushString(ectx.Period.Start)
	l.SetField(-2, "start")
	l.PushString(ectx.Period.End)
	l.SetField(-2, "end")
	l.PushString(ectx.Period.Label)
	l.SetField(-2, "label")
	l.PushString(ectx.Period.DueDate)
	l.SetField(-2, "due_date")
	l.PushString(ectx.Period.DueDate)
	l.SetField(-2, "dueDate")
	l.SetGlobal("period")

	l.PushNumber(float64(ectx.ParticipantID))
	l.SetGlobal("participant_id")
	l.PushNumber(float64(ectx.PlanID))
	l.SetGlobal("plan_id")

	pushPersonRefs(l, ectx.Rollup.DirectReports)
	l.SetGlobal("direct_reports")
	pushPersonRefs(l, ectx.Rollup.Descendants)
	l.SetGlobal("descendants")

	rollup := ectx.Rollup
	l.PushGoFunction(func(l *lua.State) int {
		pushRollup(l, rollup)
		return 1
	})
	l.SetGlobal("rollup_info")
}

func pushTotals(l *lua.State, totals engine.Totals) {
	l.NewTable()
	for label, value := range totals {
		l.PushNumber(value.InexactFloat64())
		l.SetField(-2, label)
	}
}

func pushPersonRefs(l *lua.State, refs []engine.PersonRef) {
	l.NewTable()
	for i, ref := range refs {
		l.NewTable()
		l.PushNumber(float64(ref.ID))
		l.SetField(-2, "id")
		l.PushString(ref.FirstName)
		l.SetField(-2, "first_name")
		l.PushString(ref.LastName)
		l.SetField(-2, "last_name")
		l.PushString(ref.Email)
		l.SetField(-2, "email")
		l.RawSetInt(-2, i+1)
	}
}

func pushIDList(l *lua.State, ids []int64) {
	l.NewTable()
	for i, id := range ids {
		l.PushNumber(float64(id))
		l.RawSetInt(-2, i+1)
	}
}

func pushRollup(l *lua.State, rollup engine.RollupMeta) {
	l.NewTable()
	l.PushString(string(rollup.Scope))
	l.SetField(-2, "scope")
	l.PushNumber(float64(rollup.ManagerID))
	l.SetField(-2, "manager_id")
	pushIDList(l, rollup.DirectReportIDs)
	l.SetField(-2, "direct_report_ids")
	pushIDList(l, rollup.DescendantIDs)
	l.SetField(-2, "descendant_ids")
	pushPersonRefs(l, rollup.DirectReports)
	l.SetField(-2, "direct_reports")
	pushPersonRefs(l, rollup.Descendants)
	l.SetField(-2, "descendants")
}
