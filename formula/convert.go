/*
convert.go - Lua value to Go value conversion

PURPOSE:
  Converts the Lua values a template emits into plain Go values so they
  can be serialized to JSON. Tables become []any when they are pure
  sequences (keys 1..n) and map[string]any otherwise; numeric keys in a
  mixed table are stringified.

  Conversion is depth-limited: self-referential tables flatten to nil
  past the limit instead of recursing forever.
*/
package formula

import (
	"strconv"

	"github.com/Shopify/go-lua"
)

// maxConvertDepth bounds recursion into nested tables.
const maxConvertDepth = 16

// luaToGo converts the value at index into a Go value.
func luaToGo(l *lua.State, index, depth int) any {
	if depth > maxConvertDepth {
		return nil
	}
	switch l.TypeOf(index) {
	case lua.TypeNil:
		return nil
	case lua.TypeBoolean:
		return l.ToBoolean(index)
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return n
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s
	case lua.TypeTable:
		return tableToGo(l, index, depth)
	default:
		// functions, userdata, threads have no JSON shape
		return nil
	}
}

func tableToGo(l *lua.State, index, depth int) any {
	abs := l.AbsIndex(index)

	if n := l.RawLength(abs); n > 0 && isSequence(l, abs, n) {
		seq := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			l.RawGetInt(abs, i)
			seq = append(seq, luaToGo(l, -1, depth+1))
			l.Pop(1)
		}
		return seq
	}

	out := make(map[string]any)
	l.PushNil()
	for l.Next(abs) {
		// key at -2, value at -1
		var key string
		switch l.TypeOf(-2) {
		case lua.TypeString:
			key, _ = l.ToString(-2)
		case lua.TypeNumber:
			n, _ := l.ToNumber(-2)
			key = strconv.FormatFloat(n, 'f', -1, 64)
		default:
			l.Pop(1)
			continue
		}
		out[key] = luaToGo(l, -1, depth+1)
		l.Pop(1)
	}
	return out
}

// isSequence reports whether the table has only the keys 1..n.
func isSequence(l *lua.State, abs, n int) bool {
	count := 0
	l.PushNil()
	for l.Next(abs) {
		count++
		l.Pop(1)
	}
	return count == n
}
