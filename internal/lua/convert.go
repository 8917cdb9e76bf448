package lua

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// GoToLua converts a Go value to Lua.
func GoToLua(L *lua.LState, val interface{}) lua.LValue {
	if val == nil {
		return lua.LNil
	}

	switch v := val.(type) {
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(float64(v))
	case int64:
		return lua.LNumber(float64(v))
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []interface{}:
		tbl := L.NewTable()
		for i, item := range v {
			L.RawSetInt(tbl, i+1, GoToLua(L, item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, item := range v {
			L.SetField(tbl, k, GoToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// LuaToGo converts a Lua value to Go.
// Tables whose keys are exactly 1..n become slices, other tables become maps keyed by
// the string form of each key. Table fields prefixed with "_" are skipped
// (internal/private fields) and functions convert to nil. A table nested inside itself
// converts to nil at the point where it repeats.
func LuaToGo(val lua.LValue) interface{} {
	return luaToGo(val, make(map[*lua.LTable]bool))
}

// luaToGo converts val; active holds the tables being converted on the current path.
func luaToGo(val lua.LValue, active map[*lua.LTable]bool) interface{} {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if active[v] {
			return nil
		}
		active[v] = true
		defer delete(active, v)

		if n, ok := sequenceLength(v); ok {
			arr := make([]interface{}, n)
			for i := 1; i <= n; i++ {
				arr[i-1] = luaToGo(v.RawGetInt(i), active)
			}
			return arr
		}

		m := make(map[string]interface{})
		v.ForEach(func(key, value lua.LValue) {
			switch k := key.(type) {
			case lua.LString:
				if !strings.HasPrefix(string(k), "_") {
					m[string(k)] = luaToGo(value, active)
				}
			case lua.LNumber:
				m[k.String()] = luaToGo(value, active)
			}
		})
		return m
	default:
		return nil
	}
}

// sequenceLength reports whether tbl's keys are exactly the integers 1..n, ignoring
// "_" fields, and returns n. Empty tables are not sequences.
func sequenceLength(tbl *lua.LTable) (int, bool) {
	count := 0
	maxN := 0
	sequence := true
	tbl.ForEach(func(key, _ lua.LValue) {
		if !sequence {
			return
		}
		switch k := key.(type) {
		case lua.LNumber:
			n := int(k)
			if float64(n) != float64(k) || n < 1 {
				sequence = false
				return
			}
			count++
			if n > maxN {
				maxN = n
			}
		case lua.LString:
			if !strings.HasPrefix(string(k), "_") {
				sequence = false
			}
		default:
			sequence = false
		}
	})
	if !sequence || count == 0 || count != maxN {
		return 0, false
	}
	return maxN, true
}
