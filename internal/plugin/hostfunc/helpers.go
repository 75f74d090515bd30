// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package hostfunc

import (
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// pushError pushes nil followed by an error string to the Lua stack and returns 2.
// This is the standard pattern for returning errors from host functions.
func pushError(L *lua.LState, errMsg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(errMsg))
	return 2
}

// pushSuccess pushes a value followed by nil (no error) to the Lua stack and returns 2.
func pushSuccess(L *lua.LState, value lua.LValue) int {
	L.Push(value)
	L.Push(lua.LNil)
	return 2
}

// ToGo converts a Lua value to plain Go data. Tables with keys 1..n
// become []any, other tables map[string]any; functions and userdata
// become nil.
func ToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if n := val.Len(); n > 0 && countKeys(val) == n {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, ToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, v lua.LValue) {
			out[keyString(k)] = ToGo(v)
		})
		return out
	default:
		return nil
	}
}

func countKeys(t *lua.LTable) int {
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}

func keyString(k lua.LValue) string {
	if s, ok := k.(lua.LString); ok {
		return string(s)
	}
	return k.String()
}

// ToLua converts plain Go data, as produced by ToGo or encoding/json, to
// a Lua value.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(ToLua(L, item))
		}
		return t
	case []string:
		t := L.NewTable()
		for _, item := range val {
			t.Append(lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, ToLua(L, val[k]))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
