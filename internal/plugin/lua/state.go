// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package lua runs Lua scripts as Toybox plugins.
//
//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package lua

import (
	"context"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// safeLibrary is a Lua library that may be opened in a sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns base, table, string and math.
// os, io, debug and package are never opened.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// unsafeBaseFunctions are removed from the base library because they
// reach the filesystem or compile arbitrary chunks.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load"}

// StateFactory creates sandboxed Lua states.
type StateFactory struct {
	libraries     []safeLibrary
	callStackSize int
}

// StateOption configures a StateFactory.
type StateOption func(*StateFactory)

// WithCallStackSize bounds script recursion depth.
func WithCallStackSize(n int) StateOption {
	return func(f *StateFactory) {
		if n > 0 {
			f.callStackSize = n
		}
	}
}

// NewStateFactory creates a factory opening only the safe libraries.
func NewStateFactory(opts ...StateOption) *StateFactory {
	f := &StateFactory{
		libraries:     defaultSafeLibraries(),
		callStackSize: lua.CallStackSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewState creates a fresh sandboxed state bound to ctx. Cancelling ctx
// aborts any script running in the state.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: f.callStackSize,
	})

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, oops.In("lua").With("library", lib.name).Wrapf(err, "failed to open library %s", lib.name)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	if ctx != nil {
		L.SetContext(ctx)
	}
	return L, nil
}
