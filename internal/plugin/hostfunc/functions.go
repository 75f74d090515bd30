// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package hostfunc provides the toybox.* host module to Lua plugins.
//
// Logging and ID generation are always available. Functions that put
// messages on the bus require a capability from the plugin's manifest.
//
//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package hostfunc

import (
	"context"
	"log/slog"

	lua "github.com/yuin/gopher-lua"

	"github.com/toybox/toybox/internal/plugin/capability"
	"github.com/toybox/toybox/pkg/message"
	"github.com/toybox/toybox/pkg/plugin"
)

// ModuleName is the Lua global the host functions are installed under.
const ModuleName = "toybox"

// Functions provides host functions to Lua plugins.
type Functions struct {
	enforcer *capability.Enforcer
}

// New creates host functions guarded by enforcer.
// Panics if enforcer is nil.
func New(enforcer *capability.Enforcer) *Functions {
	if enforcer == nil {
		panic("hostfunc.New: enforcer cannot be nil")
	}
	return &Functions{enforcer: enforcer}
}

// Enforcer returns the capability enforcer the functions check against.
func (f *Functions) Enforcer() *capability.Enforcer { return f.enforcer }

// Register installs the toybox module in a Lua state on behalf of the
// plugin the host describes.
func (f *Functions) Register(L *lua.LState, host *plugin.Host) {
	name := pluginName(host)
	mod := L.NewTable()

	L.SetField(mod, "log", L.NewFunction(f.logFn(name, hostLogger(host))))
	L.SetField(mod, "new_id", L.NewFunction(newIDFn))
	L.SetField(mod, "post", L.NewFunction(f.wrap(name, capability.BusPost, f.postFn(name, host))))
	L.SetField(mod, "send", L.NewFunction(f.wrap(name, capability.BusSend, f.sendFn(name, host))))

	L.SetGlobal(ModuleName, mod)
}

func pluginName(host *plugin.Host) string {
	if host == nil || host.Manifest == nil {
		return ""
	}
	return host.Manifest.Name
}

func hostLogger(host *plugin.Host) *slog.Logger {
	if host != nil && host.Logger != nil {
		return host.Logger
	}
	return slog.Default()
}

func (f *Functions) wrap(pluginName, capName string, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if !f.enforcer.Check(pluginName, capName) {
			L.RaiseError("capability denied: %s requires %s", pluginName, capName)
			return 0
		}
		return fn(L)
	}
}

func (f *Functions) logFn(pluginName string, logger *slog.Logger) lua.LGFunction {
	return func(L *lua.LState) int {
		level, ok := ParseLevel(L.CheckString(1))
		if !ok {
			L.ArgError(1, "level must be one of debug, info, warn, error")
			return 0
		}
		msg := L.CheckString(2)
		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		logger.Log(ctx, level, msg, "source", "lua", "plugin", pluginName)
		return 0
	}
}

// ParseLevel maps a script log level name to a slog level.
func ParseLevel(name string) (slog.Level, bool) {
	switch name {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func newIDFn(L *lua.LState) int {
	L.Push(lua.LString(message.NewID().String()))
	return 1
}

// scriptEvent builds the message for post and send from (name, data).
func scriptEvent(L *lua.LState, source string) *plugin.ScriptEvent {
	name := L.CheckString(1)
	ev := &plugin.ScriptEvent{Name: name, Source: source}
	if L.GetTop() >= 2 && L.Get(2) != lua.LNil {
		data, ok := ToGo(L.CheckTable(2)).(map[string]any)
		if !ok {
			L.ArgError(2, "data must be a table with string keys")
			return nil
		}
		ev.Data = data
	}
	return ev
}

// postFn queues a ScriptEvent and returns its id.
func (f *Functions) postFn(pluginName string, host *plugin.Host) lua.LGFunction {
	return func(L *lua.LState) int {
		ev := scriptEvent(L, pluginName)
		if ev == nil {
			return 0
		}
		if host == nil || host.Dispatcher == nil {
			return pushError(L, "dispatcher not available")
		}
		host.Dispatcher.Post(ev)
		return pushSuccess(L, lua.LString(ev.ID.String()))
	}
}

// sendFn delivers a ScriptEvent synchronously and returns ok, report.
func (f *Functions) sendFn(pluginName string, host *plugin.Host) lua.LGFunction {
	return func(L *lua.LState) int {
		ev := scriptEvent(L, pluginName)
		if ev == nil {
			return 0
		}
		if host == nil || host.Dispatcher == nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString("dispatcher not available"))
			return 2
		}
		res := host.Dispatcher.Send(ev)
		L.Push(lua.LBool(res.Succeeded))
		L.Push(lua.LString(res.Report))
		return 2
	}
}

var _ message.Message = (*plugin.ScriptEvent)(nil)
