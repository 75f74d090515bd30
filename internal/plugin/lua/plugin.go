// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package lua

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/toybox/toybox/internal/dynlib"
	"github.com/toybox/toybox/internal/plugin/hostfunc"
	"github.com/toybox/toybox/pkg/message"
	"github.com/toybox/toybox/pkg/plugin"
)

// Global callbacks a script may define.
const (
	fnAttach  = "on_attach"
	fnDetach  = "on_detach"
	fnUpdate  = "on_update"
	fnMessage = "on_message"
)

// Runtime opens Lua plugins.
type Runtime struct {
	factory *StateFactory
	funcs   *hostfunc.Functions
}

// NewRuntime creates a runtime using factory for states and funcs for the
// toybox host module.
func NewRuntime(factory *StateFactory, funcs *hostfunc.Functions) *Runtime {
	if factory == nil {
		factory = NewStateFactory()
	}
	return &Runtime{factory: factory, funcs: funcs}
}

// Install registers the runtime as the opener for Lua linkage.
func (r *Runtime) Install() {
	dynlib.RegisterOpener(plugin.LinkageLua, r.Open)
}

// Open reads and syntax-checks the script at path.
func (r *Runtime) Open(path string, m *plugin.Manifest) (dynlib.Library, error) {
	errb := oops.In("lua").With("plugin", m.Name).With("path", path)

	code, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, errb.Code("DYNLIB_OPEN_FAILED").Wrapf(err, "failed to read script")
	}
	if _, err := parse.Parse(strings.NewReader(string(code)), path); err != nil {
		return nil, errb.Code("LUA_SYNTAX_ERROR").Wrapf(err, "failed to compile script")
	}

	return &library{path: path, code: string(code), runtime: r, manifest: m}, nil
}

// library is a checked script. Its Load symbol builds a fresh state per
// instance.
type library struct {
	mu       sync.RWMutex
	path     string
	code     string
	runtime  *Runtime
	manifest *plugin.Manifest
	closed   bool
}

func (l *library) Path() string { return l.path }

func (l *library) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return !l.closed
}

func (l *library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *library) Lookup(name string) (dynlib.Symbol, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, dynlib.ErrSymbolNotFound
	}
	switch name {
	case plugin.LoadSymbol:
		return plugin.LoadFunc(l.load), nil
	case plugin.UnloadSymbol:
		return plugin.UnloadFunc(unload), nil
	default:
		return nil, dynlib.ErrSymbolNotFound
	}
}

func (l *library) load(host *plugin.Host) (plugin.Plugin, error) {
	if host == nil {
		host = &plugin.Host{}
	}
	if host.Manifest == nil {
		host.Manifest = l.manifest
	}
	m := host.Manifest
	errb := oops.In("lua").With("plugin", m.Name).With("path", l.path)

	ctx, cancel := context.WithCancel(context.Background())
	L, err := l.runtime.factory.NewState(ctx)
	if err != nil {
		cancel()
		return nil, errb.Wrap(err)
	}

	if l.runtime.funcs != nil {
		if err := l.runtime.funcs.Enforcer().SetGrants(m.Name, m.Capabilities); err != nil {
			L.Close()
			cancel()
			return nil, errb.Wrap(err)
		}
		l.runtime.funcs.Register(L, host)
	}

	if err := L.DoString(l.code); err != nil {
		L.Close()
		cancel()
		if l.runtime.funcs != nil {
			l.runtime.funcs.Enforcer().RemoveGrants(m.Name)
		}
		return nil, errb.Code("LUA_LOAD_FAILED").Wrapf(err, "script failed while loading")
	}

	p := &scriptPlugin{name: m.Name, host: host, L: L, cancel: cancel}
	if l.runtime.funcs != nil {
		p.enforcerCleanup = func() { l.runtime.funcs.Enforcer().RemoveGrants(m.Name) }
	}
	return p, nil
}

func unload(p plugin.Plugin) {
	if sp, ok := p.(*scriptPlugin); ok {
		sp.close()
	}
}

// scriptPlugin adapts a Lua state to the plugin lifecycle. The state is
// used by one call at a time.
type scriptPlugin struct {
	name            string
	host            *plugin.Host
	mu              sync.Mutex
	L               *lua.LState
	cancel          context.CancelFunc
	enforcerCleanup func()
	// busy is set while a callback runs. Messages that arrive re-entrantly,
	// for instance from toybox.send, are not delivered back to the script.
	busy atomic.Bool
}

func (p *scriptPlugin) Name() string { return p.name }

func (p *scriptPlugin) OnAttach(*plugin.Host) error {
	return p.call(fnAttach)
}

func (p *scriptPlugin) OnDetach() {
	if err := p.call(fnDetach); err != nil {
		p.logger().Error("lua on_detach failed", "plugin", p.name, "error", err)
	}
}

func (p *scriptPlugin) OnUpdate(dt time.Duration) {
	if err := p.call(fnUpdate, lua.LNumber(dt.Seconds())); err != nil {
		p.logger().Error("lua on_update failed", "plugin", p.name, "error", err)
	}
}

// OnMessage forwards m as a table {id, type, name, data}. A script
// failure marks the message failed with the script's error.
func (p *scriptPlugin) OnMessage(m message.Message) {
	if p.busy.Load() {
		return
	}
	if ev, ok := m.(*plugin.ScriptEvent); ok && ev.Source == p.name {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.L == nil {
		return
	}
	fn := p.L.GetGlobal(fnMessage)
	if fn.Type() != lua.LTFunction {
		return
	}

	handled, err := p.invoke(fn, p.messageTable(m))
	if err != nil {
		m.MessageHeader().Fail(err.Error())
		return
	}
	if handled == lua.LTrue {
		m.MessageHeader().Handle()
	}
}

func (p *scriptPlugin) messageTable(m message.Message) *lua.LTable {
	t := p.L.NewTable()
	h := m.MessageHeader()
	p.L.SetField(t, "id", lua.LString(h.ID.String()))
	p.L.SetField(t, "type", lua.LString(message.TypeName(m)))
	if ev, ok := m.(*plugin.ScriptEvent); ok {
		p.L.SetField(t, "name", lua.LString(ev.Name))
		p.L.SetField(t, "source", lua.LString(ev.Source))
		p.L.SetField(t, "data", hostfunc.ToLua(p.L, ev.Data))
	}
	return t
}

// call runs a global function if the script defines it.
func (p *scriptPlugin) call(name string, args ...lua.LValue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.L == nil {
		return nil
	}
	fn := p.L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return nil
	}
	_, err := p.invoke(fn, args...)
	if err != nil {
		return oops.In("lua").With("plugin", p.name).With("function", name).Wrap(err)
	}
	return nil
}

// invoke calls fn with p.mu held and returns its first result.
func (p *scriptPlugin) invoke(fn lua.LValue, args ...lua.LValue) (lua.LValue, error) {
	p.busy.Store(true)
	defer p.busy.Store(false)
	if err := p.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, err
	}
	ret := p.L.Get(-1)
	p.L.Pop(1)
	return ret, nil
}

func (p *scriptPlugin) logger() *slog.Logger {
	if p.host != nil && p.host.Logger != nil {
		return p.host.Logger
	}
	return slog.Default()
}

func (p *scriptPlugin) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.L == nil {
		return
	}
	p.cancel()
	p.L.Close()
	p.L = nil
	if p.enforcerCleanup != nil {
		p.enforcerCleanup()
	}
}
