// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package wasm hosts WebAssembly plugins using wazero.
//
// A module may export any of these functions:
//
//	on_attach()                      called once after load
//	on_detach()                      called once before unload
//	on_update(dt f64)                called every tick, dt in seconds
//	alloc(size i32) -> i32           required to receive messages
//	on_message(ptr, len i32) -> i32  JSON envelope; 1 marks it handled
//
// and may import from the "toybox" module:
//
//	log(level, ptr, len i32)         level 0..3 is debug, info, warn, error
//	post(ptr, len i32) -> i32        queue a JSON envelope, requires bus.post
//	send(ptr, len i32) -> i32        deliver a JSON envelope, requires bus.send
package wasm

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/toybox/toybox/internal/dynlib"
	"github.com/toybox/toybox/internal/plugin/capability"
	"github.com/toybox/toybox/pkg/message"
	"github.com/toybox/toybox/pkg/plugin"
)

// ModuleName is the import module that carries the host functions.
const ModuleName = "toybox"

// Status codes returned by post and send.
const (
	StatusOK      uint32 = 0
	StatusDenied  uint32 = 1
	StatusInvalid uint32 = 2
	StatusFailed  uint32 = 3
)

// Runtime opens WASM plugins.
type Runtime struct {
	enforcer *capability.Enforcer
}

// NewRuntime creates a runtime that checks bus access against enforcer.
// A nil enforcer denies every capability.
func NewRuntime(enforcer *capability.Enforcer) *Runtime {
	if enforcer == nil {
		enforcer = capability.NewEnforcer()
	}
	return &Runtime{enforcer: enforcer}
}

// Install registers the runtime as the opener for WASM linkage.
func (r *Runtime) Install() {
	dynlib.RegisterOpener(plugin.LinkageWASM, r.Open)
}

// Open reads and compiles the module at path.
func (r *Runtime) Open(path string, m *plugin.Manifest) (dynlib.Library, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("wasm").Code("DYNLIB_OPEN_FAILED").With("path", path).Wrapf(err, "failed to read module")
	}
	return r.OpenBytes(context.Background(), path, m, data)
}

// OpenBytes compiles an in-memory module. path is only used for reporting.
func (r *Runtime) OpenBytes(ctx context.Context, path string, m *plugin.Manifest, data []byte) (dynlib.Library, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, oops.In("wasm").
			Code("WASM_COMPILE_FAILED").
			With("plugin", m.Name).
			With("path", path).
			Wrapf(err, "failed to compile module")
	}

	slog.Debug("compiled WASM plugin", "plugin", m.Name, "size", len(data))
	return &library{path: path, manifest: m, runtime: rt, compiled: compiled, enforcer: r.enforcer}, nil
}

// library owns one wazero runtime. Each library is loaded at most once.
type library struct {
	mu       sync.Mutex
	path     string
	manifest *plugin.Manifest
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	enforcer *capability.Enforcer
	loaded   bool
	closed   bool
}

func (l *library) Path() string { return l.path }

func (l *library) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Close releases the runtime along with every module instantiated in it.
func (l *library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.runtime.Close(context.Background())
}

func (l *library) Lookup(name string) (dynlib.Symbol, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
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
	name := host.Manifest.Name
	errb := oops.In("wasm").With("plugin", name).With("path", l.path)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errb.Code("WASM_LIBRARY_CLOSED").Errorf("library is closed")
	}
	if l.loaded {
		return nil, errb.Code("WASM_ALREADY_LOADED").Errorf("module is already instantiated")
	}

	if err := l.enforcer.SetGrants(name, host.Manifest.Capabilities); err != nil {
		return nil, errb.Wrap(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &wasmPlugin{name: name, host: host, ctx: ctx, cancel: cancel, enforcer: l.enforcer}

	if _, err := l.hostModule(p).Instantiate(ctx); err != nil {
		cancel()
		l.enforcer.RemoveGrants(name)
		return nil, errb.Code("WASM_INSTANTIATE_FAILED").Wrapf(err, "failed to instantiate host module")
	}
	mod, err := l.runtime.InstantiateModule(ctx, l.compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		cancel()
		l.enforcer.RemoveGrants(name)
		return nil, errb.Code("WASM_INSTANTIATE_FAILED").Wrapf(err, "failed to instantiate module")
	}

	l.loaded = true
	p.mod = mod
	return p, nil
}

func (l *library) hostModule(p *wasmPlugin) wazero.HostModuleBuilder {
	b := l.runtime.NewHostModuleBuilder(ModuleName)
	b.NewFunctionBuilder().WithFunc(p.logFn).Export("log")
	b.NewFunctionBuilder().WithFunc(p.postFn).Export("post")
	b.NewFunctionBuilder().WithFunc(p.sendFn).Export("send")
	return b
}

func unload(p plugin.Plugin) {
	if wp, ok := p.(*wasmPlugin); ok {
		wp.close()
	}
}

// wasmPlugin adapts one module instance to the plugin lifecycle. Calls
// into the module are serialised.
type wasmPlugin struct {
	name     string
	host     *plugin.Host
	enforcer *capability.Enforcer

	mu     sync.Mutex
	mod    api.Module
	ctx    context.Context //nolint:containedctx // cancelled on unload to abort running calls
	cancel context.CancelFunc
	// busy is set while the module is running. Messages produced by the
	// module's own send are not delivered back to it.
	busy atomic.Bool
}

func (p *wasmPlugin) Name() string { return p.name }

func (p *wasmPlugin) OnAttach(*plugin.Host) error {
	return p.call("on_attach")
}

func (p *wasmPlugin) OnDetach() {
	if err := p.call("on_detach"); err != nil {
		p.logger().Error("wasm on_detach failed", "plugin", p.name, "error", err)
	}
}

func (p *wasmPlugin) OnUpdate(dt time.Duration) {
	if err := p.call("on_update", api.EncodeF64(dt.Seconds())); err != nil {
		p.logger().Error("wasm on_update failed", "plugin", p.name, "error", err)
	}
}

// OnMessage hands the module a JSON envelope. A trap marks the message
// failed.
func (p *wasmPlugin) OnMessage(m message.Message) {
	if p.busy.Load() {
		return
	}
	if ev, ok := m.(*plugin.ScriptEvent); ok && ev.Source == p.name {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mod == nil {
		return
	}
	onMessage := p.mod.ExportedFunction("on_message")
	alloc := p.mod.ExportedFunction("alloc")
	if onMessage == nil || alloc == nil {
		return
	}

	data, err := json.Marshal(plugin.NewEnvelope(m))
	if err != nil {
		m.MessageHeader().Fail(err.Error())
		return
	}

	p.busy.Store(true)
	defer p.busy.Store(false)

	res, err := alloc.Call(p.ctx, uint64(len(data)))
	if err != nil {
		m.MessageHeader().Fail("alloc failed: " + err.Error())
		return
	}
	if len(res) == 0 {
		m.MessageHeader().Fail("alloc returned no pointer")
		return
	}
	ptr := api.DecodeU32(res[0])
	if !p.mod.Memory().Write(ptr, data) {
		m.MessageHeader().Fail("message does not fit in module memory")
		return
	}

	res, err = onMessage.Call(p.ctx, uint64(ptr), uint64(len(data)))
	if err != nil {
		m.MessageHeader().Fail(err.Error())
		return
	}
	if len(res) > 0 && api.DecodeU32(res[0]) == 1 {
		m.MessageHeader().Handle()
	}
}

// call runs an export if the module defines it.
func (p *wasmPlugin) call(name string, args ...uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mod == nil {
		return nil
	}
	fn := p.mod.ExportedFunction(name)
	if fn == nil {
		return nil
	}
	p.busy.Store(true)
	defer p.busy.Store(false)
	if _, err := fn.Call(p.ctx, args...); err != nil {
		return oops.In("wasm").With("plugin", p.name).With("function", name).Wrap(err)
	}
	return nil
}

func (p *wasmPlugin) logger() *slog.Logger {
	if p.host != nil && p.host.Logger != nil {
		return p.host.Logger
	}
	return slog.Default()
}

func (p *wasmPlugin) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mod == nil {
		return
	}
	p.cancel()
	_ = p.mod.Close(context.Background())
	p.mod = nil
	p.enforcer.RemoveGrants(p.name)
}

var levels = [...]slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}

func (p *wasmPlugin) logFn(ctx context.Context, mod api.Module, level, ptr, size uint32) {
	data, ok := mod.Memory().Read(ptr, size)
	if !ok {
		p.logger().Warn("wasm log out of bounds", "plugin", p.name, "ptr", ptr, "len", size)
		return
	}
	lvl := slog.LevelInfo
	if int(level) < len(levels) {
		lvl = levels[level]
	}
	p.logger().Log(ctx, lvl, string(data), "source", "wasm", "plugin", p.name)
}

// envelope reads a JSON envelope written by the module.
func (p *wasmPlugin) envelope(mod api.Module, ptr, size uint32) (*plugin.ScriptEvent, bool) {
	data, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, false
	}
	var env plugin.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Name == "" {
		return nil, false
	}
	return env.Event(p.name), true
}

func (p *wasmPlugin) postFn(_ context.Context, mod api.Module, ptr, size uint32) uint32 {
	if !p.enforcer.Check(p.name, capability.BusPost) {
		return StatusDenied
	}
	ev, ok := p.envelope(mod, ptr, size)
	if !ok {
		return StatusInvalid
	}
	if p.host.Dispatcher == nil {
		return StatusFailed
	}
	p.host.Dispatcher.Post(ev)
	return StatusOK
}

func (p *wasmPlugin) sendFn(_ context.Context, mod api.Module, ptr, size uint32) uint32 {
	if !p.enforcer.Check(p.name, capability.BusSend) {
		return StatusDenied
	}
	ev, ok := p.envelope(mod, ptr, size)
	if !ok {
		return StatusInvalid
	}
	if p.host.Dispatcher == nil {
		return StatusFailed
	}
	if res := p.host.Dispatcher.Send(ev); !res.Succeeded {
		return StatusFailed
	}
	return StatusOK
}
