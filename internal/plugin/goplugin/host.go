// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package goplugin runs plugins as separate processes using HashiCorp's
// go-plugin system over net/rpc.
package goplugin

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/toybox/toybox/internal/dynlib"
	"github.com/toybox/toybox/internal/plugin/capability"
	"github.com/toybox/toybox/pkg/message"
	"github.com/toybox/toybox/pkg/plugin"
	"github.com/toybox/toybox/pkg/pluginsdk"
)

// DefaultCallTimeout bounds every call into a plugin process.
const DefaultCallTimeout = 5 * time.Second

// Runtime opens process plugins.
type Runtime struct {
	enforcer      *capability.Enforcer
	clientFactory ClientFactory
	callTimeout   time.Duration
}

// NewRuntime creates a process runtime.
// Panics if enforcer is nil.
func NewRuntime(enforcer *capability.Enforcer) *Runtime {
	return NewRuntimeWithFactory(enforcer, &DefaultClientFactory{})
}

// NewRuntimeWithFactory creates a runtime with a custom client factory (for testing).
// Panics if enforcer or factory is nil.
func NewRuntimeWithFactory(enforcer *capability.Enforcer, factory ClientFactory) *Runtime {
	if enforcer == nil {
		panic("goplugin: enforcer cannot be nil")
	}
	if factory == nil {
		panic("goplugin: factory cannot be nil")
	}
	return &Runtime{
		enforcer:      enforcer,
		clientFactory: factory,
		callTimeout:   DefaultCallTimeout,
	}
}

// SetCallTimeout changes the per-call timeout. Zero or less restores the
// default.
func (r *Runtime) SetCallTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultCallTimeout
	}
	r.callTimeout = d
}

// Install registers the runtime as the opener for process linkage.
func (r *Runtime) Install() {
	dynlib.RegisterOpener(plugin.LinkageProcess, r.Open)
}

// Open prepares the executable at path. The process starts on Load.
func (r *Runtime) Open(path string, m *plugin.Manifest) (dynlib.Library, error) {
	return &library{path: path, manifest: m, runtime: r}, nil
}

// library is one plugin executable. Load starts its process and Close
// kills it.
type library struct {
	mu       sync.Mutex
	path     string
	manifest *plugin.Manifest
	runtime  *Runtime
	client   PluginClient
	closed   bool
}

func (l *library) Path() string { return l.path }

func (l *library) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

func (l *library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.client != nil {
		l.client.Kill()
		l.client = nil
	}
	return nil
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
	errb := oops.In("goplugin").With("plugin", name).With("path", l.path)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errb.Code("PROCESS_LIBRARY_CLOSED").Errorf("library is closed")
	}
	if l.client != nil {
		return nil, errb.Code("PROCESS_ALREADY_LOADED").Errorf("plugin process is already running")
	}

	client := l.runtime.clientFactory.NewClient(name, l.path)
	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, errb.Code("PROCESS_CONNECT_FAILED").Wrapf(err, "failed to connect to plugin %s", name)
	}
	raw, err := rpcClient.Dispense(pluginsdk.PluginName)
	if err != nil {
		client.Kill()
		return nil, errb.Code("PROCESS_DISPENSE_FAILED").Wrapf(err, "failed to dispense plugin %s", name)
	}
	rc, ok := raw.(*pluginsdk.RPCClient)
	if !ok {
		client.Kill()
		return nil, errb.Code("PROCESS_DISPENSE_FAILED").Errorf("plugin %s does not implement the toybox protocol", name)
	}
	if err := l.runtime.enforcer.SetGrants(name, host.Manifest.Capabilities); err != nil {
		client.Kill()
		return nil, errb.Wrapf(err, "failed to set capabilities for plugin %s", name)
	}

	l.client = client
	return &processPlugin{
		name:     name,
		host:     host,
		rpc:      rc,
		enforcer: l.runtime.enforcer,
		timeout:  l.runtime.callTimeout,
	}, nil
}

func unload(p plugin.Plugin) {
	if pp, ok := p.(*processPlugin); ok {
		pp.close()
	}
}

// processPlugin forwards the plugin lifecycle over RPC and posts the
// envelopes the process emits.
type processPlugin struct {
	name     string
	host     *plugin.Host
	rpc      *pluginsdk.RPCClient
	enforcer *capability.Enforcer
	timeout  time.Duration

	mu     sync.Mutex
	closed bool
	// busy is set while a call is in flight. Messages that arrive
	// re-entrantly are not forwarded.
	busy atomic.Bool
}

func (p *processPlugin) Name() string { return p.name }

func (p *processPlugin) OnAttach(*plugin.Host) error {
	reply, err := p.call(func(ctx context.Context) (pluginsdk.Reply, error) {
		return p.rpc.Attach(ctx, p.name)
	})
	if err != nil {
		return oops.In("goplugin").With("plugin", p.name).Wrapf(err, "attach failed")
	}
	p.emit(reply.Emit)
	return nil
}

func (p *processPlugin) OnDetach() {
	_, err := p.call(func(ctx context.Context) (pluginsdk.Reply, error) {
		return pluginsdk.Reply{}, p.rpc.Detach(ctx, p.name)
	})
	if err != nil {
		p.logger().Error("plugin detach failed", "plugin", p.name, "error", err)
	}
}

func (p *processPlugin) OnUpdate(dt time.Duration) {
	reply, err := p.call(func(ctx context.Context) (pluginsdk.Reply, error) {
		return p.rpc.Update(ctx, dt)
	})
	if err != nil {
		p.logger().Error("plugin update failed", "plugin", p.name, "error", err)
		return
	}
	p.emit(reply.Emit)
}

func (p *processPlugin) OnMessage(m message.Message) {
	if p.busy.Load() {
		return
	}
	if ev, ok := m.(*plugin.ScriptEvent); ok && ev.Source == p.name {
		return
	}
	env := plugin.NewEnvelope(m)
	reply, err := p.call(func(ctx context.Context) (pluginsdk.Reply, error) {
		return p.rpc.Message(ctx, env)
	})
	if err != nil {
		m.MessageHeader().Fail(err.Error())
		return
	}
	if reply.Handled {
		m.MessageHeader().Handle()
	}
	p.emit(reply.Emit)
}

func (p *processPlugin) call(fn func(context.Context) (pluginsdk.Reply, error)) (pluginsdk.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return pluginsdk.Reply{}, nil
	}
	p.busy.Store(true)
	defer p.busy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return fn(ctx)
}

// emit posts envelopes on the plugin's behalf. Without bus.post they are
// dropped.
func (p *processPlugin) emit(envs []pluginsdk.Envelope) {
	if len(envs) == 0 {
		return
	}
	if err := p.enforcer.Require(p.name, capability.BusPost); err != nil {
		p.logger().Warn("dropping plugin output", "plugin", p.name, "count", len(envs), "error", err)
		return
	}
	if p.host.Dispatcher == nil {
		return
	}
	for _, env := range envs {
		if env.Name == "" {
			p.logger().Warn("dropping unnamed envelope", "plugin", p.name)
			continue
		}
		p.host.Dispatcher.Post(env.Event(p.name))
	}
}

func (p *processPlugin) logger() *slog.Logger {
	if p.host != nil && p.host.Logger != nil {
		return p.host.Logger
	}
	return slog.Default()
}

func (p *processPlugin) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.enforcer.RemoveGrants(p.name)
}
