// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/toybox/toybox/internal/dynlib"
	"github.com/toybox/toybox/pkg/plugin"
)

// LibraryOpener opens the binary described by a manifest.
type LibraryOpener func(m *plugin.Manifest) (dynlib.Library, error)

// Record owns one loaded plugin: its library, its instance and the
// reference count other components hold on it.
type Record struct {
	manifest *plugin.Manifest
	lib      dynlib.Library
	instance plugin.Plugin
	unload   plugin.UnloadFunc
	refs     atomic.Int32

	closeOnce sync.Once
	closeErr  error
}

// OpenRecord opens the plugin binary, resolves its entry points and
// constructs the instance. The returned record holds one reference.
func OpenRecord(ctx context.Context, m *plugin.Manifest, host *plugin.Host, open LibraryOpener) (*Record, error) {
	if open == nil {
		open = dynlib.Open
	}
	errb := oops.In("record").With("plugin", m.Name).With("path", m.Path)

	lib, err := open(m)
	if err != nil {
		return nil, errb.Code("RECORD_OPEN_FAILED").
			Wrapf(err, "failed to load plugin %s, does it exist at %s?", m.Name, m.Path)
	}

	load, unload, err := resolveEntryPoints(m, lib)
	if err != nil {
		_ = lib.Close()
		return nil, errb.Code("RECORD_MISSING_ENTRYPOINT").
			Hint("is it calling plugin.Register / TOYBOX_REGISTER_PLUGIN?").
			Wrapf(err, "plugin %s does not export its entry points", m.Name)
	}

	instance, err := callLoad(load, host)
	if err == nil && instance == nil {
		err = fmt.Errorf("Load returned no instance")
	}
	if err != nil {
		_ = lib.Close()
		return nil, errb.Code("RECORD_LOAD_FAILED").Wrapf(err, "failed to construct plugin %s", m.Name)
	}

	r := &Record{
		manifest: m,
		lib:      lib,
		instance: instance,
		unload:   unload,
	}
	r.refs.Store(1)

	logger := slog.Default()
	if host != nil && host.Logger != nil {
		logger = host.Logger
	}
	logger.DebugContext(ctx, "plugin instance created",
		"plugin", m.Name,
		"linkage", string(m.Linkage),
		"path", lib.Path())
	return r, nil
}

func callLoad(load plugin.LoadFunc, host *plugin.Host) (p plugin.Plugin, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("Load panicked: %v", rec)
		}
	}()
	return load(host)
}

func resolveEntryPoints(m *plugin.Manifest, lib dynlib.Library) (plugin.LoadFunc, plugin.UnloadFunc, error) {
	loadSym, err := lib.Lookup(plugin.LoadSymbol)
	if err != nil {
		return nil, nil, fmt.Errorf("symbol %s: %w", plugin.LoadSymbol, err)
	}
	unloadSym, err := lib.Lookup(plugin.UnloadSymbol)
	if err != nil {
		return nil, nil, fmt.Errorf("symbol %s: %w", plugin.UnloadSymbol, err)
	}

	// Native libraries export C functions; bridge both ends together.
	if loadAddr, ok := loadSym.(dynlib.Addr); ok {
		unloadAddr, ok := unloadSym.(dynlib.Addr)
		if !ok {
			return nil, nil, fmt.Errorf("symbol %s has type %T, want a C function", plugin.UnloadSymbol, unloadSym)
		}
		return nativeLoad(m, lib, loadAddr), nativeUnload(unloadAddr), nil
	}

	load, ok := asLoadFunc(loadSym)
	if !ok {
		return nil, nil, fmt.Errorf("symbol %s has unsupported type %T", plugin.LoadSymbol, loadSym)
	}
	unload, ok := asUnloadFunc(unloadSym)
	if !ok {
		return nil, nil, fmt.Errorf("symbol %s has unsupported type %T", plugin.UnloadSymbol, unloadSym)
	}
	return load, unload, nil
}

func asLoadFunc(sym dynlib.Symbol) (plugin.LoadFunc, bool) {
	switch fn := sym.(type) {
	case plugin.LoadFunc:
		return fn, fn != nil
	case func(*plugin.Host) (plugin.Plugin, error):
		return fn, fn != nil
	case *plugin.LoadFunc:
		if fn == nil || *fn == nil {
			return nil, false
		}
		return *fn, true
	case *func(*plugin.Host) (plugin.Plugin, error):
		if fn == nil || *fn == nil {
			return nil, false
		}
		return *fn, true
	}
	return nil, false
}

func asUnloadFunc(sym dynlib.Symbol) (plugin.UnloadFunc, bool) {
	switch fn := sym.(type) {
	case plugin.UnloadFunc:
		return fn, fn != nil
	case func(plugin.Plugin):
		return fn, fn != nil
	case *plugin.UnloadFunc:
		if fn == nil || *fn == nil {
			return nil, false
		}
		return *fn, true
	case *func(plugin.Plugin):
		if fn == nil || *fn == nil {
			return nil, false
		}
		return *fn, true
	}
	return nil, false
}

// Manifest returns the plugin's manifest.
func (r *Record) Manifest() *plugin.Manifest { return r.manifest }

// Name returns the plugin name from the manifest.
func (r *Record) Name() string { return r.manifest.Name }

// Plugin returns the instance, or nil once the record is closed.
func (r *Record) Plugin() plugin.Plugin { return r.instance }

// Acquire takes a reference.
func (r *Record) Acquire() { r.refs.Add(1) }

// Release drops a reference taken with Acquire.
func (r *Record) Release() { r.refs.Add(-1) }

// Refs returns the current reference count.
func (r *Record) Refs() int { return int(r.refs.Load()) }

// Close destroys the instance through the library's Unload entry point and
// closes the library. Only the first call has any effect.
func (r *Record) Close() error {
	r.closeOnce.Do(func() {
		unloadErr := callUnload(r.unload, r.instance)
		closeErr := r.lib.Close()
		r.instance = nil
		if unloadErr != nil {
			r.closeErr = oops.In("record").With("plugin", r.Name()).Wrap(unloadErr)
			return
		}
		if closeErr != nil {
			r.closeErr = oops.In("record").With("plugin", r.Name()).Wrapf(closeErr, "failed to close library")
		}
	})
	return r.closeErr
}

func callUnload(unload plugin.UnloadFunc, p plugin.Plugin) (err error) {
	if unload == nil || p == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("Unload panicked: %v", rec)
		}
	}()
	unload(p)
	return nil
}

// As returns the record's instance as T.
func As[T any](r *Record) (T, bool) {
	var zero T
	if r == nil || r.instance == nil {
		return zero, false
	}
	v, ok := r.instance.(T)
	return v, ok
}

// Optional C entry points of native plugins.
const (
	nativeAttachSymbol = "Attach"
	nativeDetachSymbol = "Detach"
	nativeUpdateSymbol = "Update"
)

// nativePlugin wraps the opaque pointer returned by a C Load function.
type nativePlugin struct {
	name   string
	handle uintptr
	attach dynlib.Addr
	detach dynlib.Addr
	update dynlib.Addr
}

func (p *nativePlugin) Name() string { return p.name }

func (p *nativePlugin) OnAttach(*plugin.Host) error {
	if p.attach != 0 {
		p.attach.Call(p.handle)
	}
	return nil
}

func (p *nativePlugin) OnDetach() {
	if p.detach != 0 {
		p.detach.Call(p.handle)
	}
}

// OnUpdate passes the elapsed time in nanoseconds.
func (p *nativePlugin) OnUpdate(dt time.Duration) {
	if p.update != 0 {
		p.update.Call(p.handle, uintptr(dt.Nanoseconds()))
	}
}

func nativeLoad(m *plugin.Manifest, lib dynlib.Library, load dynlib.Addr) plugin.LoadFunc {
	optional := func(name string) dynlib.Addr {
		sym, err := lib.Lookup(name)
		if err != nil {
			return 0
		}
		addr, _ := sym.(dynlib.Addr)
		return addr
	}
	return func(*plugin.Host) (plugin.Plugin, error) {
		// C plugins receive no host handle; they talk to the host through
		// their own exports only.
		handle := load.Call(0)
		if handle == 0 {
			return nil, fmt.Errorf("Load returned a null instance")
		}
		return &nativePlugin{
			name:   m.Name,
			handle: handle,
			attach: optional(nativeAttachSymbol),
			detach: optional(nativeDetachSymbol),
			update: optional(nativeUpdateSymbol),
		}, nil
	}
}

func nativeUnload(unload dynlib.Addr) plugin.UnloadFunc {
	return func(p plugin.Plugin) {
		if np, ok := p.(*nativePlugin); ok {
			unload.Call(np.handle)
		}
	}
}
