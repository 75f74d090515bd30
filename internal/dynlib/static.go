// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package dynlib

import (
	"sync"

	"github.com/samber/oops"

	"github.com/toybox/toybox/pkg/plugin"
)

// staticLibrary exposes a registration made with plugin.Register.
type staticLibrary struct {
	mu     sync.RWMutex
	module string
	reg    *plugin.Registration
}

func openStatic(_ string, m *plugin.Manifest) (Library, error) {
	module := m.Module
	if module == "" {
		module = m.Name
	}
	reg, ok := plugin.Registered(module)
	if !ok {
		return nil, oops.In("dynlib").
			Code("DYNLIB_OPEN_FAILED").
			With("plugin", m.Name).
			With("module", module).
			Hint("static plugins must call plugin.Register before the host loads them").
			Errorf("no static plugin registered as %q", module)
	}
	return &staticLibrary{module: module, reg: &reg}, nil
}

func (l *staticLibrary) Path() string { return "static:" + l.module }

func (l *staticLibrary) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reg != nil
}

func (l *staticLibrary) Lookup(name string) (Symbol, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.reg == nil {
		return nil, ErrSymbolNotFound
	}
	switch name {
	case plugin.LoadSymbol:
		return l.reg.Load, nil
	case plugin.UnloadSymbol:
		return l.reg.Unload, nil
	default:
		return nil, ErrSymbolNotFound
	}
}

func (l *staticLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reg = nil
	return nil
}
