// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package dynlib

import (
	goplugin "plugin"
	"sync"

	"github.com/toybox/toybox/pkg/plugin"
)

// goLibrary is a Go plugin. The runtime cannot unmap Go plugins, so Close
// only drops the handle; the code stays resident until exit.
type goLibrary struct {
	mu   sync.RWMutex
	path string
	p    *goplugin.Plugin
}

func openGoPlugin(path string, _ *plugin.Manifest) (Library, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, openError(path, err)
	}
	return &goLibrary{path: path, p: p}, nil
}

func (l *goLibrary) Path() string { return l.path }

func (l *goLibrary) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.p != nil
}

func (l *goLibrary) Lookup(name string) (Symbol, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.p == nil {
		return nil, ErrSymbolNotFound
	}
	sym, err := l.p.Lookup(name)
	if err != nil {
		return nil, ErrSymbolNotFound
	}
	return sym, nil
}

func (l *goLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.p = nil
	return nil
}
