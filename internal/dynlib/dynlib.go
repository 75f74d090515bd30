// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package dynlib opens plugin binaries and resolves their symbols.
//
// Each linkage has its own backend. Native shared libraries and Go plugins
// are handled here; interpreter-backed linkages (Lua, WASM, external
// processes) register an Opener from their own packages.
package dynlib

import (
	"errors"
	"os"
	"sync"

	"github.com/samber/oops"

	"github.com/toybox/toybox/pkg/plugin"
)

// ErrSymbolNotFound is returned by Lookup when the symbol is absent or the
// library is no longer loaded.
var ErrSymbolNotFound = errors.New("symbol not found")

// Symbol is a resolved symbol. Its dynamic type depends on the backend:
// Addr for native libraries, the exported value for Go plugins, and
// plugin.LoadFunc / plugin.UnloadFunc for the in-process backends.
type Symbol any

// Library is an open plugin binary.
type Library interface {
	// Path is the file the library was opened from.
	Path() string
	// Lookup resolves a named symbol. Symbols must not be used after Close.
	Lookup(name string) (Symbol, error)
	// Close unloads the library. Calling it again is a no-op.
	Close() error
	// Loaded reports whether the library is still open.
	Loaded() bool
}

// Opener opens a library for one linkage.
type Opener func(path string, m *plugin.Manifest) (Library, error)

var (
	openersMu sync.RWMutex
	openers   = map[plugin.Linkage]Opener{
		plugin.LinkageNative: openNative,
		plugin.LinkageGo:     openGoPlugin,
		plugin.LinkageStatic: openStatic,
	}
)

// RegisterOpener installs the opener for a linkage, replacing any previous
// one.
func RegisterOpener(linkage plugin.Linkage, opener Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[linkage] = opener
}

// Supported reports whether an opener is installed for linkage.
func Supported(linkage plugin.Linkage) bool {
	openersMu.RLock()
	defer openersMu.RUnlock()
	_, ok := openers[linkage]
	return ok
}

// Open opens the binary described by m.
func Open(m *plugin.Manifest) (Library, error) {
	linkage := m.Linkage
	if linkage == "" {
		linkage = plugin.LinkageNative
	}

	openersMu.RLock()
	opener, ok := openers[linkage]
	openersMu.RUnlock()
	if !ok {
		return nil, oops.In("dynlib").
			Code("DYNLIB_UNSUPPORTED").
			With("plugin", m.Name).
			With("linkage", string(linkage)).
			Errorf("no loader for linkage %q", linkage)
	}

	// Native libraries try several candidate names and report on their own.
	if linkage != plugin.LinkageStatic && linkage != plugin.LinkageNative {
		if _, err := os.Stat(m.Path); err != nil {
			return nil, openError(m.Path, err)
		}
	}

	lib, err := opener(m.Path, m)
	if err != nil {
		return nil, err
	}
	return lib, nil
}

func openError(path string, err error) error {
	return oops.In("dynlib").
		Code("DYNLIB_OPEN_FAILED").
		With("path", path).
		Hint("check that the plugin binary exists and was built for this platform").
		Wrapf(err, "failed to open library")
}

// Addr is the address of a symbol in a native library.
type Addr uintptr

// Call invokes the C function at a with integer-sized arguments and
// returns its integer-sized result.
func (a Addr) Call(args ...uintptr) uintptr {
	return callAddr(uintptr(a), args...)
}
