// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

//go:build darwin || freebsd || linux || netbsd

package dynlib

import (
	"runtime"
	"sync"

	"github.com/ebitengine/purego"
	"github.com/samber/oops"

	"github.com/toybox/toybox/pkg/plugin"
)

// nativeLibrary is a shared object mapped with dlopen.
type nativeLibrary struct {
	mu     sync.RWMutex
	path   string
	handle uintptr
}

func openNative(path string, _ *plugin.Manifest) (Library, error) {
	var firstErr error
	for _, candidate := range plugin.NativeCandidates(path, runtime.GOOS) {
		handle, err := purego.Dlopen(candidate, purego.RTLD_NOW|purego.RTLD_LOCAL)
		if err == nil {
			return &nativeLibrary{path: candidate, handle: handle}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, openError(path, firstErr)
}

func (l *nativeLibrary) Path() string { return l.path }

func (l *nativeLibrary) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handle != 0
}

func (l *nativeLibrary) Lookup(name string) (Symbol, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.handle == 0 {
		return nil, ErrSymbolNotFound
	}
	addr, err := purego.Dlsym(l.handle, name)
	if err != nil || addr == 0 {
		return nil, ErrSymbolNotFound
	}
	return Addr(addr), nil
}

func (l *nativeLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == 0 {
		return nil
	}
	handle := l.handle
	l.handle = 0
	if err := purego.Dlclose(handle); err != nil {
		return oops.In("dynlib").With("path", l.path).Wrapf(err, "failed to close library")
	}
	return nil
}

func callAddr(fn uintptr, args ...uintptr) uintptr {
	r1, _, _ := purego.SyscallN(fn, args...)
	return r1
}
