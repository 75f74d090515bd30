// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

//go:build windows

package dynlib

import (
	"sync"
	"syscall"

	"github.com/samber/oops"
	"golang.org/x/sys/windows"

	"github.com/toybox/toybox/pkg/plugin"
)

// nativeLibrary is a DLL mapped with LoadLibrary.
type nativeLibrary struct {
	mu   sync.RWMutex
	path string
	dll  *windows.DLL
}

func openNative(path string, _ *plugin.Manifest) (Library, error) {
	dll, err := windows.LoadDLL(path)
	if err != nil {
		return nil, openError(path, err)
	}
	return &nativeLibrary{path: path, dll: dll}, nil
}

func (l *nativeLibrary) Path() string { return l.path }

func (l *nativeLibrary) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dll != nil
}

func (l *nativeLibrary) Lookup(name string) (Symbol, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.dll == nil {
		return nil, ErrSymbolNotFound
	}
	proc, err := l.dll.FindProc(name)
	if err != nil {
		return nil, ErrSymbolNotFound
	}
	return Addr(proc.Addr()), nil
}

func (l *nativeLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dll == nil {
		return nil
	}
	dll := l.dll
	l.dll = nil
	if err := dll.Release(); err != nil {
		return oops.In("dynlib").With("path", l.path).Wrapf(err, "failed to release library")
	}
	return nil
}

func callAddr(fn uintptr, args ...uintptr) uintptr {
	r1, _, _ := syscall.SyscallN(fn, args...)
	return r1
}
