// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

//go:build !(darwin || freebsd || linux || netbsd || windows)

package dynlib

import (
	"runtime"

	"github.com/samber/oops"

	"github.com/toybox/toybox/pkg/plugin"
)

func openNative(path string, _ *plugin.Manifest) (Library, error) {
	return nil, oops.In("dynlib").
		Code("DYNLIB_UNSUPPORTED").
		With("path", path).
		With("goos", runtime.GOOS).
		Errorf("native plugins are not supported on this platform")
}

func callAddr(uintptr, ...uintptr) uintptr {
	panic("dynlib: native calls are not supported on " + runtime.GOOS)
}
