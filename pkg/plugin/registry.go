// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package plugin

import (
	"sort"
	"sync"

	"github.com/samber/oops"
)

// Registration is a statically linked plugin's entry point pair.
type Registration struct {
	Load   LoadFunc
	Unload UnloadFunc
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register makes a plugin compiled into the host available to manifests
// with linkage "static". The module is the manifest's module field, or its
// name when module is empty. A nil unload means the instance needs no
// cleanup.
func Register(module string, load LoadFunc, unload UnloadFunc) error {
	if module == "" {
		return oops.In("plugin").Code("REGISTER_INVALID").Errorf("module name is required")
	}
	if load == nil {
		return oops.In("plugin").Code("REGISTER_INVALID").With("module", module).Errorf("load function is required")
	}
	if unload == nil {
		unload = func(Plugin) {}
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[module]; ok {
		return oops.In("plugin").Code("REGISTER_DUPLICATE").With("module", module).Errorf("module already registered")
	}
	registry[module] = Registration{Load: load, Unload: unload}
	return nil
}

// MustRegister is Register for init functions; it panics on error.
func MustRegister(module string, load LoadFunc, unload UnloadFunc) {
	if err := Register(module, load, unload); err != nil {
		panic(err)
	}
}

// Deregister removes a static registration.
func Deregister(module string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, module)
}

// Registered returns the registration for module.
func Registered(module string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[module]
	return r, ok
}

// RegisteredModules lists registered module names in sorted order.
func RegisteredModules() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
