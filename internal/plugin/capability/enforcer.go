// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package capability decides which host services a scripted plugin may use.
//
// Grants come from the manifest's capabilities list. Patterns use
// gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment
//   - '**' matches zero or more segments
//
// "bus.*" grants both "bus.post" and "bus.send"; "**" grants everything.
package capability

import (
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Capabilities checked by the host.
const (
	BusPost = "bus.post"
	BusSend = "bus.send"
)

type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer checks plugin capabilities at runtime. It is safe for
// concurrent use and the zero value is ready to use.
type Enforcer struct {
	mu     sync.RWMutex
	grants map[string][]compiledGrant
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]compiledGrant)}
}

// SetGrants replaces the capabilities of a plugin. Either every pattern
// compiles and the grants are replaced, or nothing changes.
func (e *Enforcer) SetGrants(plugin string, capabilities []string) error {
	errb := oops.In("capability").Code("CAPABILITY_INVALID").With("plugin", plugin)
	if plugin == "" {
		return errb.Errorf("plugin name cannot be empty")
	}

	compiled := make([]compiledGrant, len(capabilities))
	for i, pattern := range capabilities {
		if pattern == "" {
			return errb.With("index", i).Errorf("empty capability pattern")
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return errb.With("index", i).With("pattern", pattern).Wrapf(err, "invalid capability pattern")
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[plugin] = compiled
	return nil
}

// RemoveGrants forgets a plugin. Unknown plugins are ignored.
func (e *Enforcer) RemoveGrants(plugin string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, plugin)
}

// Grants returns a copy of the patterns granted to a plugin, or nil if
// the plugin is unknown.
func (e *Enforcer) Grants(plugin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	grants, ok := e.grants[plugin]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Check reports whether the plugin holds the capability. Unknown plugins
// and empty capabilities are denied.
func (e *Enforcer) Check(plugin, capability string) bool {
	if capability == "" {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, grant := range e.grants[plugin] {
		if grant.glob.Match(capability) {
			return true
		}
	}
	return false
}

// Require is Check returning a CAPABILITY_DENIED error.
func (e *Enforcer) Require(plugin, capability string) error {
	if e.Check(plugin, capability) {
		return nil
	}
	return oops.In("capability").
		Code("CAPABILITY_DENIED").
		With("plugin", plugin).
		With("capability", capability).
		Hint("add the capability to the plugin manifest").
		Errorf("plugin %s lacks capability %s", plugin, capability)
}
