// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package plugin

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/samber/oops"
)

// Linkage says how a plugin's binary is brought into the process.
type Linkage string

// Supported linkages.
const (
	// LinkageNative is a platform shared library exporting C entry points.
	LinkageNative Linkage = "native"
	// LinkageGo is a Go plugin built with -buildmode=plugin.
	LinkageGo Linkage = "go"
	// LinkageStatic is compiled into the host and registered with Register.
	LinkageStatic Linkage = "static"
	// LinkageLua is a Lua script.
	LinkageLua Linkage = "lua"
	// LinkageWASM is a WebAssembly module.
	LinkageWASM Linkage = "wasm"
	// LinkageProcess is a separate executable speaking the plugin RPC protocol.
	LinkageProcess Linkage = "process"
)

// DependencyAll in a dependency list means "load after every other plugin".
const DependencyAll = "All"

// TypeLogger tags plugins that receive host log records.
const TypeLogger = "logger"

// ManifestExtensions are the file extensions recognised as manifests.
var ManifestExtensions = []string{".meta", ".plugin"}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)

// Manifest describes one plugin. It is read from a JSON sidecar next to
// the plugin binary and is not modified after discovery.
type Manifest struct {
	Name         string   `json:"name" jsonschema:"minLength=1,maxLength=64,pattern=^[a-zA-Z][a-zA-Z0-9_.-]*$"`
	Author       string   `json:"author,omitempty"`
	Version      string   `json:"version,omitempty"`
	Description  string   `json:"description,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	// Type is a free-form category. Other plugins may depend on a type
	// instead of a name.
	Type    string  `json:"type,omitempty"`
	Linkage Linkage `json:"linkage,omitempty" jsonschema:"enum=native,enum=go,enum=static,enum=lua,enum=wasm,enum=process"`
	// Module overrides the binary file stem, or names the registration for
	// static plugins.
	Module string `json:"module,omitempty"`
	// Capabilities are glob patterns naming the host services a scripted
	// plugin may use, such as "bus.post" or "bus.*".
	Capabilities []string `json:"capabilities,omitempty"`

	// Source is the manifest file the plugin was read from.
	Source string `json:"-"`
	// Dir is the directory holding the manifest.
	Dir string `json:"-"`
	// Path is the derived binary path.
	Path string `json:"-"`
}

// ParseManifest decodes a manifest read from manifestPath and derives its
// binary path. A manifest without a name is returned as is; check IsValid.
func ParseManifest(data []byte, manifestPath string) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.In("manifest").
			Code("MANIFEST_PARSE_FAILED").
			With("path", manifestPath).
			Errorf("manifest data is empty")
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, oops.In("manifest").
			Code("MANIFEST_PARSE_FAILED").
			With("path", manifestPath).
			Wrapf(err, "invalid JSON")
	}

	if m.Linkage == "" {
		m.Linkage = LinkageNative
	}
	m.Source = manifestPath
	m.Dir = filepath.Dir(manifestPath)
	m.Path = BinaryPath(m.Dir, m.stem(manifestPath), m.Linkage, runtime.GOOS)
	return &m, nil
}

func (m *Manifest) stem(manifestPath string) string {
	if m.Module != "" {
		return m.Module
	}
	base := filepath.Base(manifestPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsValid reports whether the manifest has a name.
func (m *Manifest) IsValid() bool {
	return m != nil && m.Name != ""
}

// Validate explains why a manifest cannot be used.
func (m *Manifest) Validate() error {
	if !m.IsValid() {
		return oops.In("manifest").Code("MANIFEST_INVALID").Errorf("name is required")
	}
	errb := oops.In("manifest").Code("MANIFEST_INVALID").With("plugin", m.Name)
	if !namePattern.MatchString(m.Name) {
		return errb.Errorf("name %q must start with a letter and contain only letters, digits, '.', '_' or '-'", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return errb.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}
	if m.Name == DependencyAll {
		return errb.Errorf("%q is reserved", DependencyAll)
	}
	switch m.Linkage {
	case LinkageNative, LinkageGo, LinkageStatic, LinkageLua, LinkageWASM, LinkageProcess:
	default:
		return errb.Errorf("unknown linkage %q", m.Linkage)
	}
	for _, dep := range m.Dependencies {
		name, _ := SplitDependency(dep)
		if name == "" {
			return errb.Errorf("empty dependency entry")
		}
		if name == m.Name {
			return errb.Errorf("plugin depends on itself")
		}
	}
	return nil
}

// DependsOnAll reports whether the manifest lists DependencyAll.
func (m *Manifest) DependsOnAll() bool {
	for _, dep := range m.Dependencies {
		if dep == DependencyAll {
			return true
		}
	}
	return false
}

// SplitDependency splits "name@constraint" into its parts.
func SplitDependency(dep string) (name, constraint string) {
	name, constraint, _ = strings.Cut(strings.TrimSpace(dep), "@")
	return strings.TrimSpace(name), strings.TrimSpace(constraint)
}

// BinaryPath derives the binary location for a plugin whose manifest sits
// in dir with the given stem.
func BinaryPath(dir, stem string, linkage Linkage, goos string) string {
	switch linkage {
	case LinkageStatic:
		return ""
	case LinkageLua:
		return filepath.Join(dir, stem+".lua")
	case LinkageWASM:
		return filepath.Join(dir, stem+".wasm")
	case LinkageGo:
		return filepath.Join(dir, stem+".so")
	case LinkageProcess:
		if goos == "windows" {
			return filepath.Join(dir, stem+".exe")
		}
		return filepath.Join(dir, stem)
	default:
		return filepath.Join(dir, stem+NativeExtension(goos))
	}
}

// NativeExtension returns the platform's shared library extension.
func NativeExtension(goos string) string {
	switch goos {
	case "windows":
		return ".dll"
	case "darwin", "ios":
		return ".dylib"
	default:
		return ".so"
	}
}

// NativeCandidates lists the paths tried for a native library: the
// derived path, then the same name with the "lib" prefix used by unix
// toolchains.
func NativeCandidates(path, goos string) []string {
	if goos == "windows" || path == "" {
		return []string{path}
	}
	dir, base := filepath.Split(path)
	if strings.HasPrefix(base, "lib") {
		return []string{path}
	}
	return []string{path, filepath.Join(dir, "lib"+base)}
}
