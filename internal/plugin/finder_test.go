// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package plugin_test

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/toybox/toybox/internal/plugin"
	pluginpkg "github.com/toybox/toybox/pkg/plugin"
)

// entry is a manifest used to build test plugin directories.
type entry struct {
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Type         string   `json:"type,omitempty"`
	Linkage      string   `json:"linkage,omitempty"`
	Module       string   `json:"module,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

func mkdirAll(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o750))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// writeManifests writes one <name>/<name>.meta per entry under dir.
func writeManifests(t *testing.T, dir string, entries ...entry) {
	t.Helper()
	for _, s := range entries {
		data, err := json.Marshal(s)
		require.NoError(t, err)
		sub := filepath.Join(dir, s.Name)
		mkdirAll(t, sub)
		writeFile(t, filepath.Join(sub, s.Name+".meta"), string(data))
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func names(ms []*pluginpkg.Manifest) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Name)
	}
	return out
}

func find(t *testing.T, dir string, requested ...string) *plugin.FindResult {
	t.Helper()
	res, err := plugin.NewFinder(dir, plugin.WithFinderLogger(quietLogger())).Find(requested)
	require.NoError(t, err)
	return res
}

func kinds(diags []plugin.Diagnostic) []plugin.DiagnosticKind {
	out := make([]plugin.DiagnosticKind, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.Kind)
	}
	return out
}

func TestFind_DependencyOrdering(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir,
		entry{Name: "C", Dependencies: []string{"A", "B"}},
		entry{Name: "B", Dependencies: []string{"A"}},
		entry{Name: "A"},
	)

	res := find(t, dir)
	assert.Equal(t, []string{"A", "B", "C"}, names(res.Manifests))
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, []string{"A", "B"}, res.Requires["C"])
}

func TestFind_AllLoadsLast(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir,
		entry{Name: "Z", Dependencies: []string{"All"}},
		entry{Name: "A"},
		entry{Name: "B", Dependencies: []string{"A"}},
		entry{Name: "C", Dependencies: []string{"A", "B"}},
	)

	res := find(t, dir)
	assert.Equal(t, []string{"A", "B", "C", "Z"}, names(res.Manifests))
}

func TestFind_MissingDependency(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir,
		entry{Name: "A"},
		entry{Name: "B", Dependencies: []string{"X"}},
	)

	res := find(t, dir, "B")
	assert.Empty(t, res.Manifests)
	require.Len(t, res.Diagnostics, 1)
	d := res.Diagnostics[0]
	assert.Equal(t, plugin.DiagMissingDependency, d.Kind)
	assert.Equal(t, "X", d.Plugin)
	assert.Equal(t, "B", d.Parent)
	assert.Contains(t, d.String(), "X")
	assert.Contains(t, d.String(), "B")
}

func TestFind_MissingDependencyExcludesDependents(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir,
		entry{Name: "A"},
		entry{Name: "B", Dependencies: []string{"X"}},
		entry{Name: "C", Dependencies: []string{"B"}},
	)

	res := find(t, dir)
	assert.Equal(t, []string{"A"}, names(res.Manifests))
	assert.Equal(t, []plugin.DiagnosticKind{plugin.DiagMissingDependency}, kinds(res.Diagnostics))
}

func TestFind_Cycle(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir,
		entry{Name: "A", Dependencies: []string{"B"}},
		entry{Name: "B", Dependencies: []string{"A"}},
	)

	res := find(t, dir, "A")
	assert.Empty(t, res.Manifests)
	require.Len(t, res.Diagnostics, 1)
	d := res.Diagnostics[0]
	assert.Equal(t, plugin.DiagCyclicDependency, d.Kind)
	assert.Contains(t, []string{"A", "B"}, d.Plugin)
	assert.Contains(t, d.String(), "cyclic")
}

func TestFind_CycleLeavesUnrelatedPlugins(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir,
		entry{Name: "A", Dependencies: []string{"C"}},
		entry{Name: "B", Dependencies: []string{"A"}},
		entry{Name: "C", Dependencies: []string{"B"}},
		entry{Name: "D"},
		entry{Name: "E", Dependencies: []string{"B"}},
	)

	res := find(t, dir)
	assert.Equal(t, []string{"D"}, names(res.Manifests))
	assert.Equal(t, []plugin.DiagnosticKind{plugin.DiagCyclicDependency}, kinds(res.Diagnostics))
}

func TestFind_DependingOnAllPluginIsRejected(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir,
		entry{Name: "Z", Dependencies: []string{"All"}},
		entry{Name: "A", Dependencies: []string{"Z"}},
		entry{Name: "B"},
	)

	res := find(t, dir)
	assert.Equal(t, []string{"B", "Z"}, names(res.Manifests))
	assert.Equal(t, []plugin.DiagnosticKind{plugin.DiagCyclicDependency}, kinds(res.Diagnostics))
}

func TestFind_AllPluginsMayDependOnEachOther(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir,
		entry{Name: "Y", Dependencies: []string{"All", "Z"}},
		entry{Name: "Z", Dependencies: []string{"All"}},
		entry{Name: "A"},
	)

	res := find(t, dir)
	assert.Equal(t, []string{"A", "Z", "Y"}, names(res.Manifests))
}

func TestFind_RequestedSubset(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir,
		entry{Name: "A"},
		entry{Name: "B", Dependencies: []string{"A"}},
		entry{Name: "C"},
	)

	res := find(t, dir, "B")
	assert.Equal(t, []string{"A", "B"}, names(res.Manifests))
}

func TestFind_RequestedGlobAndType(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir,
		entry{Name: "GLRenderer", Type: "renderer"},
		entry{Name: "VKRenderer", Type: "renderer"},
		entry{Name: "SDLWindow", Type: "window"},
		entry{Name: "Audio"},
	)

	res := find(t, dir, "*Renderer")
	assert.Equal(t, []string{"GLRenderer", "VKRenderer"}, names(res.Manifests))

	res = find(t, dir, "window")
	assert.Equal(t, []string{"SDLWindow"}, names(res.Manifests))

	res = find(t, dir, "Nope*")
	assert.Empty(t, res.Manifests)
	assert.Equal(t, []plugin.DiagnosticKind{plugin.DiagMissingDependency}, kinds(res.Diagnostics))
}

func TestFind_TypeDependency(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir,
		entry{Name: "Game", Dependencies: []string{"renderer"}},
		entry{Name: "GLRenderer", Type: "renderer", Dependencies: []string{"SDLWindow"}},
		entry{Name: "SDLWindow", Type: "window"},
	)

	res := find(t, dir, "Game")
	assert.Equal(t, []string{"SDLWindow", "GLRenderer", "Game"}, names(res.Manifests))
	assert.Equal(t, []string{"GLRenderer"}, res.Requires["Game"])
}

func TestFind_VersionConstraints(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir,
		entry{Name: "Core", Version: "1.4.2"},
		entry{Name: "Good", Dependencies: []string{"Core@^1.2"}},
		entry{Name: "TooNew", Dependencies: []string{"Core@>=2.0.0"}},
		entry{Name: "Garbled", Dependencies: []string{"Core@not-a-range"}},
	)

	res := find(t, dir)
	assert.Equal(t, []string{"Core", "Good"}, names(res.Manifests))
	require.Len(t, res.Diagnostics, 2)
	for _, d := range res.Diagnostics {
		assert.Equal(t, plugin.DiagMissingDependency, d.Kind)
		assert.Equal(t, "Core", d.Plugin)
		assert.Error(t, d.Err)
	}
}

func TestFind_LoggersFirst(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir,
		entry{Name: "Audio"},
		entry{Name: "Zlog", Type: "logger"},
		entry{Name: "Input"},
	)

	res := find(t, dir)
	assert.Equal(t, []string{"Zlog", "Audio", "Input"}, names(res.Manifests))
}

func TestFind_InvalidAndDuplicateManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir, entry{Name: "A"})

	mkdirAll(t, filepath.Join(dir, "broken"))
	writeFile(t, filepath.Join(dir, "broken", "broken.meta"), `{"name": `)
	mkdirAll(t, filepath.Join(dir, "nameless"))
	writeFile(t, filepath.Join(dir, "nameless", "nameless.plugin"), `{"version": "1.0"}`)
	mkdirAll(t, filepath.Join(dir, "zcopy"))
	writeFile(t, filepath.Join(dir, "zcopy", "A.meta"), `{"name": "A"}`)
	writeFile(t, filepath.Join(dir, "README.md"), "not a manifest")

	res := find(t, dir)
	assert.Equal(t, []string{"A"}, names(res.Manifests))
	assert.ElementsMatch(t,
		[]plugin.DiagnosticKind{plugin.DiagInvalidManifest, plugin.DiagInvalidManifest, plugin.DiagDuplicateName},
		kinds(res.Diagnostics))

	a := res.Manifests[0]
	assert.Equal(t, filepath.Join(dir, "A", "A.meta"), a.Source)
	assert.Equal(t, filepath.Join(dir, "A"), a.Dir)
}

func TestFind_MissingDirectory(t *testing.T) {
	res := find(t, filepath.Join(t.TempDir(), "nope"))
	assert.Empty(t, res.Manifests)
	assert.Empty(t, res.Diagnostics)
}

func TestFind_ReturnsFreshSlice(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir, entry{Name: "A"}, entry{Name: "B"})
	finder := plugin.NewFinder(dir, plugin.WithFinderLogger(quietLogger()))

	first, err := finder.Find(nil)
	require.NoError(t, err)
	first.Manifests[0] = nil

	second, err := finder.Find(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, names(second.Manifests))
}

// genManifests draws a random manifest set. Dependencies may point at
// unknown names, form cycles or use "All".
func genManifests(t *rapid.T) fstest.MapFS {
	n := rapid.IntRange(1, 12).Draw(t, "count")
	pool := make([]string, 0, n+2)
	for i := range n {
		pool = append(pool, fmt.Sprintf("P%02d", i))
	}
	deps := append(slices.Clone(pool), "Missing", pluginpkg.DependencyAll)

	fsys := fstest.MapFS{}
	for _, name := range pool {
		s := entry{Name: name}
		if rapid.Bool().Draw(t, name+"-logger") {
			s.Type = pluginpkg.TypeLogger
		}
		k := rapid.IntRange(0, 3).Draw(t, name+"-deps")
		for range k {
			d := rapid.SampledFrom(deps).Draw(t, name+"-dep")
			if d != name && !slices.Contains(s.Dependencies, d) {
				s.Dependencies = append(s.Dependencies, d)
			}
		}
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		fsys[name+"/"+name+".meta"] = &fstest.MapFile{Data: data}
	}
	return fsys
}

func TestFind_OrderingProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fsys := genManifests(t)
		finder := plugin.NewFinder("plugins", plugin.WithFS(fsys), plugin.WithFinderLogger(quietLogger()))

		res, err := finder.Find(nil)
		if err != nil {
			t.Fatalf("find: %v", err)
		}

		pos := make(map[string]int, len(res.Manifests))
		for i, m := range res.Manifests {
			if _, dup := pos[m.Name]; dup {
				t.Fatalf("duplicate %s in output", m.Name)
			}
			pos[m.Name] = i
		}
		for i, m := range res.Manifests {
			for _, dep := range m.Dependencies {
				if dep == pluginpkg.DependencyAll {
					continue
				}
				j, ok := pos[dep]
				if !ok {
					t.Fatalf("%s emitted without its dependency %s", m.Name, dep)
				}
				if j >= i {
					t.Fatalf("%s (at %d) precedes its dependency %s (at %d)", m.Name, i, dep, j)
				}
			}
		}

		again, err := finder.Find(nil)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if !slices.Equal(names(res.Manifests), names(again.Manifests)) {
			t.Fatalf("output is not deterministic: %v vs %v", names(res.Manifests), names(again.Manifests))
		}
	})
}
