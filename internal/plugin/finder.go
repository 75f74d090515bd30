// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/toybox/toybox/pkg/plugin"
)

// DiagnosticKind classifies a finder diagnostic.
type DiagnosticKind string

// Diagnostic kinds.
const (
	DiagInvalidManifest   DiagnosticKind = "invalid_manifest"
	DiagUnreadable        DiagnosticKind = "unreadable"
	DiagDuplicateName     DiagnosticKind = "duplicate_name"
	DiagMissingDependency DiagnosticKind = "missing_dependency"
	DiagCyclicDependency  DiagnosticKind = "cyclic_dependency"
)

// Diagnostic reports a manifest or dependency problem. The affected
// plugins are left out of the result.
type Diagnostic struct {
	Kind DiagnosticKind
	// Plugin is the missing dependency, the cycle member or the invalid
	// manifest's name.
	Plugin string
	// Parent is the plugin that asked for Plugin.
	Parent string
	Path   string
	Err    error
}

func (d Diagnostic) String() string {
	switch d.Kind {
	case DiagMissingDependency:
		if d.Parent == "" {
			return fmt.Sprintf("requested plugin %q was not found", d.Plugin)
		}
		return fmt.Sprintf("plugin %q depends on %q, which was not found", d.Parent, d.Plugin)
	case DiagCyclicDependency:
		return fmt.Sprintf("cyclic dependency: %q is required by %q, which it depends on", d.Plugin, d.Parent)
	case DiagDuplicateName:
		return fmt.Sprintf("duplicate plugin name %q at %s", d.Plugin, d.Path)
	default:
		return fmt.Sprintf("%s: %s: %v", d.Kind, d.Path, d.Err)
	}
}

// FindResult is the load-ordered manifest list plus what was rejected.
type FindResult struct {
	Manifests   []*plugin.Manifest
	Diagnostics []Diagnostic
	// Requires maps a plugin name to the plugin names its dependencies
	// resolved to.
	Requires map[string][]string
}

// Finder discovers manifests under a directory and orders them so every
// plugin comes after its dependencies.
type Finder struct {
	root   string
	fsys   fs.FS
	logger *slog.Logger
}

// FinderOption configures a Finder.
type FinderOption func(*Finder)

// WithFinderLogger sets the logger diagnostics are written to.
func WithFinderLogger(logger *slog.Logger) FinderOption {
	return func(f *Finder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithFS reads manifests from fsys instead of the OS filesystem. Paths are
// still reported relative to root.
func WithFS(fsys fs.FS) FinderOption {
	return func(f *Finder) {
		f.fsys = fsys
	}
}

// NewFinder creates a finder rooted at root.
func NewFinder(root string, opts ...FinderOption) *Finder {
	f := &Finder{
		root:   root,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.fsys == nil {
		f.fsys = os.DirFS(root)
	}
	return f
}

// Discover returns every valid manifest under the root in walk order.
// A missing root yields no manifests and no error.
func (f *Finder) Discover() ([]*plugin.Manifest, []Diagnostic, error) {
	var (
		manifests []*plugin.Manifest
		diags     []Diagnostic
		seen      = make(map[string]string)
	)

	err := fs.WalkDir(f.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		full := filepath.Join(f.root, filepath.FromSlash(p))
		if err != nil {
			if p == "." {
				return err
			}
			diags = append(diags, Diagnostic{Kind: DiagUnreadable, Path: full, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !isManifestFile(p) {
			return nil
		}

		data, err := fs.ReadFile(f.fsys, p)
		if err != nil {
			diags = append(diags, Diagnostic{Kind: DiagUnreadable, Path: full, Err: err})
			return nil
		}
		m, err := plugin.ParseManifest(data, full)
		if err == nil {
			err = m.Validate()
		}
		if err != nil {
			name := ""
			if m != nil {
				name = m.Name
			}
			diags = append(diags, Diagnostic{Kind: DiagInvalidManifest, Plugin: name, Path: full, Err: err})
			return nil
		}
		if first, dup := seen[m.Name]; dup {
			diags = append(diags, Diagnostic{
				Kind:   DiagDuplicateName,
				Plugin: m.Name,
				Path:   full,
				Err:    fmt.Errorf("already defined at %s", first),
			})
			return nil
		}
		seen[m.Name] = full
		manifests = append(manifests, m)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, oops.In("finder").
			Code("FINDER_ROOT_UNREADABLE").
			With("root", f.root).
			Wrapf(err, "failed to read plugins directory")
	}
	return manifests, diags, nil
}

func isManifestFile(p string) bool {
	return slices.Contains(plugin.ManifestExtensions, strings.ToLower(path.Ext(p)))
}

// Find discovers manifests and returns them in load order. With a
// non-empty requested list only those plugins and their transitive
// dependencies are returned; entries may be names, types or glob patterns.
func (f *Finder) Find(requested []string) (*FindResult, error) {
	manifests, diags, err := f.Discover()
	if err != nil {
		return nil, err
	}
	res := resolve(manifests, requested)
	res.Diagnostics = append(diags, res.Diagnostics...)
	for _, d := range res.Diagnostics {
		f.logger.Warn("plugin rejected",
			"kind", string(d.Kind),
			"plugin", d.Plugin,
			"parent", d.Parent,
			"path", d.Path,
			"reason", d.String())
	}
	return res, nil
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	resolved
	rejected
)

// resolver holds the state of one ordering pass.
type resolver struct {
	byName   map[string]*plugin.Manifest
	byType   map[string][]*plugin.Manifest
	state    map[string]visitState
	order    []*plugin.Manifest
	diags    []Diagnostic
	requires map[string][]string
	phaseAll bool
}

func resolve(manifests []*plugin.Manifest, requested []string) *FindResult {
	r := &resolver{
		byName:   make(map[string]*plugin.Manifest, len(manifests)),
		byType:   make(map[string][]*plugin.Manifest),
		state:    make(map[string]visitState, len(manifests)),
		requires: make(map[string][]string),
	}
	for _, m := range manifests {
		r.byName[m.Name] = m
		if m.Type != "" {
			r.byType[m.Type] = append(r.byType[m.Type], m)
		}
	}
	for _, ms := range r.byType {
		sortManifests(ms)
	}

	roots := r.roots(manifests, requested)

	var normal, last []*plugin.Manifest
	for _, m := range roots {
		if m.DependsOnAll() {
			last = append(last, m)
		} else {
			normal = append(normal, m)
		}
	}
	slices.SortStableFunc(normal, func(a, b *plugin.Manifest) int {
		// Loggers first so everything after them can log.
		if la, lb := a.Type == plugin.TypeLogger, b.Type == plugin.TypeLogger; la != lb {
			if la {
				return -1
			}
			return 1
		}
		return compareManifests(a, b)
	})
	sortManifests(last)

	for _, m := range normal {
		r.visit(m)
	}
	r.phaseAll = true
	for _, m := range last {
		r.visit(m)
	}

	return &FindResult{
		Manifests:   r.order,
		Diagnostics: r.diags,
		Requires:    r.requires,
	}
}

// roots returns the manifests the traversal starts from.
func (r *resolver) roots(manifests []*plugin.Manifest, requested []string) []*plugin.Manifest {
	if len(requested) == 0 {
		return manifests
	}

	var roots []*plugin.Manifest
	picked := make(map[string]bool)
	add := func(m *plugin.Manifest) {
		if !picked[m.Name] {
			picked[m.Name] = true
			roots = append(roots, m)
		}
	}

	for _, req := range requested {
		name, _ := plugin.SplitDependency(req)
		if name == "" || name == plugin.DependencyAll {
			continue
		}
		if m, ok := r.byName[name]; ok {
			add(m)
			continue
		}
		if ms, ok := r.byType[name]; ok {
			for _, m := range ms {
				add(m)
			}
			continue
		}

		matched := false
		if g, err := glob.Compile(name); err == nil {
			for _, m := range manifests {
				if g.Match(m.Name) || (m.Type != "" && g.Match(m.Type)) {
					add(m)
					matched = true
				}
			}
		}
		if !matched {
			r.diags = append(r.diags, Diagnostic{Kind: DiagMissingDependency, Plugin: name})
		}
	}
	return roots
}

// visit orders m after its dependencies and reports whether m can load.
func (r *resolver) visit(m *plugin.Manifest) bool {
	switch r.state[m.Name] {
	case resolved:
		return true
	case rejected:
		return false
	case visiting:
		return false
	}
	r.state[m.Name] = visiting

	ok := true
	var requires []string
	for _, dep := range r.sortedDependencies(m) {
		targets, diag := r.lookup(m, dep)
		if diag != nil {
			r.diags = append(r.diags, *diag)
			ok = false
			continue
		}
		for _, t := range targets {
			if r.state[t.Name] == visiting {
				r.diags = append(r.diags, Diagnostic{
					Kind:   DiagCyclicDependency,
					Plugin: t.Name,
					Parent: m.Name,
					Path:   m.Source,
				})
				ok = false
				continue
			}
			if !r.visit(t) {
				ok = false
				continue
			}
			requires = append(requires, t.Name)
		}
	}

	if !ok {
		r.state[m.Name] = rejected
		return false
	}
	r.state[m.Name] = resolved
	r.requires[m.Name] = requires
	r.order = append(r.order, m)
	return true
}

// lookup resolves one dependency entry of m.
func (r *resolver) lookup(m *plugin.Manifest, dep string) ([]*plugin.Manifest, *Diagnostic) {
	name, constraint := plugin.SplitDependency(dep)
	missing := func(err error) *Diagnostic {
		return &Diagnostic{Kind: DiagMissingDependency, Plugin: name, Parent: m.Name, Path: m.Source, Err: err}
	}

	var targets []*plugin.Manifest
	if t, ok := r.byName[name]; ok {
		if err := checkVersion(t, constraint); err != nil {
			return nil, missing(err)
		}
		targets = []*plugin.Manifest{t}
	} else {
		for _, t := range r.byType[name] {
			if t.Name != m.Name {
				targets = append(targets, t)
			}
		}
		if len(targets) == 0 {
			return nil, missing(nil)
		}
	}

	if !r.phaseAll {
		for _, t := range targets {
			if t.DependsOnAll() {
				return nil, &Diagnostic{
					Kind:   DiagCyclicDependency,
					Plugin: t.Name,
					Parent: m.Name,
					Path:   m.Source,
					Err:    errors.New("depends on a plugin that loads after all others"),
				}
			}
		}
	}
	return targets, nil
}

func checkVersion(m *plugin.Manifest, constraint string) error {
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return fmt.Errorf("plugin %q has no usable version (%q): %w", m.Name, m.Version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("version %s does not satisfy %s", m.Version, constraint)
	}
	return nil
}

// sortedDependencies returns m's dependency entries without "All",
// ordered like manifests: by the dependency's own dependency count, then
// name.
func (r *resolver) sortedDependencies(m *plugin.Manifest) []string {
	deps := make([]string, 0, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		if name, _ := plugin.SplitDependency(dep); name != plugin.DependencyAll {
			deps = append(deps, dep)
		}
	}
	slices.SortStableFunc(deps, func(a, b string) int {
		na, _ := plugin.SplitDependency(a)
		nb, _ := plugin.SplitDependency(b)
		ca, cb := r.dependencyCount(na), r.dependencyCount(nb)
		if ca != cb {
			return ca - cb
		}
		return strings.Compare(na, nb)
	})
	return deps
}

func (r *resolver) dependencyCount(name string) int {
	if m, ok := r.byName[name]; ok {
		return len(m.Dependencies)
	}
	return 0
}

func compareManifests(a, b *plugin.Manifest) int {
	if la, lb := len(a.Dependencies), len(b.Dependencies); la != lb {
		return la - lb
	}
	return strings.Compare(a.Name, b.Name)
}

func sortManifests(ms []*plugin.Manifest) {
	slices.SortStableFunc(ms, compareManifests)
}
