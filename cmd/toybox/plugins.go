// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	hostplugin "github.com/toybox/toybox/internal/plugin"
	"github.com/toybox/toybox/internal/plugin/capability"
	"github.com/toybox/toybox/pkg/plugin"
)

// PluginInfo is one row of plugins list output.
type PluginInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Type         string   `json:"type,omitempty"`
	Linkage      string   `json:"linkage"`
	Dependencies []string `json:"dependencies,omitempty"`
	Path         string   `json:"path,omitempty"`
}

// PluginProblem is a rejected manifest or dependency.
type PluginProblem struct {
	Kind   string `json:"kind"`
	Plugin string `json:"plugin,omitempty"`
	Path   string `json:"path,omitempty"`
	Reason string `json:"reason"`
}

// pluginListing is the JSON form of plugins list.
type pluginListing struct {
	Plugins  []PluginInfo    `json:"plugins"`
	Problems []PluginProblem `json:"problems,omitempty"`
}

// pluginsListConfig holds configuration for the plugins list command.
type pluginsListConfig struct {
	jsonOutput bool
}

// NewPluginsCmd creates the plugins command group.
func NewPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect plugins and manifests",
	}
	cmd.AddCommand(newPluginsListCmd())
	cmd.AddCommand(newPluginsValidateCmd())
	return cmd
}

func newPluginsListCmd() *cobra.Command {
	cfg := &pluginsListConfig{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins in load order",
		Long: `Discover manifests under the plugins directory, resolve dependencies
and print the plugins in the order run would load them, followed by
anything that was rejected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runPluginsList(cmd, cfg, appCfg.Plugins.Dir, appCfg.Plugins.Requested)
		},
	}

	cmd.Flags().String("plugins-dir", "", "plugins directory (default: XDG_DATA_HOME/toybox/plugins)")
	cmd.Flags().StringSlice("plugin", nil, "plugin name, type or glob pattern (repeatable; default: all)")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runPluginsList(cmd *cobra.Command, cfg *pluginsListConfig, dir string, requested []string) error {
	finder := hostplugin.NewFinder(dir, hostplugin.WithFinderLogger(slog.New(slog.DiscardHandler)))
	res, err := finder.Find(requested)
	if err != nil {
		return err
	}

	listing := pluginListing{Plugins: make([]PluginInfo, 0, len(res.Manifests))}
	for _, m := range res.Manifests {
		listing.Plugins = append(listing.Plugins, PluginInfo{
			Name:         m.Name,
			Version:      m.Version,
			Type:         m.Type,
			Linkage:      string(m.Linkage),
			Dependencies: m.Dependencies,
			Path:         m.Path,
		})
	}
	for _, d := range res.Diagnostics {
		listing.Problems = append(listing.Problems, PluginProblem{
			Kind:   string(d.Kind),
			Plugin: d.Plugin,
			Path:   d.Path,
			Reason: d.String(),
		})
	}

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(listing, "", "  ")
		if err != nil {
			return oops.In("cli").Wrapf(err, "failed to marshal plugin list")
		}
		cmd.Println(string(data))
		return nil
	}
	cmd.Print(formatPluginTable(listing))
	return nil
}

// formatPluginTable formats a listing as an aligned table.
func formatPluginTable(listing pluginListing) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "#\tNAME\tVERSION\tTYPE\tLINKAGE\tDEPENDENCIES")
	for i, p := range listing.Plugins {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i+1, p.Name, dash(p.Version), dash(p.Type), p.Linkage, dash(strings.Join(p.Dependencies, ", ")))
	}
	_ = w.Flush()

	if len(listing.Problems) > 0 {
		_, _ = fmt.Fprintf(&b, "\n%d rejected:\n", len(listing.Problems))
		for _, p := range listing.Problems {
			_, _ = fmt.Fprintf(&b, "  %s: %s\n", p.Kind, p.Reason)
		}
	}
	return b.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newPluginsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest>...",
		Short: "Validate plugin manifests",
		Long: `Check manifest files against the manifest schema and the host's
naming, linkage and capability rules. Exits non-zero if any file is
invalid.

Useful in CI pipelines:
  toybox plugins validate plugins/*/*.meta`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPluginsValidate(cmd, args)
		},
	}
}

func runPluginsValidate(cmd *cobra.Command, paths []string) error {
	failed := 0
	for _, path := range paths {
		if err := validateManifestFile(path); err != nil {
			failed++
			cmd.Printf("FAIL %s: %v\n", path, err)
			continue
		}
		cmd.Printf("ok   %s\n", path)
	}
	if failed > 0 {
		return oops.In("cli").
			Code("MANIFEST_INVALID").
			With("failed", failed).
			With("total", len(paths)).
			Errorf("validation failed: %d of %d manifests invalid", failed, len(paths))
	}
	return nil
}

// validateManifestFile applies every check a manifest must pass before
// the host will load it.
func validateManifestFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return oops.In("cli").With("path", path).Wrapf(err, "failed to read manifest")
	}
	if err := hostplugin.ValidateSchema(data); err != nil {
		return oops.In("cli").
			Code("MANIFEST_INVALID").
			With("path", path).
			Errorf("%s", hostplugin.FormatSchemaError(err))
	}
	m, err := plugin.ParseManifest(data, path)
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	// Capability patterns must compile.
	if err := capability.NewEnforcer().SetGrants(m.Name, m.Capabilities); err != nil {
		return err
	}
	return nil
}
