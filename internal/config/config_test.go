// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toybox/toybox/internal/xdg"
	"github.com/toybox/toybox/pkg/errutil"
)

// isolate points XDG and TOYBOX_* lookups away from the real user.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	for _, key := range keys {
		t.Setenv(EnvName(key), "")
		require.NoError(t, os.Unsetenv(EnvName(key)))
	}
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "data", "toybox", "plugins"), cfg.Plugins.Dir)
	assert.Empty(t, cfg.Plugins.Requested)
	assert.Equal(t, DefaultTick, cfg.Loop.Tick)
	assert.Equal(t, DefaultLogFormat, cfg.Log.Format)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.Equal(t, DefaultMetricsAddr, cfg.Metrics.Addr)
	assert.Equal(t, DefaultCallTimeout, cfg.Plugins.CallTimeout)
	assert.Equal(t, uint64(DefaultReloadRetries), cfg.Plugins.ReloadRetries)
	assert.False(t, cfg.Watch)
}

func TestLoad_XDGConfigFile(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, "config", "toybox", xdg.ConfigFileName), `
plugins:
  dir: /srv/plugins
  requested: [core, "render*"]
loop:
  tick: 50ms
log:
  format: text
watch: true
`)

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, "/srv/plugins", cfg.Plugins.Dir)
	assert.Equal(t, []string{"core", "render*"}, cfg.Plugins.Requested)
	assert.Equal(t, 50*time.Millisecond, cfg.Loop.Tick)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.True(t, cfg.Watch)
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	isolate(t)

	_, err := Load(Options{File: filepath.Join(t.TempDir(), "nope.yaml")})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_LOAD_FAILED")
}

func TestLoad_InvalidYAML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "toybox.yaml")
	writeFile(t, path, "plugins: [unterminated")

	_, err := Load(Options{File: path})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_LOAD_FAILED")
}

func TestLoad_Precedence(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "toybox.yaml")
	writeFile(t, path, `
plugins:
  dir: /from/file
loop:
  tick: 50ms
log:
  level: warn
`)
	t.Setenv("TOYBOX_LOOP_TICK", "20ms")
	t.Setenv("TOYBOX_PLUGINS_REQUESTED", "a, b,,c")
	t.Setenv("TOYBOX_PLUGINS_RELOAD_RETRIES", "7")
	t.Setenv("TOYBOX_UNKNOWN", "ignored")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("plugins-dir", "/flag/default", "")
	flags.Duration("tick", time.Second, "")
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--plugins-dir", "/from/flag"}))

	cfg, err := Load(Options{
		File:  path,
		Flags: flags,
		FlagKeys: map[string]string{
			"plugins-dir": KeyPluginsDir,
			"tick":        KeyTick,
			"log-level":   KeyLogLevel,
		},
	})
	require.NoError(t, err)

	// Changed flag beats everything.
	assert.Equal(t, "/from/flag", cfg.Plugins.Dir)
	// Environment beats the file; unchanged flags do not apply.
	assert.Equal(t, 20*time.Millisecond, cfg.Loop.Tick)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Plugins.Requested)
	assert.Equal(t, uint64(7), cfg.Plugins.ReloadRetries)
	// File beats defaults.
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_Invalid(t *testing.T) {
	isolate(t)
	t.Setenv("TOYBOX_LOG_FORMAT", "xml")

	_, err := Load(Options{})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
	errutil.AssertErrorContext(t, err, "key", KeyLogFormat)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Plugins: PluginsConfig{Dir: "/plugins"},
			Loop:    LoopConfig{Tick: time.Millisecond},
			Log:     LogConfig{Format: "json", Level: "info", PluginLevel: "debug"},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"valid", func(*Config) {}, ""},
		{"no dir", func(c *Config) { c.Plugins.Dir = "" }, KeyPluginsDir},
		{"zero tick", func(c *Config) { c.Loop.Tick = 0 }, KeyTick},
		{"bad format", func(c *Config) { c.Log.Format = "yaml" }, KeyLogFormat},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, KeyLogLevel},
		{"bad plugin level", func(c *Config) { c.Log.PluginLevel = "loud" }, KeyPluginLogLevel},
		{"negative timeout", func(c *Config) { c.Plugins.CallTimeout = -time.Second }, KeyCallTimeout},
		{"negative backoff", func(c *Config) { c.Plugins.ReloadBackoff = -time.Second }, KeyReloadBackoff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.key == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
			errutil.AssertErrorContext(t, err, "key", tt.key)
		})
	}
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "TOYBOX_PLUGINS_CALL_TIMEOUT", EnvName(KeyCallTimeout))
	assert.Equal(t, "TOYBOX_WATCH", EnvName(KeyWatch))
}
