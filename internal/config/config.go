// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package config loads the launcher configuration. Sources are layered,
// later ones winning: built-in defaults, the YAML config file, TOYBOX_*
// environment variables, then explicitly set command-line flags.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/toybox/toybox/internal/logging"
	"github.com/toybox/toybox/internal/xdg"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TOYBOX_"

// Keys understood by Load.
const (
	KeyPluginsDir       = "plugins.dir"
	KeyPluginsRequested = "plugins.requested"
	KeyCallTimeout      = "plugins.call_timeout"
	KeyReloadRetries    = "plugins.reload_retries"
	KeyReloadBackoff    = "plugins.reload_backoff"
	KeyTick             = "loop.tick"
	KeyLogFormat        = "log.format"
	KeyLogLevel         = "log.level"
	KeyPluginLogLevel   = "log.plugin_level"
	KeyMetricsAddr      = "metrics.addr"
	KeyWatch            = "watch"
)

var keys = []string{
	KeyPluginsDir, KeyPluginsRequested, KeyCallTimeout, KeyReloadRetries, KeyReloadBackoff,
	KeyTick, KeyLogFormat, KeyLogLevel, KeyPluginLogLevel, KeyMetricsAddr, KeyWatch,
}

// Default values.
const (
	DefaultTick          = 16 * time.Millisecond
	DefaultLogFormat     = "json"
	DefaultLogLevel      = "info"
	DefaultMetricsAddr   = "127.0.0.1:9100"
	DefaultCallTimeout   = 5 * time.Second
	DefaultReloadRetries = 3
	DefaultReloadBackoff = 100 * time.Millisecond
)

// Config is the launcher configuration.
type Config struct {
	Plugins PluginsConfig `koanf:"plugins"`
	Loop    LoopConfig    `koanf:"loop"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	// Watch reloads the plugin set when the plugins directory changes.
	Watch bool `koanf:"watch"`
}

// PluginsConfig selects and tunes the plugin set.
type PluginsConfig struct {
	Dir           string        `koanf:"dir"`
	Requested     []string      `koanf:"requested"`
	CallTimeout   time.Duration `koanf:"call_timeout"`
	ReloadRetries uint64        `koanf:"reload_retries"`
	ReloadBackoff time.Duration `koanf:"reload_backoff"`
}

// LoopConfig controls the host loop.
type LoopConfig struct {
	Tick time.Duration `koanf:"tick"`
}

// LogConfig controls host logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
	// PluginLevel is the minimum level forwarded to logger plugins.
	PluginLevel string `koanf:"plugin_level"`
}

// MetricsConfig controls the observability server. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	errb := oops.In("config").Code("CONFIG_INVALID")
	if c.Plugins.Dir == "" {
		return errb.With("key", KeyPluginsDir).Errorf("plugins directory is required")
	}
	if c.Loop.Tick <= 0 {
		return errb.With("key", KeyTick).With("value", c.Loop.Tick).Errorf("tick must be positive")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return errb.With("key", KeyLogFormat).Errorf("log format must be 'json' or 'text', got %q", c.Log.Format)
	}
	for key, level := range map[string]string{KeyLogLevel: c.Log.Level, KeyPluginLogLevel: c.Log.PluginLevel} {
		if _, err := logging.ParseLevel(level); err != nil {
			return errb.With("key", key).Errorf("invalid log level %q", level)
		}
	}
	if c.Plugins.CallTimeout < 0 {
		return errb.With("key", KeyCallTimeout).Errorf("call timeout must not be negative")
	}
	if c.Plugins.ReloadBackoff < 0 {
		return errb.With("key", KeyReloadBackoff).Errorf("reload backoff must not be negative")
	}
	return nil
}

// Options tells Load where to read from.
type Options struct {
	// File is the config file. When empty the XDG config file is used
	// if it exists.
	File string
	// Flags, when set, override every other source for flags that were
	// explicitly changed. Flag names map to keys through FlagKeys.
	Flags *pflag.FlagSet
	// FlagKeys maps flag names to config keys. Flags not listed are
	// ignored.
	FlagKeys map[string]string
}

// Load reads and validates the configuration.
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")
	errb := oops.In("config")

	defaults, err := Defaults()
	if err != nil {
		return nil, err
	}
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, errb.With("key", key).Wrapf(err, "failed to set default")
		}
	}

	path, explicit := opts.File, opts.File != ""
	if !explicit {
		if path, err = xdg.ConfigFile(); err != nil {
			return nil, err
		}
	}
	if _, statErr := os.Stat(path); explicit || !errors.Is(statErr, fs.ErrNotExist) {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errb.Code("CONFIG_LOAD_FAILED").
				With("file", path).
				Hint("check the file exists and is valid YAML").
				Wrapf(err, "failed to read config file")
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errb.Code("CONFIG_LOAD_FAILED").Wrapf(err, "failed to read environment")
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := opts.FlagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, errb.Code("CONFIG_LOAD_FAILED").Wrapf(err, "failed to read flags")
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errb.Code("CONFIG_INVALID").Wrapf(err, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the default value of every key.
func Defaults() (map[string]any, error) {
	dir, err := xdg.PluginsDir()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		KeyPluginsDir:       dir,
		KeyPluginsRequested: []string{},
		KeyCallTimeout:      DefaultCallTimeout,
		KeyReloadRetries:    uint64(DefaultReloadRetries),
		KeyReloadBackoff:    DefaultReloadBackoff,
		KeyTick:             DefaultTick,
		KeyLogFormat:        DefaultLogFormat,
		KeyLogLevel:         DefaultLogLevel,
		KeyPluginLogLevel:   DefaultLogLevel,
		KeyMetricsAddr:      DefaultMetricsAddr,
		KeyWatch:            false,
	}, nil
}

// EnvName returns the environment variable that sets key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// envKey maps TOYBOX_* variables to known keys. Requested plugin names
// are comma separated.
func envKey(name, value string) (string, any) {
	for _, key := range keys {
		if EnvName(key) != name {
			continue
		}
		if key == KeyPluginsRequested {
			return key, splitList(value)
		}
		return key, value
	}
	return "", nil
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
