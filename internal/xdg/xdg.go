// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package xdg provides XDG Base Directory paths for Toybox.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "toybox"

// ConfigFileName is the name of the config file inside ConfigDir.
const ConfigFileName = "toybox.yaml"

// ConfigDir returns the XDG config directory for toybox.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() (string, error) {
	return baseDir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the XDG data directory for toybox.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() (string, error) {
	return baseDir("XDG_DATA_HOME", ".local", "share")
}

// PluginsDir returns the default plugins directory, DataDir()/plugins.
func PluginsDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "plugins"), nil
}

// ConfigFile returns the default config file path.
func ConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

func baseDir(env string, fallback ...string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			var err error
			home, err = os.UserHomeDir()
			if err != nil {
				return "", oops.In("xdg").
					Code("XDG_HOME_UNKNOWN").
					With("env", env).
					Hint("set HOME or "+env).
					Wrapf(err, "failed to determine home directory")
			}
		}
		base = filepath.Join(append([]string{home}, fallback...)...)
	}
	return filepath.Join(base, appName), nil
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0750 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return oops.In("xdg").With("path", path).Wrapf(err, "failed to create directory")
	}
	return nil
}
