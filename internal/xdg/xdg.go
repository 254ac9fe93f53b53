// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package xdg provides XDG Base Directory paths for pluginbridge.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "pluginbridge"

// ConfigFileName is the config file looked up in ConfigDir.
const ConfigFileName = "pluginbridge.yaml"

func dir(envVar string, fallback ...string) string {
	base := os.Getenv(envVar)
	if base == "" {
		base = filepath.Join(append([]string{os.Getenv("HOME")}, fallback...)...)
	}
	return filepath.Join(base, appName)
}

// ConfigDir returns the XDG config directory for pluginbridge.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() string {
	return dir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the XDG data directory for pluginbridge.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() string {
	return dir("XDG_DATA_HOME", ".local", "share")
}

// StateDir returns the XDG state directory for pluginbridge.
// Checks XDG_STATE_HOME first, falls back to ~/.local/state.
func StateDir() string {
	return dir("XDG_STATE_HOME", ".local", "state")
}

// ConfigFile returns ConfigDir/pluginbridge.yaml if it exists.
func ConfigFile() (string, bool) {
	path := filepath.Join(ConfigDir(), ConfigFileName)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// PluginLogDir is where plugin hosts write logs.
func PluginLogDir() string {
	return filepath.Join(StateDir(), "logs")
}

// PluginStorageDir is the per-workspace plugin storage root.
func PluginStorageDir() string {
	return filepath.Join(DataDir(), "storage")
}

// GlobalStorageDir is the plugin storage shared by every workspace.
func GlobalStorageDir() string {
	return filepath.Join(DataDir(), "global-storage")
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.Code("XDG_MKDIR_FAILED").With("path", path).Wrap(err)
	}
	return nil
}
