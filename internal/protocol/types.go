// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package protocol defines the data exchanged between hosts and the RPC
// contracts that carry it.
package protocol

import (
	"encoding/json"
	"regexp"
	"slices"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
)

// PluginID identifies one plugin package across every host of a session.
type PluginID string

// HostID identifies a reachable execution host.
type HostID string

// ActivateOnStartup is the activation event that activates a plugin as
// soon as it is loaded.
const ActivateOnStartup = "*"

// EntryPoint names the frontend and backend modules of a plugin.
type EntryPoint struct {
	Frontend string `json:"frontend,omitempty"`
	Backend  string `json:"backend,omitempty"`
}

// PluginModel is the host-independent description of a plugin.
type PluginModel struct {
	ID               PluginID   `json:"id"`
	Name             string     `json:"name"`
	Publisher        string     `json:"publisher"`
	Version          string     `json:"version"`
	DisplayName      string     `json:"displayName,omitempty"`
	PackagePath      string     `json:"packagePath,omitempty"`
	EntryPoint       EntryPoint `json:"entryPoint"`
	ActivationEvents []string   `json:"activationEvents,omitempty"`
	Dependencies     []PluginID `json:"dependencies,omitempty"`
}

// PluginLifecycle names the hooks a host runs around a plugin.
type PluginLifecycle struct {
	StartMethod     string `json:"startMethod,omitempty"`
	StopMethod      string `json:"stopMethod,omitempty"`
	BackendInitPath string `json:"backendInitPath,omitempty"`
}

// PluginMetadata couples a model with the host that deployed it.
type PluginMetadata struct {
	Host      HostID          `json:"host"`
	Model     PluginModel     `json:"model"`
	Lifecycle PluginLifecycle `json:"lifecycle"`
}

// DeployedPlugin is what a host reports for each plugin it can run.
type DeployedPlugin struct {
	Metadata PluginMetadata `json:"metadata"`
	Source   PluginPackage  `json:"source"`
}

// ID is shorthand for Metadata.Model.ID.
func (d DeployedPlugin) ID() PluginID {
	return d.Metadata.Model.ID
}

// PluginPackage is the raw package metadata a plugin declares.
type PluginPackage struct {
	Name        string          `json:"name,omitempty"`
	Publisher   string          `json:"publisher,omitempty"`
	Version     string          `json:"version,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Description string          `json:"description,omitempty"`
	Contributes json.RawMessage `json:"contributes,omitempty"`
}

// ConfigStorage locates the per-host storage handed to plugins on load.
type ConfigStorage struct {
	HostLogPath           string `json:"hostLogPath"`
	HostStoragePath       string `json:"hostStoragePath,omitempty"`
	HostGlobalStoragePath string `json:"hostGlobalStoragePath"`
}

// StartParams is sent to every host once the federation is wired.
type StartParams struct {
	Storage ConfigStorage `json:"storage"`
}

// PluginIDPattern is the regular expression every plugin id matches.
const PluginIDPattern = `^[A-Za-z0-9][A-Za-z0-9._-]*$`

var pluginIDPattern = regexp.MustCompile(PluginIDPattern)

// Validate checks the model's identity fields.
func (m *PluginModel) Validate() error {
	if !pluginIDPattern.MatchString(string(m.ID)) {
		return oops.Code("PLUGIN_INVALID_ID").
			With("plugin_id", m.ID).
			Errorf("plugin id %q must start with a letter or digit and contain only letters, digits, '.', '_' or '-'", m.ID)
	}
	if m.Version == "" {
		return oops.Code("PLUGIN_INVALID_VERSION").
			With("plugin_id", m.ID).
			Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return oops.Code("PLUGIN_INVALID_VERSION").
			With("plugin_id", m.ID).
			With("version", m.Version).
			Wrap(err)
	}
	if slices.Contains(m.Dependencies, m.ID) {
		return oops.Code("PLUGIN_SELF_DEPENDENCY").
			With("plugin_id", m.ID).
			Errorf("plugin %s depends on itself", m.ID)
	}
	return nil
}

// ActivatesOnStartup reports whether the plugin declares the "*" event.
func (m *PluginModel) ActivatesOnStartup() bool {
	return slices.Contains(m.ActivationEvents, ActivateOnStartup)
}

// Validate checks the deployed plugin's model and host binding.
func (d *DeployedPlugin) Validate() error {
	if err := d.Metadata.Model.Validate(); err != nil {
		return err
	}
	if d.Metadata.Host == "" {
		return oops.Code("PLUGIN_NO_HOST").
			With("plugin_id", d.ID()).
			Errorf("deployed plugin %s has no host", d.ID())
	}
	return nil
}
