// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin provides plugin discovery, loading and activation for an
// execution host.
package plugin

import (
	"encoding/json"
	"regexp"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/pluginbridge/internal/protocol"
)

// ManifestFile is the descriptor file name looked up in each plugin directory.
const ManifestFile = "plugin.yaml"

// Manifest represents a plugin.yaml file.
type Manifest struct {
	ID               string           `yaml:"id,omitempty" jsonschema:"description=Federation-wide plugin id; defaults to publisher.name"`
	Name             string           `yaml:"name"`
	Publisher        string           `yaml:"publisher,omitempty"`
	Version          string           `yaml:"version"`
	DisplayName      string           `yaml:"display-name,omitempty"`
	Description      string           `yaml:"description,omitempty"`
	Entry            EntryConfig      `yaml:"entry"`
	ActivationEvents []string         `yaml:"activation-events,omitempty"`
	Dependencies     []string         `yaml:"dependencies,omitempty"`
	Lifecycle        *LifecycleConfig `yaml:"lifecycle,omitempty"`
	Contributes      map[string]any   `yaml:"contributes,omitempty"`
}

// EntryConfig names the registered modules implementing the plugin.
type EntryConfig struct {
	Backend  string `yaml:"backend"`
	Frontend string `yaml:"frontend,omitempty"`
}

// LifecycleConfig names optional lifecycle hooks.
type LifecycleConfig struct {
	Start       string `yaml:"start,omitempty"`
	Stop        string `yaml:"stop,omitempty"`
	BackendInit string `yaml:"backend-init,omitempty"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.Code("MANIFEST_EMPTY").Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.Code("MANIFEST_INVALID_YAML").Wrap(err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// PluginID returns the explicit id, or publisher.name, or the bare name.
func (m *Manifest) PluginID() protocol.PluginID {
	switch {
	case m.ID != "":
		return protocol.PluginID(m.ID)
	case m.Publisher != "":
		return protocol.PluginID(m.Publisher + "." + m.Name)
	default:
		return protocol.PluginID(m.Name)
	}
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return oops.Code("MANIFEST_INVALID_NAME").
			With("name", m.Name).
			Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return oops.Code("MANIFEST_INVALID_NAME").
			With("name", m.Name).
			Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}
	if m.Entry.Backend == "" {
		return oops.Code("MANIFEST_NO_ENTRY").
			With("name", m.Name).
			Errorf("entry.backend is required")
	}

	model := m.model("")
	return model.Validate()
}

func (m *Manifest) model(dir string) protocol.PluginModel {
	deps := make([]protocol.PluginID, 0, len(m.Dependencies))
	for _, d := range m.Dependencies {
		deps = append(deps, protocol.PluginID(d))
	}
	return protocol.PluginModel{
		ID:          m.PluginID(),
		Name:        m.Name,
		Publisher:   m.Publisher,
		Version:     m.Version,
		DisplayName: m.DisplayName,
		PackagePath: dir,
		EntryPoint: protocol.EntryPoint{
			Frontend: m.Entry.Frontend,
			Backend:  m.Entry.Backend,
		},
		ActivationEvents: m.ActivationEvents,
		Dependencies:     deps,
	}
}

// Deployed describes the manifest as deployed on host from dir.
func (m *Manifest) Deployed(host protocol.HostID, dir string) (protocol.DeployedPlugin, error) {
	pkg := protocol.PluginPackage{
		Name:        m.Name,
		Publisher:   m.Publisher,
		Version:     m.Version,
		DisplayName: m.DisplayName,
		Description: m.Description,
	}
	if len(m.Contributes) > 0 {
		data, err := json.Marshal(m.Contributes)
		if err != nil {
			return protocol.DeployedPlugin{}, oops.Code("MANIFEST_INVALID_CONTRIBUTES").
				With("plugin_id", m.PluginID()).
				Wrap(err)
		}
		pkg.Contributes = data
	}

	var lifecycle protocol.PluginLifecycle
	if m.Lifecycle != nil {
		lifecycle = protocol.PluginLifecycle{
			StartMethod:     m.Lifecycle.Start,
			StopMethod:      m.Lifecycle.Stop,
			BackendInitPath: m.Lifecycle.BackendInit,
		}
	}

	return protocol.DeployedPlugin{
		Metadata: protocol.PluginMetadata{
			Host:      host,
			Model:     m.model(dir),
			Lifecycle: lifecycle,
		},
		Source: pkg,
	}, nil
}
