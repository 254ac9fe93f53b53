// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package registry records which host owns each plugin and which methods
// each plugin exports.
package registry

import (
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/holomush/pluginbridge/internal/protocol"
)

// Registry is the process-wide plugin ownership directory plus the
// exported-method catalog. It is safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	owners  map[protocol.PluginID]protocol.HostID
	exports map[protocol.PluginID][]string
}

// New creates an empty registry. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "registry"),
		owners:  make(map[protocol.PluginID]protocol.HostID),
		exports: make(map[protocol.PluginID][]string),
	}
}

// AddMapping records host as the owner of plugin. The last write wins;
// moving a plugin to a different host is logged as anomalous.
func (r *Registry) AddMapping(plugin protocol.PluginID, host protocol.HostID) {
	r.mu.Lock()
	prev, existed := r.owners[plugin]
	r.owners[plugin] = host
	r.mu.Unlock()

	if existed && prev != host {
		r.logger.Warn("plugin ownership overwritten",
			"plugin_id", plugin,
			"previous_host", prev,
			"host", host)
		return
	}
	r.logger.Debug("plugin mapped", "plugin_id", plugin, "host", host)
}

// Lookup returns the owner of plugin.
func (r *Registry) Lookup(plugin protocol.PluginID) (protocol.HostID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	host, ok := r.owners[plugin]
	return host, ok
}

// OtherHosts returns the members of all that do not own plugin, in the
// order given. A plugin without an owner has no other hosts.
func (r *Registry) OtherHosts(plugin protocol.PluginID, all []protocol.HostID) []protocol.HostID {
	owner, ok := r.Lookup(plugin)
	if !ok {
		return nil
	}
	others := make([]protocol.HostID, 0, len(all))
	for _, h := range all {
		if h != owner {
			others = append(others, h)
		}
	}
	return others
}

// SetExports replaces the exported method names of plugin. Duplicate
// names are dropped; first occurrence order is kept.
func (r *Registry) SetExports(plugin protocol.PluginID, methods []string) {
	names := make([]string, 0, len(methods))
	for _, m := range methods {
		if m != "" && !slices.Contains(names, m) {
			names = append(names, m)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exports[plugin] = names
}

// Exports returns a copy of plugin's exported method names.
func (r *Registry) Exports(plugin protocol.PluginID) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names, ok := r.exports[plugin]
	if !ok {
		return nil, false
	}
	return slices.Clone(names), true
}

// UnbindHost removes every binding and catalog entry owned by host and
// returns the affected plugins, sorted.
func (r *Registry) UnbindHost(host protocol.HostID) []protocol.PluginID {
	r.mu.Lock()
	var removed []protocol.PluginID
	for plugin, owner := range r.owners {
		if owner == host {
			delete(r.owners, plugin)
			delete(r.exports, plugin)
			removed = append(removed, plugin)
		}
	}
	r.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	if len(removed) > 0 {
		r.logger.Info("unbound host plugins", "host", host, "plugins", len(removed))
	}
	return removed
}

// Entry is one row of a registry snapshot.
type Entry struct {
	Plugin  protocol.PluginID `json:"plugin"`
	Host    protocol.HostID   `json:"host"`
	Exports []string          `json:"exports,omitempty"`
}

// Snapshot returns every binding sorted by plugin id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.owners))
	for plugin, host := range r.owners {
		entries = append(entries, Entry{
			Plugin:  plugin,
			Host:    host,
			Exports: slices.Clone(r.exports[plugin]),
		})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Plugin < entries[j].Plugin })
	return entries
}
