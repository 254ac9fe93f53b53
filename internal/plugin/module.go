// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/pluginbridge/internal/protocol"
)

// Module is the in-process implementation behind a backend entry point.
type Module interface {
	// Activate starts the plugin and returns what it exports to other plugins.
	Activate(ctx context.Context, pctx *Context) (Exports, error)
}

// Deactivator is implemented by modules that need to release resources on stop.
type Deactivator interface {
	Deactivate(ctx context.Context) error
}

// ModuleFunc adapts a function to Module.
type ModuleFunc func(ctx context.Context, pctx *Context) (Exports, error)

// Activate calls f.
func (f ModuleFunc) Activate(ctx context.Context, pctx *Context) (Exports, error) {
	return f(ctx, pctx)
}

// Modules maps backend entry point names to module implementations.
// It is safe for concurrent use.
type Modules struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewModules creates an empty module table.
func NewModules() *Modules {
	return &Modules{modules: make(map[string]Module)}
}

// Register binds entry to m, replacing any previous binding.
func (t *Modules) Register(entry string, m Module) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modules[entry] = m
}

// Lookup returns the module bound to entry.
func (t *Modules) Lookup(entry string) (Module, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.modules[entry]
	return m, ok
}

// Entries returns the registered entry names, sorted.
func (t *Modules) Entries() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.modules))
	for name := range t.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Context is handed to a module on activation.
type Context struct {
	Plugin  protocol.DeployedPlugin
	Storage protocol.ConfigStorage
	Logger  *slog.Logger

	manager *Manager
}

// ID returns the id of the plugin being activated.
func (c *Context) ID() protocol.PluginID {
	return c.Plugin.ID()
}

// Exports returns the exports of another activated plugin, local or remote.
func (c *Context) Exports(id protocol.PluginID) (Exports, error) {
	exports, ok := c.manager.Activated(id)
	if !ok {
		return nil, oops.Code("PLUGIN_NOT_ACTIVATED").
			With("plugin_id", id).
			With("requested_by", c.ID()).
			Errorf("plugin %s is not activated", id)
	}
	return exports, nil
}

// Package returns the package metadata of any known plugin.
func (c *Context) Package(id protocol.PluginID) (protocol.PluginPackage, bool) {
	return c.manager.Package(id)
}
