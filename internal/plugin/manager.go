// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/pluginbridge/internal/protocol"
)

// DefaultHostID names a manager that was not given a host id.
const DefaultHostID protocol.HostID = "local"

// Lifecycle is the pair of entry points that load and activate plugins.
// The manager calls them through its interceptor chain, including for the
// dependencies it loads on a plugin's behalf.
type Lifecycle interface {
	LoadPlugin(ctx context.Context, id protocol.PluginID, storage protocol.ConfigStorage) error
	ActivatePlugin(ctx context.Context, id protocol.PluginID) error
}

// Interceptor wraps the lifecycle; next is the previous chain.
type Interceptor func(next Lifecycle) Lifecycle

// LoadHook runs once a local plugin is loaded, before its startup
// activation.
type LoadHook func(ctx context.Context, id protocol.PluginID)

// Manager discovers and manages plugin lifecycle.
type Manager struct {
	pluginsDir string
	host       protocol.HostID
	modules    *Modules
	logger     *slog.Logger

	mu          sync.RWMutex
	records     map[protocol.PluginID]*record
	activations map[protocol.PluginID]*activation
	order       []protocol.PluginID
	chain       Lifecycle
	loadHooks   []LoadHook
}

type record struct {
	deployed protocol.DeployedPlugin
	pkg      protocol.PluginPackage
	local    bool
	loaded   bool
	storage  protocol.ConfigStorage
}

type activation struct {
	done    chan struct{}
	exports Exports
	module  Module
	err     error
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithPluginsDir sets the directory scanned by Discover.
func WithPluginsDir(dir string) ManagerOption {
	return func(m *Manager) {
		m.pluginsDir = dir
	}
}

// WithHostID sets the host id stamped on discovered plugins.
func WithHostID(id protocol.HostID) ManagerOption {
	return func(m *Manager) {
		m.host = id
	}
}

// WithModules sets the module table backing entry points.
func WithModules(t *Modules) ManagerOption {
	return func(m *Manager) {
		m.modules = t
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a plugin manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		host:        DefaultHostID,
		records:     make(map[protocol.PluginID]*record),
		activations: make(map[protocol.PluginID]*activation),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.modules == nil {
		m.modules = NewModules()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "plugin-manager", "host", m.host)
	m.chain = localLifecycle{m: m}
	return m
}

// HostID returns the id of the host this manager runs on.
func (m *Manager) HostID() protocol.HostID {
	return m.host
}

// Modules returns the module table.
func (m *Manager) Modules() *Modules {
	return m.modules
}

// Intercept installs i around the current lifecycle chain.
func (m *Manager) Intercept(i Interceptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain = i(m.chain)
}

// OnLoaded registers fn to run after every local load.
func (m *Manager) OnLoaded(fn LoadHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadHooks = append(m.loadHooks, fn)
}

func (m *Manager) lifecycle() Lifecycle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chain
}

// DiscoveredPlugin contains a manifest and its directory.
type DiscoveredPlugin struct {
	Manifest *Manifest
	Dir      string
}

// Discover finds all valid plugins in the plugins directory.
// Invalid plugins are logged and skipped.
func (m *Manager) Discover(_ context.Context) ([]*DiscoveredPlugin, error) {
	if m.pluginsDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No plugins directory
		}
		return nil, oops.Code("PLUGIN_DIR_UNREADABLE").With("dir", m.pluginsDir).Wrap(err)
	}

	var plugins []*DiscoveredPlugin
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(m.pluginsDir, entry.Name())
		manifestPath := filepath.Join(pluginDir, ManifestFile)

		data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath is constructed from ReadDir entries
		if err != nil {
			m.logger.Warn("skipping plugin without manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		if err := ValidateSchema(data); err != nil {
			m.logger.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", FormatSchemaError(err))
			continue
		}

		manifest, err := ParseManifest(data)
		if err != nil {
			m.logger.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		plugins = append(plugins, &DiscoveredPlugin{
			Manifest: manifest,
			Dir:      pluginDir,
		})
	}

	return plugins, nil
}

// LoadAll discovers the plugins directory and registers every valid plugin
// as local. Nothing is loaded until Start or LoadPlugin.
func (m *Manager) LoadAll(ctx context.Context) error {
	discovered, err := m.Discover(ctx)
	if err != nil {
		return err
	}

	deployed := make([]protocol.DeployedPlugin, 0, len(discovered))
	for _, dp := range discovered {
		d, err := dp.Manifest.Deployed(m.host, dp.Dir)
		if err != nil {
			m.logger.Warn("skipping plugin", "plugin_id", dp.Manifest.PluginID(), "error", err)
			continue
		}
		deployed = append(deployed, d)
	}
	m.Init(deployed)
	return nil
}

// Init registers plugins this host runs itself. Invalid descriptors are
// logged and skipped.
func (m *Manager) Init(plugins []protocol.DeployedPlugin) {
	for _, p := range plugins {
		if p.Metadata.Host == "" {
			p.Metadata.Host = m.host
		}
		if err := p.Validate(); err != nil {
			m.logger.Warn("skipping invalid plugin", "plugin_id", p.ID(), "error", err)
			continue
		}
		m.register(p, p.Source, true)
	}
}

// AddExternal registers a plugin hosted elsewhere. Its package metadata
// starts empty until the owner publishes it.
func (m *Manager) AddExternal(p protocol.DeployedPlugin) {
	m.register(p, protocol.PluginPackage{}, false)
}

func (m *Manager) register(p protocol.DeployedPlugin, pkg protocol.PluginPackage, local bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[p.ID()] = &record{deployed: p, pkg: pkg, local: local}
	m.logger.Debug("registered plugin", "plugin_id", p.ID(), "local", local)
}

// ListPlugins returns the ids of all registered plugins, sorted.
func (m *Manager) ListPlugins() []protocol.PluginID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]protocol.PluginID, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}

	// Sort for deterministic output
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Get returns a registered plugin.
func (m *Manager) Get(id protocol.PluginID) (protocol.DeployedPlugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return protocol.DeployedPlugin{}, false
	}
	return rec.deployed, true
}

// IsLoaded reports whether a local plugin has been loaded.
func (m *Manager) IsLoaded(id protocol.PluginID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return ok && rec.loaded
}

// Package returns the cached raw package metadata of a plugin.
func (m *Manager) Package(id protocol.PluginID) (protocol.PluginPackage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return protocol.PluginPackage{}, false
	}
	return rec.pkg, true
}

// SetPackage replaces the cached package metadata of a known plugin and
// reports whether the plugin was known.
func (m *Manager) SetPackage(id protocol.PluginID, pkg protocol.PluginPackage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if ok {
		rec.pkg = pkg
	}
	return ok
}

// Activated returns the exports of a completed activation.
func (m *Manager) Activated(id protocol.PluginID) (Exports, bool) {
	m.mu.RLock()
	act, ok := m.activations[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	select {
	case <-act.done:
		return act.exports, act.err == nil
	default:
		return nil, false
	}
}

// SetActivated installs exports as the activation record of id without
// running any module code.
func (m *Manager) SetActivated(id protocol.PluginID, exports Exports) {
	act := &activation{done: make(chan struct{}), exports: exports}
	close(act.done)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activations[id] = act
}

// LoadPlugin loads id through the interceptor chain.
func (m *Manager) LoadPlugin(ctx context.Context, id protocol.PluginID, storage protocol.ConfigStorage) error {
	return m.lifecycle().LoadPlugin(ctx, id, storage)
}

// ActivatePlugin activates id through the interceptor chain.
func (m *Manager) ActivatePlugin(ctx context.Context, id protocol.PluginID) error {
	return m.lifecycle().ActivatePlugin(ctx, id)
}

// DeployedPlugins returns the plugins this host runs itself, sorted by id.
func (m *Manager) DeployedPlugins(_ context.Context) ([]protocol.DeployedPlugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.DeployedPlugin, 0, len(m.records))
	for _, rec := range m.records {
		if rec.local {
			out = append(out, rec.deployed)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// Start loads every local plugin.
//
// Design: Start uses graceful degradation - individual plugin failures are
// logged but don't fail the host. Callers who need strict loading should
// use LoadPlugin individually with error checking.
func (m *Manager) Start(ctx context.Context, params protocol.StartParams) error {
	plugins, err := m.DeployedPlugins(ctx)
	if err != nil {
		return err
	}
	for _, p := range plugins {
		if err := m.LoadPlugin(ctx, p.ID(), params.Storage); err != nil {
			m.logger.Error("failed to load plugin",
				"plugin_id", p.ID(),
				"error", err)
		}
	}
	m.logger.Info("plugin host started", "plugins", len(plugins))
	return nil
}

// Stop deactivates plugins in reverse activation order and forgets every
// activation, including synthetic ones.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	order := m.order
	activations := m.activations
	m.order = nil
	m.activations = make(map[protocol.PluginID]*activation)
	for _, rec := range m.records {
		rec.loaded = false
	}
	m.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		act, ok := activations[order[i]]
		if !ok || act.module == nil {
			continue
		}
		d, ok := act.module.(Deactivator)
		if !ok {
			continue
		}
		if err := d.Deactivate(ctx); err != nil {
			errs = append(errs, oops.Code("PLUGIN_DEACTIVATE_FAILED").With("plugin_id", order[i]).Wrap(err))
		}
	}
	return errors.Join(errs...)
}

type visitedKey int

const (
	loadVisited visitedKey = iota
	activateVisited
)

// visit records id in the visited set carried by ctx and reports whether
// this is the first visit. Nested loads share one set, which breaks
// dependency cycles.
func visit(ctx context.Context, key visitedKey, id protocol.PluginID) (context.Context, bool) {
	seen, ok := ctx.Value(key).(map[protocol.PluginID]struct{})
	if !ok {
		seen = make(map[protocol.PluginID]struct{})
		ctx = context.WithValue(ctx, key, seen)
	}
	if _, dup := seen[id]; dup {
		return ctx, false
	}
	seen[id] = struct{}{}
	return ctx, true
}

// localLifecycle is the innermost chain element: it runs module code.
type localLifecycle struct {
	m *Manager
}

func (l localLifecycle) LoadPlugin(ctx context.Context, id protocol.PluginID, storage protocol.ConfigStorage) error {
	m := l.m
	ctx, first := visit(ctx, loadVisited, id)
	if !first {
		return nil
	}

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return oops.Code("PLUGIN_NOT_FOUND").With("plugin_id", id).Errorf("plugin %s is not registered", id)
	}
	if rec.loaded {
		m.mu.Unlock()
		return nil
	}
	model := rec.deployed.Metadata.Model
	m.mu.Unlock()

	for _, dep := range model.Dependencies {
		if err := m.lifecycle().LoadPlugin(ctx, dep, storage); err != nil {
			return oops.Code("PLUGIN_DEPENDENCY_FAILED").
				With("plugin_id", id).
				With("dependency", dep).
				Wrap(err)
		}
	}

	if _, ok := m.modules.Lookup(model.EntryPoint.Backend); !ok {
		return oops.Code("PLUGIN_MODULE_NOT_FOUND").
			With("plugin_id", id).
			With("entry", model.EntryPoint.Backend).
			Errorf("no module registered for entry %q", model.EntryPoint.Backend)
	}

	m.mu.Lock()
	rec.loaded = true
	rec.storage = storage
	hooks := append([]LoadHook(nil), m.loadHooks...)
	m.mu.Unlock()

	m.logger.Info("loaded plugin",
		"plugin_id", id,
		"version", model.Version)

	for _, hook := range hooks {
		hook(ctx, id)
	}

	if model.ActivatesOnStartup() {
		return m.lifecycle().ActivatePlugin(ctx, id)
	}
	return nil
}

func (l localLifecycle) ActivatePlugin(ctx context.Context, id protocol.PluginID) error {
	m := l.m
	ctx, first := visit(ctx, activateVisited, id)
	if !first {
		return nil
	}

	m.mu.Lock()
	if act, ok := m.activations[id]; ok {
		m.mu.Unlock()
		select {
		case <-act.done:
			return act.err
		case <-ctx.Done():
			return oops.Code("PLUGIN_ACTIVATION_CANCELED").With("plugin_id", id).Wrap(ctx.Err())
		}
	}
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return oops.Code("PLUGIN_NOT_FOUND").With("plugin_id", id).Errorf("plugin %s is not registered", id)
	}
	act := &activation{done: make(chan struct{})}
	m.activations[id] = act
	loaded := rec.loaded
	storage := rec.storage
	deployed := rec.deployed
	m.mu.Unlock()

	exports, module, err := l.activate(ctx, id, deployed, loaded, storage)

	m.mu.Lock()
	act.err = err
	if err != nil {
		if m.activations[id] == act {
			delete(m.activations, id)
		}
	} else {
		act.exports = exports
		act.module = module
		m.order = append(m.order, id)
	}
	close(act.done)
	m.mu.Unlock()

	if err == nil {
		m.logger.Info("activated plugin", "plugin_id", id, "exports", len(exports.Methods()))
	}
	return err
}

func (l localLifecycle) activate(
	ctx context.Context,
	id protocol.PluginID,
	deployed protocol.DeployedPlugin,
	loaded bool,
	storage protocol.ConfigStorage,
) (Exports, Module, error) {
	m := l.m
	if !loaded {
		if err := m.lifecycle().LoadPlugin(ctx, id, storage); err != nil {
			return nil, nil, err
		}
		m.mu.RLock()
		storage = m.records[id].storage
		m.mu.RUnlock()
	}

	for _, dep := range deployed.Metadata.Model.Dependencies {
		if err := m.lifecycle().ActivatePlugin(ctx, dep); err != nil {
			return nil, nil, oops.Code("PLUGIN_DEPENDENCY_FAILED").
				With("plugin_id", id).
				With("dependency", dep).
				Wrap(err)
		}
	}

	entry := deployed.Metadata.Model.EntryPoint.Backend
	module, ok := m.modules.Lookup(entry)
	if !ok {
		return nil, nil, oops.Code("PLUGIN_MODULE_NOT_FOUND").
			With("plugin_id", id).
			With("entry", entry).
			Errorf("no module registered for entry %q", entry)
	}

	exports, err := module.Activate(ctx, &Context{
		Plugin:  deployed,
		Storage: storage,
		Logger:  m.logger.With("plugin_id", id),
		manager: m,
	})
	if err != nil {
		return nil, nil, oops.Code("PLUGIN_ACTIVATE_FAILED").With("plugin_id", id).Wrap(err)
	}
	if exports == nil {
		exports = noExports
	}
	return exports, module, nil
}
