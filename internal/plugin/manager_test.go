// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginbridge/internal/plugin"
	"github.com/holomush/pluginbridge/internal/protocol"
	"github.com/holomush/pluginbridge/pkg/errutil"
)

// Helper functions for creating test fixtures with secure permissions.
func mkdirAll(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o750))
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0o600))
}

func deployed(id protocol.PluginID, entry string, deps ...protocol.PluginID) protocol.DeployedPlugin {
	return protocol.DeployedPlugin{Metadata: protocol.PluginMetadata{
		Model: protocol.PluginModel{
			ID:           id,
			Name:         string(id),
			Version:      "1.0.0",
			EntryPoint:   protocol.EntryPoint{Backend: entry},
			Dependencies: deps,
		},
	}}
}

// trackingModule records activation order and exports one method.
type trackingModule struct {
	mu          sync.Mutex
	activated   []protocol.PluginID
	deactivated []protocol.PluginID
	fail        bool
}

func (m *trackingModule) Activate(_ context.Context, pctx *plugin.Context) (plugin.Exports, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("activation exploded")
	}
	m.activated = append(m.activated, pctx.ID())
	id := pctx.ID()
	return plugin.MethodSet{
		"whoami": func(context.Context, ...any) (any, error) { return string(id), nil },
	}, nil
}

func (m *trackingModule) Deactivate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivated = append(m.deactivated, "x")
	return nil
}

func (m *trackingModule) order() []protocol.PluginID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.PluginID(nil), m.activated...)
}

func newManager(t *testing.T, entries map[string]plugin.Module, opts ...plugin.ManagerOption) *plugin.Manager {
	t.Helper()
	modules := plugin.NewModules()
	for name, mod := range entries {
		modules.Register(name, mod)
	}
	return plugin.NewManager(append([]plugin.ManagerOption{plugin.WithModules(modules)}, opts...)...)
}

func TestManager_Discover(t *testing.T) {
	dir := t.TempDir()

	calcDir := filepath.Join(dir, "plugins", "calc")
	mkdirAll(t, calcDir)
	writeFile(t, filepath.Join(calcDir, "plugin.yaml"), []byte(`
name: calc
publisher: acme
version: 1.0.0
entry:
  backend: calc
activation-events:
  - "*"
`))

	brokenDir := filepath.Join(dir, "plugins", "broken")
	mkdirAll(t, brokenDir)
	writeFile(t, filepath.Join(brokenDir, "plugin.yaml"), []byte("name: broken\n"))

	mkdirAll(t, filepath.Join(dir, "plugins", "empty"))
	writeFile(t, filepath.Join(dir, "plugins", "README"), []byte("not a plugin"))

	mgr := plugin.NewManager(plugin.WithPluginsDir(filepath.Join(dir, "plugins")))
	found, err := mgr.Discover(context.Background())
	require.NoError(t, err)

	require.Len(t, found, 1)
	assert.Equal(t, protocol.PluginID("acme.calc"), found[0].Manifest.PluginID())
	assert.Equal(t, calcDir, found[0].Dir)
}

func TestManager_DiscoverMissingDirectory(t *testing.T) {
	mgr := plugin.NewManager(plugin.WithPluginsDir(filepath.Join(t.TempDir(), "nope")))
	found, err := mgr.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestManager_LoadAllRegistersLocalPlugins(t *testing.T) {
	dir := t.TempDir()
	calcDir := filepath.Join(dir, "calc")
	mkdirAll(t, calcDir)
	writeFile(t, filepath.Join(calcDir, "plugin.yaml"), []byte(`
name: calc
version: 2.0.0
entry:
  backend: calc
contributes:
  commands:
    - add
`))

	mgr := plugin.NewManager(plugin.WithPluginsDir(dir), plugin.WithHostID("node-1"))
	require.NoError(t, mgr.LoadAll(context.Background()))

	plugins, err := mgr.DeployedPlugins(context.Background())
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, protocol.HostID("node-1"), plugins[0].Metadata.Host)
	assert.Equal(t, calcDir, plugins[0].Metadata.Model.PackagePath)

	pkg, ok := mgr.Package("calc")
	require.True(t, ok)
	assert.JSONEq(t, `{"commands":["add"]}`, string(pkg.Contributes))
}

func TestManager_InitSkipsInvalidPlugins(t *testing.T) {
	mgr := plugin.NewManager()
	bad := deployed("calc", "calc")
	bad.Metadata.Model.Version = "not-semver"
	mgr.Init([]protocol.DeployedPlugin{bad, deployed("ok", "ok")})

	assert.Equal(t, []protocol.PluginID{"ok"}, mgr.ListPlugins())
	got, ok := mgr.Get("ok")
	require.True(t, ok)
	assert.Equal(t, plugin.DefaultHostID, got.Metadata.Host)
}

func TestManager_LoadAndActivateWithDependencies(t *testing.T) {
	ctx := context.Background()
	mod := &trackingModule{}
	mgr := newManager(t, map[string]plugin.Module{"mod": mod})
	mgr.Init([]protocol.DeployedPlugin{
		deployed("base", "mod"),
		deployed("middle", "mod", "base"),
		deployed("top", "mod", "middle", "base"),
	})

	require.NoError(t, mgr.LoadPlugin(ctx, "top", protocol.ConfigStorage{}))
	assert.True(t, mgr.IsLoaded("base"))
	assert.True(t, mgr.IsLoaded("middle"))
	assert.Empty(t, mod.order(), "nothing activates without a startup event")

	require.NoError(t, mgr.ActivatePlugin(ctx, "top"))
	assert.Equal(t, []protocol.PluginID{"base", "middle", "top"}, mod.order())

	// Idempotent.
	require.NoError(t, mgr.ActivatePlugin(ctx, "top"))
	assert.Len(t, mod.order(), 3)

	exports, ok := mgr.Activated("middle")
	require.True(t, ok)
	assert.Equal(t, []string{"whoami"}, exports.Methods())
	out, err := exports.Invoke(ctx, "whoami")
	require.NoError(t, err)
	assert.Equal(t, "middle", out)
}

func TestManager_DependencyCycleTerminates(t *testing.T) {
	ctx := context.Background()
	mod := &trackingModule{}
	mgr := newManager(t, map[string]plugin.Module{"mod": mod})
	mgr.Init([]protocol.DeployedPlugin{
		deployed("a", "mod", "b"),
		deployed("b", "mod", "a"),
	})

	require.NoError(t, mgr.ActivatePlugin(ctx, "a"))
	assert.ElementsMatch(t, []protocol.PluginID{"a", "b"}, mod.order())
}

func TestManager_StartupActivationEvent(t *testing.T) {
	ctx := context.Background()
	mod := &trackingModule{}
	mgr := newManager(t, map[string]plugin.Module{"mod": mod})
	eager := deployed("eager", "mod")
	eager.Metadata.Model.ActivationEvents = []string{protocol.ActivateOnStartup}
	mgr.Init([]protocol.DeployedPlugin{eager, deployed("lazy", "mod")})

	require.NoError(t, mgr.Start(ctx, protocol.StartParams{}))
	assert.Equal(t, []protocol.PluginID{"eager"}, mod.order())
	assert.True(t, mgr.IsLoaded("lazy"))
}

func TestManager_LoadHooksRunBeforeStartupActivation(t *testing.T) {
	ctx := context.Background()
	mod := &trackingModule{}
	mgr := newManager(t, map[string]plugin.Module{"mod": mod})
	eager := deployed("eager", "mod", "dep")
	eager.Metadata.Model.ActivationEvents = []string{protocol.ActivateOnStartup}
	mgr.Init([]protocol.DeployedPlugin{eager, deployed("dep", "mod")})

	var loaded []protocol.PluginID
	var activatedAtHook []int
	mgr.OnLoaded(func(_ context.Context, id protocol.PluginID) {
		loaded = append(loaded, id)
		activatedAtHook = append(activatedAtHook, len(mod.order()))
	})

	require.NoError(t, mgr.LoadPlugin(ctx, "eager", protocol.ConfigStorage{}))
	assert.Equal(t, []protocol.PluginID{"dep", "eager"}, loaded)
	assert.Equal(t, []int{0, 0}, activatedAtHook)
	assert.Equal(t, []protocol.PluginID{"dep", "eager"}, mod.order())

	require.NoError(t, mgr.LoadPlugin(ctx, "eager", protocol.ConfigStorage{}))
	assert.Len(t, loaded, 2, "reloading a loaded plugin runs no hooks")
}

func TestManager_Errors(t *testing.T) {
	ctx := context.Background()
	failing := &trackingModule{fail: true}
	mgr := newManager(t, map[string]plugin.Module{"failing": failing})
	mgr.Init([]protocol.DeployedPlugin{
		deployed("orphan", "missing"),
		deployed("broken", "failing"),
		deployed("needs-ghost", "failing", "ghost"),
	})

	err := mgr.LoadPlugin(ctx, "nobody", protocol.ConfigStorage{})
	errutil.AssertErrorCode(t, err, "PLUGIN_NOT_FOUND")

	err = mgr.LoadPlugin(ctx, "orphan", protocol.ConfigStorage{})
	errutil.AssertErrorCode(t, err, "PLUGIN_MODULE_NOT_FOUND")

	// The innermost code wins; the dependency shows up in the context.
	err = mgr.LoadPlugin(ctx, "needs-ghost", protocol.ConfigStorage{})
	errutil.AssertErrorCode(t, err, "PLUGIN_NOT_FOUND")
	errutil.AssertErrorContext(t, err, "dependency", protocol.PluginID("ghost"))

	err = mgr.ActivatePlugin(ctx, "broken")
	errutil.AssertErrorCode(t, err, "PLUGIN_ACTIVATE_FAILED")
	_, ok := mgr.Activated("broken")
	assert.False(t, ok)

	// A failed activation can be retried.
	failing.mu.Lock()
	failing.fail = false
	failing.mu.Unlock()
	require.NoError(t, mgr.ActivatePlugin(ctx, "broken"))
}

func TestManager_InterceptorSeesDependencyLoads(t *testing.T) {
	ctx := context.Background()
	mod := &trackingModule{}
	mgr := newManager(t, map[string]plugin.Module{"mod": mod})
	mgr.Init([]protocol.DeployedPlugin{deployed("consumer", "mod", "remote-dep")})
	mgr.AddExternal(deployed("remote-dep", ""))

	rec := &recordingLifecycle{external: map[protocol.PluginID]bool{"remote-dep": true}}
	mgr.Intercept(func(next plugin.Lifecycle) plugin.Lifecycle {
		rec.next = next
		return rec
	})

	require.NoError(t, mgr.ActivatePlugin(ctx, "consumer"))
	assert.Equal(t, []string{
		"activate consumer",
		"load consumer",
		"load remote-dep",
		"activate remote-dep",
	}, rec.calls)
	assert.Equal(t, []protocol.PluginID{"consumer"}, mod.order())

	deployedPlugins, err := mgr.DeployedPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, deployedPlugins, 1, "external plugins are not reported as deployed here")
}

type recordingLifecycle struct {
	mu       sync.Mutex
	next     plugin.Lifecycle
	external map[protocol.PluginID]bool
	calls    []string
}

func (r *recordingLifecycle) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recordingLifecycle) LoadPlugin(ctx context.Context, id protocol.PluginID, storage protocol.ConfigStorage) error {
	r.record("load " + string(id))
	if r.external[id] {
		return nil
	}
	return r.next.LoadPlugin(ctx, id, storage)
}

func (r *recordingLifecycle) ActivatePlugin(ctx context.Context, id protocol.PluginID) error {
	r.record("activate " + string(id))
	if r.external[id] {
		return nil
	}
	return r.next.ActivatePlugin(ctx, id)
}

func TestManager_SyntheticActivationAndContextExports(t *testing.T) {
	ctx := context.Background()
	var seen any
	consumer := plugin.ModuleFunc(func(ctx context.Context, pctx *plugin.Context) (plugin.Exports, error) {
		calc, err := pctx.Exports("calc")
		if err != nil {
			return nil, err
		}
		seen, err = calc.Invoke(ctx, "add", 2, 3)
		return nil, err
	})
	mgr := newManager(t, map[string]plugin.Module{"consumer": consumer})
	mgr.Init([]protocol.DeployedPlugin{deployed("consumer", "consumer")})

	err := mgr.ActivatePlugin(ctx, "consumer")
	errutil.AssertErrorCode(t, err, "PLUGIN_NOT_ACTIVATED")

	mgr.SetActivated("calc", plugin.MethodSet{
		"add": func(_ context.Context, args ...any) (any, error) {
			return args[0].(int) + args[1].(int), nil
		},
	})
	require.NoError(t, mgr.ActivatePlugin(ctx, "consumer"))
	assert.Equal(t, 5, seen)
}

func TestManager_PackageUpdates(t *testing.T) {
	mgr := plugin.NewManager()
	mgr.AddExternal(deployed("remote", "x"))

	pkg, ok := mgr.Package("remote")
	require.True(t, ok)
	assert.Empty(t, pkg.Name, "external packages start empty")

	assert.True(t, mgr.SetPackage("remote", protocol.PluginPackage{Name: "remote"}))
	pkg, _ = mgr.Package("remote")
	assert.Equal(t, "remote", pkg.Name)

	assert.False(t, mgr.SetPackage("unknown", protocol.PluginPackage{}))
}

func TestManager_StopDeactivatesInReverseOrder(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var stopped []string
	stopper := func(name string) plugin.Module {
		return &stoppable{name: name, onStop: func(n string) {
			mu.Lock()
			defer mu.Unlock()
			stopped = append(stopped, n)
		}}
	}
	mgr := newManager(t, map[string]plugin.Module{"a": stopper("a"), "b": stopper("b")})
	mgr.Init([]protocol.DeployedPlugin{deployed("a", "a"), deployed("b", "b", "a")})
	require.NoError(t, mgr.ActivatePlugin(ctx, "b"))

	require.NoError(t, mgr.Stop(ctx))
	assert.Equal(t, []string{"b", "a"}, stopped)
	_, ok := mgr.Activated("a")
	assert.False(t, ok)
	assert.False(t, mgr.IsLoaded("a"))
}

type stoppable struct {
	name   string
	onStop func(string)
}

func (s *stoppable) Activate(context.Context, *plugin.Context) (plugin.Exports, error) {
	return nil, nil
}

func (s *stoppable) Deactivate(context.Context) error {
	s.onStop(s.name)
	return nil
}

func TestMethodSet(t *testing.T) {
	set := plugin.MethodSet{
		"b": func(context.Context, ...any) (any, error) { return "b", nil },
		"a": func(_ context.Context, args ...any) (any, error) { return len(args), nil },
	}
	assert.Equal(t, []string{"a", "b"}, set.Methods())

	out, err := set.Invoke(context.Background(), "a", 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	_, err = set.Invoke(context.Background(), "zzz")
	errutil.AssertErrorCode(t, err, "PLUGIN_UNKNOWN_EXPORT")
}

func TestModules(t *testing.T) {
	modules := plugin.NewModules()
	modules.Register("b", &trackingModule{})
	modules.Register("a", &trackingModule{})
	assert.Equal(t, []string{"a", "b"}, modules.Entries())
	_, ok := modules.Lookup("c")
	assert.False(t, ok)
}
