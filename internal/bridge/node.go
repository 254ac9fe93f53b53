// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/pluginbridge/internal/plugin"
	"github.com/holomush/pluginbridge/internal/protocol"
	"github.com/holomush/pluginbridge/internal/rpc"
	"github.com/holomush/pluginbridge/pkg/errutil"
)

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithNodeLogger sets the logger.
func WithNodeLogger(l *slog.Logger) NodeOption {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithInvokeTimeout bounds every call made through synthetic exports.
func WithInvokeTimeout(d time.Duration) NodeOption {
	return func(n *Node) {
		n.invokeTimeout = d
	}
}

// Node is the execution-host side of the bridge. It implements
// protocol.PluginRemoteNode on top of a local plugin manager.
type Node struct {
	logger        *slog.Logger
	browser       protocol.PluginRemoteBrowser
	invokeTimeout time.Duration

	mu       sync.RWMutex
	manager  *plugin.Manager
	external map[protocol.PluginID]struct{}
}

var _ protocol.PluginRemoteNode = (*Node)(nil)

// NewNode creates a node that reaches other hosts through browser.
func NewNode(browser protocol.PluginRemoteBrowser, opts ...NodeOption) *Node {
	n := &Node{
		logger:        slog.Default(),
		browser:       browser,
		invokeTimeout: rpc.DefaultCallTimeout,
		external:      make(map[protocol.PluginID]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "bridge-node")
	return n
}

// Attach binds the node to mgr and installs the redirecting interceptor:
// lifecycle calls for external plugins go to the browser, everything else
// reaches the local loader unchanged.
func (n *Node) Attach(mgr *plugin.Manager) {
	n.mu.Lock()
	n.manager = mgr
	n.mu.Unlock()
	mgr.Intercept(func(next plugin.Lifecycle) plugin.Lifecycle {
		return &redirect{node: n, mgr: mgr, next: next}
	})
	mgr.OnLoaded(func(ctx context.Context, id protocol.PluginID) {
		n.publishPackage(ctx, mgr, id)
	})
}

func (n *Node) mgr() (*plugin.Manager, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.manager == nil {
		return nil, oops.Code("BRIDGE_NOT_ATTACHED").Errorf("node has no plugin manager")
	}
	return n.manager, nil
}

// IsExternal reports whether id is hosted elsewhere.
func (n *Node) IsExternal(id protocol.PluginID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.external[id]
	return ok
}

// redirect is the interceptor installed by Attach. Local plugins publish
// their exports when first activated, whether the request came from the
// browser or from a local dependency. Packages are published by the load
// hook, ahead of any startup activation.
type redirect struct {
	node *Node
	mgr  *plugin.Manager
	next plugin.Lifecycle
}

func (r *redirect) LoadPlugin(ctx context.Context, id protocol.PluginID, storage protocol.ConfigStorage) error {
	if !r.node.IsExternal(id) {
		return r.next.LoadPlugin(ctx, id, storage)
	}
	r.node.logger.Debug("redirecting load", "plugin_id", id)
	if err := r.node.browser.LoadPlugin(ctx, id, storage); err != nil {
		return oops.Code("BRIDGE_REMOTE_LOAD_FAILED").With("plugin_id", id).Wrap(err)
	}
	return nil
}

func (r *redirect) ActivatePlugin(ctx context.Context, id protocol.PluginID) error {
	if !r.node.IsExternal(id) {
		_, wasActive := r.mgr.Activated(id)
		if err := r.next.ActivatePlugin(ctx, id); err != nil {
			return err
		}
		if !wasActive {
			r.node.publishExports(ctx, r.mgr, id)
		}
		return nil
	}
	r.node.logger.Debug("redirecting activate", "plugin_id", id)
	if err := r.node.browser.ActivatePlugin(ctx, id); err != nil {
		return oops.Code("BRIDGE_REMOTE_ACTIVATE_FAILED").With("plugin_id", id).Wrap(err)
	}
	return nil
}

// InitExternalPlugins registers plugins hosted elsewhere.
func (n *Node) InitExternalPlugins(_ context.Context, plugins []protocol.DeployedPlugin) error {
	mgr, err := n.mgr()
	if err != nil {
		return err
	}
	for _, p := range plugins {
		if existing, ok := mgr.Get(p.ID()); ok && !n.IsExternal(p.ID()) {
			n.logger.Warn("ignoring external descriptor for a local plugin",
				"plugin_id", p.ID(),
				"host", existing.Metadata.Host)
			continue
		}
		mgr.AddExternal(p)
		n.mu.Lock()
		n.external[p.ID()] = struct{}{}
		n.mu.Unlock()
	}
	n.logger.Info("external plugins registered", "count", len(plugins))
	return nil
}

// LoadPlugin loads a plugin this host owns. The interceptor publishes its
// package metadata and, if activation produced any, its exports.
func (n *Node) LoadPlugin(ctx context.Context, id protocol.PluginID, storage protocol.ConfigStorage) error {
	mgr, err := n.mgr()
	if err != nil {
		return err
	}
	if _, ok := mgr.Get(id); !ok {
		return oops.Code("BRIDGE_UNKNOWN_PLUGIN").With("plugin_id", id).Errorf("plugin %s is not known here", id)
	}
	return mgr.LoadPlugin(ctx, id, storage)
}

// ActivatePlugin activates a plugin this host owns.
func (n *Node) ActivatePlugin(ctx context.Context, id protocol.PluginID) error {
	mgr, err := n.mgr()
	if err != nil {
		return err
	}
	return mgr.ActivatePlugin(ctx, id)
}

func (n *Node) publishPackage(ctx context.Context, mgr *plugin.Manager, id protocol.PluginID) {
	pkg, ok := mgr.Package(id)
	if !ok {
		n.logger.Debug("no package metadata to publish", "plugin_id", id)
		return
	}
	if err := n.browser.DefinePluginPackage(ctx, id, pkg); err != nil {
		errutil.LogErrorContext(ctx, n.logger, "publishing package failed", err, "plugin_id", id)
	}
}

func (n *Node) publishExports(ctx context.Context, mgr *plugin.Manager, id protocol.PluginID) {
	exports, ok := mgr.Activated(id)
	if !ok {
		return
	}
	methods := exports.Methods()
	if len(methods) == 0 {
		return
	}
	if err := n.browser.DefinePluginExports(ctx, id, methods); err != nil {
		errutil.LogErrorContext(ctx, n.logger, "publishing exports failed", err, "plugin_id", id)
	}
}

// CallMethod invokes an export of an activated plugin.
func (n *Node) CallMethod(ctx context.Context, id protocol.PluginID, method string, args ...any) (any, error) {
	mgr, err := n.mgr()
	if err != nil {
		return nil, err
	}
	exports, ok := mgr.Activated(id)
	if !ok {
		return nil, oops.Code("BRIDGE_NOT_ACTIVATED").
			With("plugin_id", id).
			With("method", method).
			Errorf("plugin %s is not activated", id)
	}
	return exports.Invoke(ctx, method, args...)
}

// DefinePluginExports installs synthetic exports for a plugin hosted
// elsewhere and then activates it through the interceptor. Plugins this
// host runs itself keep their own activation.
func (n *Node) DefinePluginExports(ctx context.Context, id protocol.PluginID, methods []string) error {
	mgr, err := n.mgr()
	if err != nil {
		return err
	}
	external := n.IsExternal(id)
	if _, known := mgr.Get(id); known && !external {
		n.logger.Warn("ignoring remote exports for a local plugin", "plugin_id", id)
		return nil
	}
	mgr.SetActivated(id, NewRemoteExports(id, methods, n.browser, n.invokeTimeout))
	n.logger.Debug("synthetic exports installed", "plugin_id", id, "methods", methods)

	if !external {
		return nil
	}
	return mgr.ActivatePlugin(ctx, id)
}

// DefinePluginPackage replaces the cached package metadata of a known plugin.
func (n *Node) DefinePluginPackage(_ context.Context, id protocol.PluginID, pkg protocol.PluginPackage) error {
	mgr, err := n.mgr()
	if err != nil {
		return err
	}
	if !mgr.SetPackage(id, pkg) {
		n.logger.Debug("package for unknown plugin ignored", "plugin_id", id)
	}
	return nil
}
