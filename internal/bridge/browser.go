// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package bridge forwards plugin lifecycle calls between execution hosts.
//
// Browser is the aggregator: it knows every host's endpoint, routes
// load/activate/call requests to the owning host and fans export and package
// announcements out to every other host. Node runs inside each execution
// host and redirects lifecycle calls for plugins it does not own.
package bridge

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/pluginbridge/internal/protocol"
	"github.com/holomush/pluginbridge/internal/registry"
	"github.com/holomush/pluginbridge/internal/rpc"
	"github.com/holomush/pluginbridge/pkg/errutil"
)

// FanoutObserver is told about every fan-out delivery attempt.
type FanoutObserver interface {
	FanoutDelivered(method string, host protocol.HostID, err error)
}

// BrowserOption configures a Browser.
type BrowserOption func(*Browser)

// WithBrowserLogger sets the logger.
func WithBrowserLogger(l *slog.Logger) BrowserOption {
	return func(b *Browser) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithRegistry shares an existing registry instead of creating one.
func WithRegistry(r *registry.Registry) BrowserOption {
	return func(b *Browser) {
		b.registry = r
	}
}

// WithFanoutObserver attaches a FanoutObserver.
func WithFanoutObserver(o FanoutObserver) BrowserOption {
	return func(b *Browser) {
		b.observer = o
	}
}

// Browser is the aggregator side of the bridge. It implements
// protocol.PluginRemoteBrowser for every attached host.
type Browser struct {
	logger   *slog.Logger
	registry *registry.Registry
	observer FanoutObserver

	mu    sync.RWMutex
	hosts map[protocol.HostID]*rpc.Endpoint
	order []protocol.HostID
}

var _ protocol.PluginRemoteBrowser = (*Browser)(nil)

// NewBrowser creates a browser bridge with no hosts.
func NewBrowser(opts ...BrowserOption) *Browser {
	b := &Browser{
		logger: slog.Default(),
		hosts:  make(map[protocol.HostID]*rpc.Endpoint),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge-browser")
	if b.registry == nil {
		b.registry = registry.New(b.logger)
	}
	return b
}

// Registry returns the ownership directory.
func (b *Browser) Registry() *registry.Registry {
	return b.registry
}

// Hosts returns the attached host ids in attach order.
func (b *Browser) Hosts() []protocol.HostID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.order)
}

// Endpoint returns the endpoint of an attached host.
func (b *Browser) Endpoint(host protocol.HostID) (*rpc.Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.hosts[host]
	return ep, ok
}

// AttachHost serves the browser contract on ep, records ep as the route to
// host and sends the host the plugins that live elsewhere. ep must already
// be started. The host is detached automatically when ep closes.
func (b *Browser) AttachHost(ctx context.Context, host protocol.HostID, ep *rpc.Endpoint, external []protocol.DeployedPlugin) error {
	rpc.Register[protocol.PluginRemoteBrowser](ep, protocol.PluginRemoteBrowserID, b)

	b.mu.Lock()
	if _, exists := b.hosts[host]; !exists {
		b.order = append(b.order, host)
	}
	b.hosts[host] = ep
	b.mu.Unlock()

	ep.OnClose(func(err error) {
		b.detach(host, ep, err)
	})

	if external == nil {
		external = []protocol.DeployedPlugin{}
	}
	node := rpc.Remote(ep, protocol.PluginRemoteNodeID)
	if err := node.InitExternalPlugins(ctx, external); err != nil {
		return oops.Code("BRIDGE_INIT_FAILED").With("host", host).Wrap(err)
	}
	b.logger.Info("host attached", "host", host, "external_plugins", len(external))
	return nil
}

// HostPlugins is the set of plugins one host reported as deployed.
type HostPlugins struct {
	Host    protocol.HostID
	Plugins []protocol.DeployedPlugin
}

// StartPlugins binds every deployed plugin to the host that reported it.
// Contributions apply in order, so when several hosts deploy the same id
// the last of them owns it.
func (b *Browser) StartPlugins(contributions []HostPlugins) {
	for _, c := range contributions {
		for _, p := range c.Plugins {
			b.registry.AddMapping(p.ID(), c.Host)
		}
	}
}

// DetachHost drops host's endpoint and every binding it owned.
func (b *Browser) DetachHost(host protocol.HostID) {
	b.detach(host, nil, nil)
}

func (b *Browser) detach(host protocol.HostID, ep *rpc.Endpoint, reason error) {
	b.mu.Lock()
	current, ok := b.hosts[host]
	if !ok || (ep != nil && current != ep) {
		b.mu.Unlock()
		return
	}
	delete(b.hosts, host)
	b.order = slices.DeleteFunc(b.order, func(h protocol.HostID) bool { return h == host })
	b.mu.Unlock()

	removed := b.registry.UnbindHost(host)
	b.logger.Info("host detached", "host", host, "unbound_plugins", len(removed), "reason", reason)
}

// owner resolves the node stub of the host owning id.
func (b *Browser) owner(id protocol.PluginID) (protocol.PluginRemoteNode, protocol.HostID, error) {
	host, ok := b.registry.Lookup(id)
	if !ok {
		return nil, "", nil
	}
	ep, ok := b.Endpoint(host)
	if !ok {
		return nil, host, oops.Code("BRIDGE_HOST_GONE").
			With("plugin_id", id).
			With("host", host).
			Errorf("host %s owning %s is not attached", host, id)
	}
	return rpc.Remote(ep, protocol.PluginRemoteNodeID), host, nil
}

// LoadPlugin forwards to the owning host. Plugins without a known owner are
// left for the caller to load locally.
func (b *Browser) LoadPlugin(ctx context.Context, id protocol.PluginID, storage protocol.ConfigStorage) error {
	node, host, err := b.owner(id)
	if err != nil {
		return err
	}
	if node == nil {
		b.logger.Debug("load for unmapped plugin ignored", "plugin_id", id)
		return nil
	}
	b.logger.Debug("forwarding load", "plugin_id", id, "host", host)
	return node.LoadPlugin(ctx, id, storage)
}

// ActivatePlugin forwards to the owning host, like LoadPlugin.
func (b *Browser) ActivatePlugin(ctx context.Context, id protocol.PluginID) error {
	node, host, err := b.owner(id)
	if err != nil {
		return err
	}
	if node == nil {
		b.logger.Debug("activate for unmapped plugin ignored", "plugin_id", id)
		return nil
	}
	b.logger.Debug("forwarding activate", "plugin_id", id, "host", host)
	return node.ActivatePlugin(ctx, id)
}

// CallMethod forwards to the owning host and returns its result or error
// unchanged. A plugin without a known owner is an error.
func (b *Browser) CallMethod(ctx context.Context, id protocol.PluginID, method string, args ...any) (any, error) {
	node, _, err := b.owner(id)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, oops.Code("BRIDGE_NO_HOST").
			With("plugin_id", id).
			With("method", method).
			Errorf("no matching host for plugin %s", id)
	}
	return node.CallMethod(ctx, id, method, args...)
}

// DefinePluginExports records the exports and announces them to every host
// except the owner.
func (b *Browser) DefinePluginExports(ctx context.Context, id protocol.PluginID, methods []string) error {
	b.registry.SetExports(id, methods)
	b.fanOut(ctx, id, protocol.MethodDefinePluginExports, func(ctx context.Context, node protocol.PluginRemoteNode) error {
		return node.DefinePluginExports(ctx, id, methods)
	})
	return nil
}

// DefinePluginPackage announces package metadata to every host except the owner.
func (b *Browser) DefinePluginPackage(ctx context.Context, id protocol.PluginID, pkg protocol.PluginPackage) error {
	b.fanOut(ctx, id, protocol.MethodDefinePluginPackage, func(ctx context.Context, node protocol.PluginRemoteNode) error {
		return node.DefinePluginPackage(ctx, id, pkg)
	})
	return nil
}

// fanOut delivers to every non-owner host concurrently and waits for all of
// them. A failed delivery is logged and never affects the others.
func (b *Browser) fanOut(ctx context.Context, id protocol.PluginID, method string,
	send func(context.Context, protocol.PluginRemoteNode) error,
) {
	targets := b.registry.OtherHosts(id, b.Hosts())
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, host := range targets {
		ep, ok := b.Endpoint(host)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(host protocol.HostID, ep *rpc.Endpoint) {
			defer wg.Done()
			err := send(ctx, rpc.Remote(ep, protocol.PluginRemoteNodeID))
			if err != nil {
				errutil.LogErrorContext(ctx, b.logger, "fan-out delivery failed", err,
					"plugin_id", id,
					"method", method,
					"host", host)
			}
			if b.observer != nil {
				b.observer.FanoutDelivered(method, host, err)
			}
		}(host, ep)
	}
	wg.Wait()
}
