// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package hub runs the aggregator: it owns the browser-side bridge and
// wires it to an in-process host and to every remote execution host the
// router is connected to.
package hub

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/holomush/pluginbridge/internal/bridge"
	"github.com/holomush/pluginbridge/internal/channel"
	"github.com/holomush/pluginbridge/internal/host"
	"github.com/holomush/pluginbridge/internal/plugin"
	"github.com/holomush/pluginbridge/internal/protocol"
	"github.com/holomush/pluginbridge/internal/router"
	"github.com/holomush/pluginbridge/internal/rpc"
)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithRouter sets the router remote hosts are reached through.
func WithRouter(r *router.Router) Option {
	return func(h *Hub) {
		h.router = r
	}
}

// WithEndpointOptions applies opts to every endpoint the hub creates.
func WithEndpointOptions(opts ...rpc.Option) Option {
	return func(h *Hub) {
		h.endpointOpts = append(h.endpointOpts, opts...)
	}
}

// WithStorage sets the storage paths sent to every host on start.
func WithStorage(s protocol.ConfigStorage) Option {
	return func(h *Hub) {
		h.storage = s
	}
}

type link struct {
	endpoint *rpc.Endpoint
	runtime  *host.Runtime
}

// Hub connects a Browser to its execution hosts.
type Hub struct {
	browser      *bridge.Browser
	router       *router.Router
	logger       *slog.Logger
	endpointOpts []rpc.Option
	storage      protocol.ConfigStorage

	mu    sync.Mutex
	links map[protocol.HostID]link
	order []protocol.HostID
}

// New creates a hub around browser.
func New(browser *bridge.Browser, opts ...Option) *Hub {
	h := &Hub{
		browser: browser,
		logger:  slog.Default(),
		links:   make(map[protocol.HostID]link),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// Browser returns the browser-side bridge.
func (h *Hub) Browser() *bridge.Browser {
	return h.browser
}

// Hosts returns the linked hosts in the order they were added.
func (h *Hub) Hosts() []protocol.HostID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.order)
}

func (h *Hub) add(id protocol.HostID, l link) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.links[id]; exists {
		return oops.Code("HUB_DUPLICATE_HOST").With("host", id).Errorf("host %q is already linked", id)
	}
	h.links[id] = l
	h.order = append(h.order, id)
	return nil
}

func (h *Hub) remove(id protocol.HostID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.links, id)
	h.order = slices.DeleteFunc(h.order, func(other protocol.HostID) bool { return other == id })
}

// AddLocal runs mgr in-process as the host mgr.HostID(), linked to the
// browser through an in-memory pipe.
func (h *Hub) AddLocal(ctx context.Context, mgr *plugin.Manager, opts ...host.Option) (*host.Runtime, error) {
	id := mgr.HostID()
	a, z := channel.Pipe()
	browserSide := rpc.NewEndpoint(a, append([]rpc.Option{rpc.WithName(string(id)), rpc.WithLogger(h.logger)}, h.endpointOpts...)...)
	hostSide := rpc.NewEndpoint(z, append([]rpc.Option{rpc.WithName("browser"), rpc.WithLogger(h.logger)}, h.endpointOpts...)...)
	rt := host.New(hostSide, mgr, append([]host.Option{host.WithLogger(h.logger)}, opts...)...)

	if err := h.add(id, link{endpoint: browserSide, runtime: rt}); err != nil {
		_ = rt.Close(ctx)
		_ = browserSide.Close()
		return nil, err
	}
	browserSide.Start(ctx)
	hostSide.Start(ctx)
	h.logger.Info("local host linked", "host", id)
	return rt, nil
}

// AddRemote links the endpoint at addr, which the router must already be
// connected to. The host is known by its address.
func (h *Hub) AddRemote(ctx context.Context, addr string) error {
	if h.router == nil {
		return oops.Code("HUB_NO_ROUTER").With("address", addr).Errorf("no router configured")
	}
	ch, err := h.router.Channel(addr)
	if err != nil {
		return oops.Code("HUB_REMOTE_UNAVAILABLE").With("address", addr).Wrap(err)
	}
	id := protocol.HostID(addr)
	ep := rpc.NewEndpoint(ch, append([]rpc.Option{rpc.WithName(addr), rpc.WithLogger(h.logger)}, h.endpointOpts...)...)
	if err := h.add(id, link{endpoint: ep}); err != nil {
		_ = ep.Close()
		return err
	}
	ep.OnClose(func(err error) {
		h.remove(id)
		h.logger.Warn("remote host disconnected", "host", id, "error", err)
	})
	ep.Start(ctx)
	h.logger.Info("remote host linked", "host", id)
	return nil
}

// ConnectRemotes dials every router address and links each one.
func (h *Hub) ConnectRemotes(ctx context.Context) error {
	if h.router == nil || h.router.Empty() {
		return nil
	}
	if err := h.router.Connect(ctx); err != nil {
		return err
	}
	for _, addr := range h.router.Addresses() {
		if err := h.AddRemote(ctx, addr); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) snapshot() ([]protocol.HostID, map[protocol.HostID]*rpc.Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	endpoints := make(map[protocol.HostID]*rpc.Endpoint, len(h.links))
	for id, l := range h.links {
		endpoints[id] = l.endpoint
	}
	return slices.Clone(h.order), endpoints
}

// Start collects every host's deployed plugins, binds them, attaches each
// host with the plugins that live elsewhere and finally starts every host.
func (h *Hub) Start(ctx context.Context) error {
	order, endpoints := h.snapshot()

	var mu sync.Mutex
	deployed := make(map[protocol.HostID][]protocol.DeployedPlugin, len(order))
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range order {
		ep := endpoints[id]
		g.Go(func() error {
			plugins, err := rpc.Remote(ep, protocol.HostedPluginManagerID).DeployedPlugins(gctx)
			if err != nil {
				return oops.Code("HUB_DEPLOYED_PLUGINS_FAILED").With("host", id).Wrap(err)
			}
			mu.Lock()
			deployed[id] = plugins
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	contributions := make([]bridge.HostPlugins, 0, len(order))
	for _, id := range order {
		contributions = append(contributions, bridge.HostPlugins{Host: id, Plugins: deployed[id]})
	}
	h.browser.StartPlugins(contributions)

	g, gctx = errgroup.WithContext(ctx)
	for _, id := range order {
		var external []protocol.DeployedPlugin
		for _, other := range order {
			if other != id {
				external = append(external, deployed[other]...)
			}
		}
		ep := endpoints[id]
		g.Go(func() error {
			return h.browser.AttachHost(gctx, id, ep, external)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, id := range order {
		ep := endpoints[id]
		g.Go(func() error {
			if err := rpc.Remote(ep, protocol.HostedPluginManagerID).Start(gctx, protocol.StartParams{Storage: h.storage}); err != nil {
				return oops.Code("HUB_START_FAILED").With("host", id).Wrap(err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	total := 0
	for _, plugins := range deployed {
		total += len(plugins)
	}
	h.logger.Info("hub started", "hosts", len(order), "plugins", total)
	return nil
}

// Close stops every host and closes every link. Stop failures are logged.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	links := make([]link, 0, len(h.links))
	ids := slices.Clone(h.order)
	for _, id := range ids {
		links = append(links, h.links[id])
	}
	h.links = make(map[protocol.HostID]link)
	h.order = nil
	h.mu.Unlock()

	for i, l := range links {
		if l.runtime != nil {
			_ = l.runtime.Close(ctx)
		} else if err := rpc.Remote(l.endpoint, protocol.HostedPluginManagerID).Stop(ctx); err != nil {
			h.logger.Warn("stopping remote host failed", "host", ids[i], "error", err)
		}
		_ = l.endpoint.Close()
	}
	if h.router != nil {
		return h.router.Close()
	}
	return nil
}
