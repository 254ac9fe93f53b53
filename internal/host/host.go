// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package host binds an execution host's plugin manager to an RPC endpoint.
package host

import (
	"context"
	"log/slog"
	"time"

	"github.com/holomush/pluginbridge/internal/bridge"
	"github.com/holomush/pluginbridge/internal/plugin"
	"github.com/holomush/pluginbridge/internal/protocol"
	"github.com/holomush/pluginbridge/internal/rpc"
)

// Option configures a Runtime.
type Option func(*config)

type config struct {
	logger        *slog.Logger
	invokeTimeout time.Duration
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithInvokeTimeout bounds calls made through synthetic exports.
func WithInvokeTimeout(d time.Duration) Option {
	return func(c *config) {
		c.invokeTimeout = d
	}
}

// Runtime is one execution host as seen by its endpoint: the node bridge
// and the hosted plugin manager are served on it, and the browser bridge on
// the other side is reached through it.
type Runtime struct {
	endpoint *rpc.Endpoint
	manager  *plugin.Manager
	node     *bridge.Node
	logger   *slog.Logger
}

// New wires mgr to ep. ep may be started before or after New returns.
func New(ep *rpc.Endpoint, mgr *plugin.Manager, opts ...Option) *Runtime {
	cfg := config{logger: slog.Default(), invokeTimeout: rpc.DefaultCallTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger.With("host", mgr.HostID())

	browser := rpc.Remote(ep, protocol.PluginRemoteBrowserID)
	node := bridge.NewNode(browser,
		bridge.WithNodeLogger(logger),
		bridge.WithInvokeTimeout(cfg.invokeTimeout))
	node.Attach(mgr)

	rpc.Register[protocol.PluginRemoteNode](ep, protocol.PluginRemoteNodeID, node)
	rpc.Register[protocol.HostedPluginManager](ep, protocol.HostedPluginManagerID, mgr)

	return &Runtime{endpoint: ep, manager: mgr, node: node, logger: logger}
}

// Endpoint returns the endpoint the runtime is served on.
func (r *Runtime) Endpoint() *rpc.Endpoint {
	return r.endpoint
}

// Manager returns the local plugin manager.
func (r *Runtime) Manager() *plugin.Manager {
	return r.manager
}

// Node returns the execution-host bridge.
func (r *Runtime) Node() *bridge.Node {
	return r.node
}

// Close stops every local plugin and closes the endpoint.
func (r *Runtime) Close(ctx context.Context) error {
	stopErr := r.manager.Stop(ctx)
	if stopErr != nil {
		r.logger.Warn("stopping plugins failed", "error", stopErr)
	}
	if err := r.endpoint.Close(); err != nil {
		return err
	}
	return stopErr
}
