// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package protocol

import (
	"context"

	"github.com/holomush/pluginbridge/internal/rpc"
)

// Wire method names shared by every peer.
const (
	MethodInitExternalPlugins = "$initExternalPlugins"
	MethodLoadPlugin          = "$loadPlugin"
	MethodActivatePlugin      = "$activatePlugin"
	MethodCallMethod          = "$callMethod"
	MethodDefinePluginExports = "$definePluginExports"
	MethodDefinePluginPackage = "$definePluginPackage"
	MethodDeployedPlugins     = "$deployedPlugins"
	MethodStart               = "$start"
	MethodStop                = "$stop"
)

// PluginRemoteNode is served by every execution host and called by the
// aggregator.
type PluginRemoteNode interface {
	InitExternalPlugins(ctx context.Context, plugins []DeployedPlugin) error
	LoadPlugin(ctx context.Context, id PluginID, storage ConfigStorage) error
	ActivatePlugin(ctx context.Context, id PluginID) error
	CallMethod(ctx context.Context, id PluginID, method string, args ...any) (any, error)
	DefinePluginExports(ctx context.Context, id PluginID, methods []string) error
	DefinePluginPackage(ctx context.Context, id PluginID, pkg PluginPackage) error
}

// PluginRemoteBrowser is served by the aggregator and called by execution
// hosts for plugins they do not own.
type PluginRemoteBrowser interface {
	LoadPlugin(ctx context.Context, id PluginID, storage ConfigStorage) error
	ActivatePlugin(ctx context.Context, id PluginID) error
	CallMethod(ctx context.Context, id PluginID, method string, args ...any) (any, error)
	DefinePluginExports(ctx context.Context, id PluginID, methods []string) error
	DefinePluginPackage(ctx context.Context, id PluginID, pkg PluginPackage) error
}

// HostedPluginManager is the lifecycle contract of an execution host.
type HostedPluginManager interface {
	DeployedPlugins(ctx context.Context) ([]DeployedPlugin, error)
	Start(ctx context.Context, params StartParams) error
	Stop(ctx context.Context) error
}

// Proxy identifiers. Both peers of a channel use these names.
var (
	PluginRemoteNodeID = rpc.NewProxyID[PluginRemoteNode]("PluginRemoteNode",
		bindRemoteNode, func(s rpc.Stub) PluginRemoteNode { return remoteNodeStub{s} })
	PluginRemoteBrowserID = rpc.NewProxyID[PluginRemoteBrowser]("PluginRemoteBrowser",
		bindRemoteBrowser, func(s rpc.Stub) PluginRemoteBrowser { return remoteBrowserStub{lifecycleStub{s}} })
	HostedPluginManagerID = rpc.NewProxyID[HostedPluginManager]("HostedPluginManager",
		bindHostedManager, func(s rpc.Stub) HostedPluginManager { return hostedManagerStub{s} })
)

// lifecycleStub implements the methods both remote contracts share.
type lifecycleStub struct {
	s rpc.Stub
}

func (c lifecycleStub) LoadPlugin(ctx context.Context, id PluginID, storage ConfigStorage) error {
	return c.s.Call(ctx, MethodLoadPlugin, nil, id, storage)
}

func (c lifecycleStub) ActivatePlugin(ctx context.Context, id PluginID) error {
	return c.s.Call(ctx, MethodActivatePlugin, nil, id)
}

func (c lifecycleStub) CallMethod(ctx context.Context, id PluginID, method string, args ...any) (any, error) {
	var result any
	callArgs := append([]any{id, method}, args...)
	if err := c.s.Call(ctx, MethodCallMethod, &result, callArgs...); err != nil {
		return nil, err
	}
	return result, nil
}

func (c lifecycleStub) DefinePluginExports(ctx context.Context, id PluginID, methods []string) error {
	return c.s.Call(ctx, MethodDefinePluginExports, nil, id, methods)
}

func (c lifecycleStub) DefinePluginPackage(ctx context.Context, id PluginID, pkg PluginPackage) error {
	return c.s.Call(ctx, MethodDefinePluginPackage, nil, id, pkg)
}

type remoteNodeStub struct {
	s rpc.Stub
}

func (c remoteNodeStub) InitExternalPlugins(ctx context.Context, plugins []DeployedPlugin) error {
	return c.s.Call(ctx, MethodInitExternalPlugins, nil, plugins)
}

func (c remoteNodeStub) LoadPlugin(ctx context.Context, id PluginID, storage ConfigStorage) error {
	return lifecycleStub(c).LoadPlugin(ctx, id, storage)
}

func (c remoteNodeStub) ActivatePlugin(ctx context.Context, id PluginID) error {
	return lifecycleStub(c).ActivatePlugin(ctx, id)
}

func (c remoteNodeStub) CallMethod(ctx context.Context, id PluginID, method string, args ...any) (any, error) {
	return lifecycleStub(c).CallMethod(ctx, id, method, args...)
}

func (c remoteNodeStub) DefinePluginExports(ctx context.Context, id PluginID, methods []string) error {
	return lifecycleStub(c).DefinePluginExports(ctx, id, methods)
}

func (c remoteNodeStub) DefinePluginPackage(ctx context.Context, id PluginID, pkg PluginPackage) error {
	return lifecycleStub(c).DefinePluginPackage(ctx, id, pkg)
}

type remoteBrowserStub struct {
	lifecycleStub
}

type hostedManagerStub struct {
	s rpc.Stub
}

func (c hostedManagerStub) DeployedPlugins(ctx context.Context) ([]DeployedPlugin, error) {
	var plugins []DeployedPlugin
	if err := c.s.Call(ctx, MethodDeployedPlugins, &plugins); err != nil {
		return nil, err
	}
	return plugins, nil
}

func (c hostedManagerStub) Start(ctx context.Context, params StartParams) error {
	return c.s.Call(ctx, MethodStart, nil, params)
}

func (c hostedManagerStub) Stop(ctx context.Context) error {
	return c.s.Call(ctx, MethodStop, nil)
}

// lifecycle is the method set shared by both remote contracts.
type lifecycle interface {
	LoadPlugin(ctx context.Context, id PluginID, storage ConfigStorage) error
	ActivatePlugin(ctx context.Context, id PluginID) error
	CallMethod(ctx context.Context, id PluginID, method string, args ...any) (any, error)
	DefinePluginExports(ctx context.Context, id PluginID, methods []string) error
	DefinePluginPackage(ctx context.Context, id PluginID, pkg PluginPackage) error
}

func bindLifecycle(impl lifecycle) rpc.MethodTable {
	return rpc.MethodTable{
		MethodLoadPlugin: func(ctx context.Context, args rpc.Args) (any, error) {
			var id PluginID
			var storage ConfigStorage
			if err := args.Decode(0, &id); err != nil {
				return nil, err
			}
			if args.Len() > 1 {
				if err := args.Decode(1, &storage); err != nil {
					return nil, err
				}
			}
			return nil, impl.LoadPlugin(ctx, id, storage)
		},
		MethodActivatePlugin: func(ctx context.Context, args rpc.Args) (any, error) {
			var id PluginID
			if err := args.Decode(0, &id); err != nil {
				return nil, err
			}
			return nil, impl.ActivatePlugin(ctx, id)
		},
		MethodCallMethod: func(ctx context.Context, args rpc.Args) (any, error) {
			var id PluginID
			var method string
			if err := args.Decode(0, &id); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &method); err != nil {
				return nil, err
			}
			rest, err := args.Rest(2)
			if err != nil {
				return nil, err
			}
			return impl.CallMethod(ctx, id, method, rest...)
		},
		MethodDefinePluginExports: func(ctx context.Context, args rpc.Args) (any, error) {
			var id PluginID
			var methods []string
			if err := args.Decode(0, &id); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &methods); err != nil {
				return nil, err
			}
			return nil, impl.DefinePluginExports(ctx, id, methods)
		},
		MethodDefinePluginPackage: func(ctx context.Context, args rpc.Args) (any, error) {
			var id PluginID
			var pkg PluginPackage
			if err := args.Decode(0, &id); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &pkg); err != nil {
				return nil, err
			}
			return nil, impl.DefinePluginPackage(ctx, id, pkg)
		},
	}
}

func bindRemoteNode(impl PluginRemoteNode) rpc.MethodTable {
	table := bindLifecycle(impl)
	table[MethodInitExternalPlugins] = func(ctx context.Context, args rpc.Args) (any, error) {
		var plugins []DeployedPlugin
		if err := args.Decode(0, &plugins); err != nil {
			return nil, err
		}
		return nil, impl.InitExternalPlugins(ctx, plugins)
	}
	return table
}

func bindRemoteBrowser(impl PluginRemoteBrowser) rpc.MethodTable {
	return bindLifecycle(impl)
}

func bindHostedManager(impl HostedPluginManager) rpc.MethodTable {
	return rpc.MethodTable{
		MethodDeployedPlugins: func(ctx context.Context, _ rpc.Args) (any, error) {
			plugins, err := impl.DeployedPlugins(ctx)
			if err != nil {
				return nil, err
			}
			if plugins == nil {
				plugins = []DeployedPlugin{}
			}
			return plugins, nil
		},
		MethodStart: func(ctx context.Context, args rpc.Args) (any, error) {
			var params StartParams
			if args.Len() > 0 {
				if err := args.Decode(0, &params); err != nil {
					return nil, err
				}
			}
			return nil, impl.Start(ctx, params)
		},
		MethodStop: func(ctx context.Context, _ rpc.Args) (any, error) {
			return nil, impl.Stop(ctx)
		},
	}
}
