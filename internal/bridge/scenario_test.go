// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package bridge_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/samber/oops"

	"github.com/holomush/pluginbridge/internal/bridge"
	"github.com/holomush/pluginbridge/internal/channel"
	"github.com/holomush/pluginbridge/internal/host"
	"github.com/holomush/pluginbridge/internal/plugin"
	"github.com/holomush/pluginbridge/internal/protocol"
	"github.com/holomush/pluginbridge/internal/rpc"
)

// federation is a browser bridge with several execution hosts, each behind
// its own in-process pipe.
type federation struct {
	browser  *bridge.Browser
	runtimes map[protocol.HostID]*host.Runtime
	links    map[protocol.HostID]*rpc.Endpoint
	order    []protocol.HostID
}

func newFederation() *federation {
	return &federation{
		browser:  bridge.NewBrowser(),
		runtimes: make(map[protocol.HostID]*host.Runtime),
		links:    make(map[protocol.HostID]*rpc.Endpoint),
	}
}

func (f *federation) addHost(id protocol.HostID, modules map[string]plugin.Module, plugins ...protocol.DeployedPlugin) {
	table := plugin.NewModules()
	for entry, m := range modules {
		table.Register(entry, m)
	}
	mgr := plugin.NewManager(plugin.WithHostID(id), plugin.WithModules(table))
	mgr.Init(plugins)

	a, z := channel.Pipe()
	browserSide := rpc.NewEndpoint(a, rpc.WithName(string(id)), rpc.WithCallTimeout(5*time.Second))
	hostSide := rpc.NewEndpoint(z, rpc.WithName("browser"), rpc.WithCallTimeout(5*time.Second))
	f.runtimes[id] = host.New(hostSide, mgr, host.WithInvokeTimeout(5*time.Second))
	browserSide.Start(context.Background())
	hostSide.Start(context.Background())
	f.links[id] = browserSide
	f.order = append(f.order, id)
}

// start mirrors what the hub does: collect, map, attach, start.
func (f *federation) start(ctx context.Context) {
	deployed := make(map[protocol.HostID][]protocol.DeployedPlugin)
	contributions := make([]bridge.HostPlugins, 0, len(f.order))
	for _, id := range f.order {
		plugins, err := rpc.Remote(f.links[id], protocol.HostedPluginManagerID).DeployedPlugins(ctx)
		Expect(err).NotTo(HaveOccurred())
		deployed[id] = plugins
		contributions = append(contributions, bridge.HostPlugins{Host: id, Plugins: plugins})
	}
	f.browser.StartPlugins(contributions)

	for id, link := range f.links {
		var external []protocol.DeployedPlugin
		for other, plugins := range deployed {
			if other != id {
				external = append(external, plugins...)
			}
		}
		Expect(f.browser.AttachHost(ctx, id, link, external)).To(Succeed())
	}
	for _, link := range f.links {
		Expect(rpc.Remote(link, protocol.HostedPluginManagerID).Start(ctx, protocol.StartParams{})).To(Succeed())
	}
}

func (f *federation) close() {
	for id, rt := range f.runtimes {
		_ = rt.Close(context.Background())
		_ = f.links[id].Close()
	}
}

func deployedPlugin(id protocol.PluginID, description string, deps ...protocol.PluginID) protocol.DeployedPlugin {
	return protocol.DeployedPlugin{
		Metadata: protocol.PluginMetadata{Model: protocol.PluginModel{
			ID:           id,
			Name:         string(id),
			Version:      "1.0.0",
			EntryPoint:   protocol.EntryPoint{Backend: string(id)},
			Dependencies: deps,
		}},
		Source: protocol.PluginPackage{Name: string(id), Version: "1.0.0", Description: description},
	}
}

var calculator = plugin.ModuleFunc(func(context.Context, *plugin.Context) (plugin.Exports, error) {
	return plugin.MethodSet{
		"add": func(_ context.Context, args ...any) (any, error) {
			a, okA := args[0].(float64)
			b, okB := args[1].(float64)
			if !okA || !okB {
				return nil, oops.Code("CALC_BAD_ARGS").With("args", args).Errorf("add needs two numbers")
			}
			return a + b, nil
		},
	}, nil
})

var _ = Describe("Bridge across hosts", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		fed      *federation
		sum      atomic.Value
		consumer plugin.ModuleFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		sum = atomic.Value{}
		consumer = func(ctx context.Context, pctx *plugin.Context) (plugin.Exports, error) {
			calc, err := pctx.Exports("calc")
			if err != nil {
				return nil, err
			}
			out, err := calc.Invoke(ctx, "add", 2, 3)
			if err != nil {
				return nil, err
			}
			sum.Store(out)
			return nil, nil
		}

		fed = newFederation()
		fed.addHost("host-a", map[string]plugin.Module{"calc": calculator},
			deployedPlugin("calc", "adds numbers"))
		fed.addHost("host-b", map[string]plugin.Module{"consumer": consumer},
			deployedPlugin("consumer", "uses calc", "calc"))
		fed.addHost("host-c", nil)
		fed.start(ctx)
	})

	AfterEach(func() {
		fed.close()
		cancel()
	})

	It("maps every deployed plugin to the host that reported it", func() {
		owner, ok := fed.browser.Registry().Lookup("calc")
		Expect(ok).To(BeTrue())
		Expect(owner).To(Equal(protocol.HostID("host-a")))

		owner, ok = fed.browser.Registry().Lookup("consumer")
		Expect(ok).To(BeTrue())
		Expect(owner).To(Equal(protocol.HostID("host-b")))
	})

	It("loads remote dependencies on their owner only", func() {
		Expect(fed.runtimes["host-a"].Manager().IsLoaded("calc")).To(BeTrue())
		Expect(fed.runtimes["host-b"].Manager().IsLoaded("calc")).To(BeFalse())
		Expect(fed.runtimes["host-b"].Manager().IsLoaded("consumer")).To(BeTrue())
	})

	It("publishes package metadata to every other host", func() {
		for _, id := range []protocol.HostID{"host-b", "host-c"} {
			pkg, ok := fed.runtimes[id].Manager().Package("calc")
			Expect(ok).To(BeTrue())
			Expect(pkg.Description).To(Equal("adds numbers"))
		}
	})

	Context("when a plugin activates a dependency hosted elsewhere", func() {
		BeforeEach(func() {
			Expect(fed.browser.ActivatePlugin(ctx, "consumer")).To(Succeed())
		})

		It("gets the remote result synchronously during activation", func() {
			Expect(sum.Load()).To(Equal(5.0))
		})

		It("mirrors the exports on every non-owner host", func() {
			names, ok := fed.browser.Registry().Exports("calc")
			Expect(ok).To(BeTrue())
			Expect(names).To(Equal([]string{"add"}))
			for _, id := range []protocol.HostID{"host-b", "host-c"} {
				exports, ok := fed.runtimes[id].Manager().Activated("calc")
				Expect(ok).To(BeTrue())
				Expect(exports).To(BeAssignableToTypeOf(&bridge.RemoteExports{}))
				Expect(exports.Methods()).To(Equal([]string{"add"}))
			}
			exports, ok := fed.runtimes["host-a"].Manager().Activated("calc")
			Expect(ok).To(BeTrue())
			Expect(exports).To(BeAssignableToTypeOf(plugin.MethodSet{}))
		})

		It("relays errors raised on the owning host", func() {
			exports, ok := fed.runtimes["host-c"].Manager().Activated("calc")
			Expect(ok).To(BeTrue())

			_, err := exports.Invoke(ctx, "add", "two", 3)
			var remote *rpc.RemoteError
			Expect(errors.As(err, &remote)).To(BeTrue())
			Expect(remote.Code).To(Equal("CALC_BAD_ARGS"))
		})

		It("fails calls once the owning host disconnects", func() {
			Expect(fed.links["host-a"].Close()).To(Succeed())
			Eventually(func() bool {
				_, ok := fed.browser.Registry().Lookup("calc")
				return ok
			}).Should(BeFalse())
			Expect(fed.browser.Hosts()).NotTo(ContainElement(protocol.HostID("host-a")))

			exports, ok := fed.runtimes["host-b"].Manager().Activated("calc")
			Expect(ok).To(BeTrue())
			_, err := exports.Invoke(ctx, "add", 1, 1)
			var remote *rpc.RemoteError
			Expect(errors.As(err, &remote)).To(BeTrue())
			Expect(remote.Code).To(Equal("BRIDGE_NO_HOST"))
		})
	})
})
