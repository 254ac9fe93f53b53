// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"net"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/pluginbridge/internal/config"
	"github.com/holomush/pluginbridge/internal/gateway"
	"github.com/holomush/pluginbridge/internal/host"
	"github.com/holomush/pluginbridge/internal/observability"
	"github.com/holomush/pluginbridge/internal/plugin"
	"github.com/holomush/pluginbridge/internal/protocol"
	"github.com/holomush/pluginbridge/internal/rpc"
)

const shutdownTimeout = 5 * time.Second

// newEndpointCmd creates the endpoint subcommand.
func newEndpointCmd() *cobra.Command {
	d := config.Default()
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Serve an execution host over WebSocket",
		Long: `Serve an execution host over WebSocket. Every connection gets its own
plugin host loaded from the plugins directory; a hub connecting to this
endpoint can then load, activate and call those plugins.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runEndpoint(ctx, cmd, cfg, nil)
		},
	}

	cmd.Flags().String("bind", d.Bind, "listen host (empty = all interfaces)")
	cmd.Flags().Int("port", d.Port, "listen port")
	cmd.Flags().String("mode", d.Mode, "inbound delivery mode (targeted or broadcast)")
	cmd.Flags().Duration("ping-interval", d.PingInterval, "liveness ping interval")
	registerServerFlags(cmd)

	return cmd
}

// runEndpoint serves until ctx ends. When ln is nil it listens on
// cfg.ListenAddr().
func runEndpoint(ctx context.Context, cmd *cobra.Command, cfg config.Config, ln net.Listener) error {
	mode, err := gateway.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}

	var ready atomic.Bool
	obs := observability.NewServer(cfg.MetricsAddr, ready.Load)
	stopObs, err := startObservability(cfg, obs)
	if err != nil {
		return oops.Code("ENDPOINT_START_FAILED").Wrap(err)
	}
	defer stopObs()

	metrics := obs.Metrics()
	endpointOpts := []rpc.Option{rpc.WithCallTimeout(cfg.CallTimeout), rpc.WithObserver(metrics)}
	factory := func(ctx context.Context, id protocol.HostID) (*plugin.Manager, error) {
		return newManager(ctx, cfg, id)
	}
	g := gateway.New(host.SessionHandler(factory, host.WithInvokeTimeout(cfg.CallTimeout)),
		gateway.WithMode(mode),
		gateway.WithPingInterval(cfg.PingInterval),
		gateway.WithObserver(metrics),
		gateway.WithEndpointOptions(endpointOpts...),
	)

	if ln == nil {
		ln, err = net.Listen("tcp", cfg.ListenAddr())
		if err != nil {
			return oops.Code("ENDPOINT_LISTEN_FAILED").With("addr", cfg.ListenAddr()).Wrap(err)
		}
	}

	ready.Store(true)
	cmd.Println("Plugin endpoint listening on " + portOf(ln.Addr()))
	slog.Info("plugin endpoint ready",
		"addr", ln.Addr().String(),
		"mode", mode,
		"plugins_dir", cfg.PluginsDir,
	)

	err = g.Serve(ctx, ln, gateway.Route{Pattern: "/alive", Handler: observability.AliveHandler(ready.Load)})
	ready.Store(false)
	slog.Info("shutdown complete")
	return err
}

func portOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return "port " + strconv.Itoa(tcp.Port)
	}
	return addr.String()
}
