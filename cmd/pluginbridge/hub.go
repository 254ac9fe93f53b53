// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/pluginbridge/internal/bridge"
	"github.com/holomush/pluginbridge/internal/config"
	"github.com/holomush/pluginbridge/internal/host"
	"github.com/holomush/pluginbridge/internal/hub"
	"github.com/holomush/pluginbridge/internal/observability"
	"github.com/holomush/pluginbridge/internal/protocol"
	"github.com/holomush/pluginbridge/internal/router"
	"github.com/holomush/pluginbridge/internal/rpc"
	"github.com/holomush/pluginbridge/pkg/errutil"
)

// localHostID names the in-process execution host of a hub.
const localHostID protocol.HostID = "local"

// hubOptions holds hub-only flags.
type hubOptions struct {
	activate []string
	noLocal  bool
}

// newHubCmd creates the hub subcommand.
func newHubCmd() *cobra.Command {
	opts := &hubOptions{}
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Federate execution hosts behind one bridge",
		Long: `Federate execution hosts behind one browser-side bridge. The hub runs
the plugins directory in-process and connects to every endpoint named by
THEIA_PLUGIN_ENDPOINT_ADDRESS_*, THEIA_PLUGIN_ENDPOINT_MAPPING_* or the
routes of the config file, then starts every plugin on its owning host.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runHub(ctx, cmd, cfg, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.activate, "activate", nil, "plugin ids to activate once started")
	cmd.Flags().BoolVar(&opts.noLocal, "no-local", false, "do not run an in-process host")
	registerServerFlags(cmd)

	return cmd
}

// runHub starts the federation and blocks until ctx ends.
func runHub(ctx context.Context, cmd *cobra.Command, cfg config.Config, opts *hubOptions) error {
	var ready atomic.Bool
	obs := observability.NewServer(cfg.MetricsAddr, ready.Load)
	stopObs, err := startObservability(cfg, obs)
	if err != nil {
		return oops.Code("HUB_START_FAILED").Wrap(err)
	}
	defer stopObs()
	metrics := obs.Metrics()

	r, err := router.New(cfg.RouterConfig(),
		router.WithRetry(cfg.Retry.Base, cfg.Retry.Max, cfg.Retry.Attempts),
		router.WithObserver(metrics))
	if err != nil {
		return err
	}

	h := hub.New(bridge.NewBrowser(bridge.WithFanoutObserver(metrics)),
		hub.WithRouter(r),
		hub.WithStorage(cfg.StorageParams()),
		hub.WithEndpointOptions(rpc.WithCallTimeout(cfg.CallTimeout), rpc.WithObserver(metrics)))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := h.Close(closeCtx); err != nil {
			slog.Warn("error closing hub", "error", err)
		}
	}()

	if !opts.noLocal {
		mgr, err := newManager(ctx, cfg, localHostID)
		if err != nil {
			return err
		}
		if _, err := h.AddLocal(ctx, mgr, host.WithInvokeTimeout(cfg.CallTimeout)); err != nil {
			return err
		}
	}
	if err := h.ConnectRemotes(ctx); err != nil {
		return err
	}
	if err := h.Start(ctx); err != nil {
		return err
	}

	for _, id := range opts.activate {
		if err := h.Browser().ActivatePlugin(ctx, protocol.PluginID(id)); err != nil {
			errutil.LogErrorContext(ctx, slog.Default(), "plugin activation failed", err, "plugin_id", id)
		}
	}

	ready.Store(true)
	cmd.Printf("Hub started with %d hosts\n", len(h.Hosts()))
	slog.Info("hub ready", "hosts", h.Hosts())

	<-ctx.Done()
	ready.Store(false)
	slog.Info("shutting down...")
	return nil
}
