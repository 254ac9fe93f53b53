// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/pluginbridge/internal/config"
	"github.com/holomush/pluginbridge/internal/logging"
	"github.com/holomush/pluginbridge/internal/observability"
	"github.com/holomush/pluginbridge/internal/plugin"
	"github.com/holomush/pluginbridge/internal/protocol"
	"github.com/holomush/pluginbridge/plugins/echo"
)

const serviceName = "pluginbridge"

// registerServerFlags adds the flags shared by the long-running commands.
// Defaults mirror config.Default so unset flags never mask the file.
func registerServerFlags(cmd *cobra.Command) {
	d := config.Default()
	cmd.Flags().String("plugins-dir", d.PluginsDir, "directory containing plugin descriptors")
	cmd.Flags().String("metrics-addr", d.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().Duration("call-timeout", d.CallTimeout, "timeout for every remote call")
	cmd.Flags().String("log-format", d.Log.Format, "log format (json or text)")
	cmd.Flags().String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
}

// loadConfig merges the config file, environment and cmd's flags, then
// validates the result and installs the default logger.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(config.Options{
		File:      configFile,
		EnvPrefix: envPrefix,
		Flags:     cmd.Flags(),
	})
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if err := logging.SetDefault(cfg.LoggingOptions(serviceName, version)); err != nil {
		return config.Config{}, oops.Code("LOGGING_SETUP_FAILED").Wrap(err)
	}
	return cfg, nil
}

// builtinModules is the table of plugin backends compiled into the binary.
func builtinModules() *plugin.Modules {
	modules := plugin.NewModules()
	modules.Register(echo.Entry, echo.Module())
	return modules
}

// newManager discovers the plugins in cfg.PluginsDir for host id.
func newManager(ctx context.Context, cfg config.Config, id protocol.HostID) (*plugin.Manager, error) {
	mgr := plugin.NewManager(
		plugin.WithPluginsDir(cfg.PluginsDir),
		plugin.WithHostID(id),
		plugin.WithModules(builtinModules()),
		plugin.WithLogger(slog.Default()),
	)
	if err := mgr.LoadAll(ctx); err != nil {
		return nil, oops.Code("PLUGIN_DISCOVERY_FAILED").With("plugins_dir", cfg.PluginsDir).Wrap(err)
	}
	return mgr, nil
}

// startObservability starts the metrics server when cfg asks for one.
// The returned stop function is always safe to call.
func startObservability(cfg config.Config, srv *observability.Server) (func(), error) {
	if cfg.MetricsAddr == "" {
		return func() {}, nil
	}
	errCh, err := srv.Start()
	if err != nil {
		return nil, err
	}
	go func() {
		if serveErr := <-errCh; serveErr != nil {
			slog.Error("observability server error", "error", serveErr)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}, nil
}
