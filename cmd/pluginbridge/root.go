// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var (
	configFile string
	envPrefix  string
)

// NewRootCmd creates the root command for the pluginbridge CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pluginbridge",
		Short: "pluginbridge - run plugins across execution hosts",
		Long: `pluginbridge runs plugin backends on several execution hosts and makes
every plugin reachable from every host. An endpoint serves a plugin host over
WebSocket, a hub federates endpoints behind one browser-side bridge.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&envPrefix, "env-prefix", "", "environment variable prefix (default THEIA_PLUGIN_ENDPOINT)")

	cmd.AddCommand(newEndpointCmd())
	cmd.AddCommand(newHubCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSendCmd())

	return cmd
}
