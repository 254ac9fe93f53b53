// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/pluginbridge/internal/config"
	"github.com/holomush/pluginbridge/internal/protocol"
	"github.com/holomush/pluginbridge/internal/router"
)

// sendOptions holds send-only flags.
type sendOptions struct {
	wait time.Duration
}

// newSendCmd creates the send subcommand.
func newSendCmd() *cobra.Command {
	opts := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send PLUGIN_ID CONTENT",
		Short: "Route one JSON message to the endpoint hosting a plugin",
		Long: `Route one JSON message to the endpoint hosting a plugin, exactly as a
plugin loader would. CONTENT is sent verbatim. With --wait the first frame
the endpoint sends back is printed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runSend(cmd.Context(), cmd, cfg, opts, protocol.PluginID(args[0]), args[1])
		},
	}

	cmd.Flags().DurationVar(&opts.wait, "wait", 0, "wait this long for a reply (0 = do not wait)")
	cmd.Flags().String("log-level", config.Default().Log.Level, "log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "text", "log format (json or text)")

	return cmd
}

func runSend(ctx context.Context, cmd *cobra.Command, cfg config.Config, opts *sendOptions, id protocol.PluginID, content string) error {
	if !json.Valid([]byte(content)) {
		return oops.Code("SEND_INVALID_CONTENT").With("plugin_id", id).Errorf("content is not valid JSON")
	}

	r, err := router.New(cfg.RouterConfig(), router.WithRetry(cfg.Retry.Base, cfg.Retry.Max, cfg.Retry.Attempts))
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	addr, ok := r.Resolve(id)
	if !ok {
		return oops.Code("SEND_NO_ENDPOINT").With("plugin_id", id).Wrap(router.ErrNoEndpoint)
	}

	replies := make(chan []byte, 1)
	r.SetClient(router.ClientFunc(func(_ context.Context, msg []byte) error {
		select {
		case replies <- msg:
		default:
		}
		return nil
	}))

	if err := r.Connect(ctx); err != nil {
		return err
	}
	if err := r.Route(ctx, router.Envelope{PluginID: id, Content: json.RawMessage(content)}); err != nil {
		return err
	}
	cmd.Printf("sent to %s via %s\n", id, addr)

	if opts.wait <= 0 {
		return nil
	}
	select {
	case msg := <-replies:
		cmd.Println(string(msg))
		return nil
	case <-time.After(opts.wait):
		return oops.Code("SEND_NO_REPLY").With("plugin_id", id).With("wait", opts.wait).Errorf("no reply within %s", opts.wait)
	case <-ctx.Done():
		return ctx.Err()
	}
}
