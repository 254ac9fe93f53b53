// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package echo is a sample plugin that echoes messages back to the caller.
// Its descriptor lives next to it in plugin.yaml.
package echo

import (
	"context"

	"github.com/samber/oops"

	"github.com/holomush/pluginbridge/internal/plugin"
)

// Entry is the backend entry point the descriptor names.
const Entry = "echo"

// Module returns the echo plugin.
func Module() plugin.Module {
	return plugin.ModuleFunc(func(_ context.Context, pctx *plugin.Context) (plugin.Exports, error) {
		pctx.Logger.Debug("echo plugin activated")
		return plugin.MethodSet{
			"say":  say,
			"echo": echo,
		}, nil
	})
}

// say answers a single message with "Echo: <message>".
func say(_ context.Context, args ...any) (any, error) {
	if len(args) != 1 {
		return nil, oops.Code("ECHO_BAD_ARGS").With("args", len(args)).Errorf("say takes one message")
	}
	message, ok := args[0].(string)
	if !ok {
		return nil, oops.Code("ECHO_BAD_ARGS").With("type", args[0]).Errorf("message must be a string")
	}
	return "Echo: " + message, nil
}

// echo returns its arguments unchanged.
func echo(_ context.Context, args ...any) (any, error) {
	if args == nil {
		return []any{}, nil
	}
	return args, nil
}
