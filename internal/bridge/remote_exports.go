// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package bridge

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/pluginbridge/internal/plugin"
	"github.com/holomush/pluginbridge/internal/protocol"
)

// RemoteExports stands in for the exports of a plugin activated on another
// host. Invoke blocks the calling goroutine on a callMethod round-trip; the
// response is delivered by the endpoint's own read loop, so callers may
// block from any goroutine, including a request handler.
type RemoteExports struct {
	id      protocol.PluginID
	methods []string
	browser protocol.PluginRemoteBrowser
	timeout time.Duration
}

var _ plugin.Exports = (*RemoteExports)(nil)

// NewRemoteExports builds the capability set for methods. A timeout of zero
// leaves the bound to the caller's context and the endpoint.
func NewRemoteExports(id protocol.PluginID, methods []string, browser protocol.PluginRemoteBrowser, timeout time.Duration) *RemoteExports {
	names := slices.Clone(methods)
	sort.Strings(names)
	names = slices.Compact(names)
	return &RemoteExports{id: id, methods: names, browser: browser, timeout: timeout}
}

// Plugin returns the plugin the exports belong to.
func (r *RemoteExports) Plugin() protocol.PluginID {
	return r.id
}

// Methods implements plugin.Exports.
func (r *RemoteExports) Methods() []string {
	return slices.Clone(r.methods)
}

// Invoke implements plugin.Exports by forwarding to the owning host.
func (r *RemoteExports) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	if _, found := slices.BinarySearch(r.methods, method); !found {
		return nil, oops.Code("PLUGIN_UNKNOWN_EXPORT").
			With("plugin_id", r.id).
			With("method", method).
			Errorf("plugin %s exports no method %q", r.id, method)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.browser.CallMethod(ctx, r.id, method, args...)
}
