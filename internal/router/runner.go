// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package router

import (
	"context"
	"encoding/json"

	"github.com/samber/oops"

	"github.com/holomush/pluginbridge/internal/channel"
	"github.com/holomush/pluginbridge/internal/protocol"
)

// LocalRunner handles messages for plugins no endpoint hosts.
type LocalRunner func(ctx context.Context, content []byte) error

// ProxyRunner decides per message whether a plugin runs remotely.
type ProxyRunner struct {
	router *Router
	local  LocalRunner
}

// NewProxyRunner sends routable messages through router and the rest to local.
func NewProxyRunner(router *Router, local LocalRunner) *ProxyRunner {
	return &ProxyRunner{router: router, local: local}
}

// AcceptMessage reports whether env is addressed to a plugin at all.
func (p *ProxyRunner) AcceptMessage(env Envelope) bool {
	return env.PluginID != ""
}

// OnMessage forwards env to its remote endpoint, or hands the unwrapped
// content to the local runner when the plugin has none.
func (p *ProxyRunner) OnMessage(ctx context.Context, env Envelope) error {
	if p.router != nil && p.router.HasEndpoint(env.PluginID) {
		return p.router.Route(ctx, env)
	}
	if p.local == nil {
		return oops.Code("ROUTER_NO_LOCAL_RUNNER").With("plugin_id", env.PluginID).Wrap(ErrNoEndpoint)
	}
	return p.local(ctx, env.Content)
}

// EnvelopeChannel is a channel whose outbound frames are wrapped in an
// Envelope for one plugin before being posted. Inbound frames arrive
// unwrapped through Deliver.
type EnvelopeChannel struct {
	*channel.Mailbox
	id protocol.PluginID
}

// NewEnvelopeChannel wraps every frame sent on the channel for id and hands
// the envelope to post.
func NewEnvelopeChannel(id protocol.PluginID, post channel.SendFunc) *EnvelopeChannel {
	ec := &EnvelopeChannel{id: id}
	ec.Mailbox = channel.NewMailbox(func(ctx context.Context, msg []byte) error {
		data, err := json.Marshal(Envelope{PluginID: id, Content: msg})
		if err != nil {
			return oops.Code("ROUTER_ENVELOPE_FAILED").With("plugin_id", id).Wrap(err)
		}
		return post(ctx, data)
	}, nil, 0)
	return ec
}

// PluginID returns the plugin the channel's frames are addressed to.
func (ec *EnvelopeChannel) PluginID() protocol.PluginID {
	return ec.id
}
