// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package router sends enveloped plugin messages to the remote endpoint that
// hosts the plugin, based only on the envelope's plugin id.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/holomush/pluginbridge/internal/channel"
	"github.com/holomush/pluginbridge/internal/protocol"
	"github.com/holomush/pluginbridge/pkg/errutil"
)

// maxFrameSize bounds one inbound websocket message.
const maxFrameSize = 16 << 20

// ErrNoEndpoint is returned when no address is configured for a plugin.
var ErrNoEndpoint = errors.New("no endpoint configured for plugin")

// Envelope wraps an opaque RPC frame with the plugin it concerns.
type Envelope struct {
	PluginID protocol.PluginID `json:"pluginID"`
	Content  json.RawMessage   `json:"content"`
}

// DecodeEnvelope parses an enveloped message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, oops.Code("ROUTER_MALFORMED_ENVELOPE").With("bytes", len(data)).Wrap(err)
	}
	return env, nil
}

// Client receives inbound frames that no host channel has claimed.
type Client interface {
	PostMessage(ctx context.Context, msg []byte) error
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, msg []byte) error

// PostMessage implements Client.
func (f ClientFunc) PostMessage(ctx context.Context, msg []byte) error {
	return f(ctx, msg)
}

// Dialer opens a socket to address.
type Dialer func(ctx context.Context, address string) (channel.Channel, error)

// DialWebSocket is the default Dialer.
func DialWebSocket(ctx context.Context, address string) (channel.Channel, error) {
	conn, resp, err := websocket.Dial(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, oops.Code("ROUTER_DIAL_FAILED").With("address", address).Wrap(err)
	}
	conn.SetReadLimit(maxFrameSize)
	return channel.NewWebSocket(conn), nil
}

// Observer is told about routing outcomes.
type Observer interface {
	MessageRouted(address string)
	MessageDropped(reason string)
}

// Config is the static routing table.
type Config struct {
	// Addresses are the endpoint URLs, keyed by their configured name.
	Addresses map[string]string
	// Mappings bind a plugin id to an endpoint URL.
	Mappings map[protocol.PluginID]string
	// Routes bind plugin id patterns to endpoint URLs; consulted after Mappings.
	Routes []Route
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(r *Router) {
		r.dial = d
	}
}

// WithRetry sets the dial backoff: base delay doubling up to maxDelay, for
// at most attempts retries.
func WithRetry(base, maxDelay time.Duration, attempts uint64) Option {
	return func(r *Router) {
		if base > 0 {
			r.retryBase = base
		}
		if maxDelay > 0 {
			r.retryMax = maxDelay
		}
		r.retryAttempts = attempts
	}
}

// WithObserver attaches a routing observer.
func WithObserver(o Observer) Option {
	return func(r *Router) {
		r.observer = o
	}
}

// Router keeps one socket per configured endpoint address.
type Router struct {
	logger        *slog.Logger
	dial          Dialer
	observer      Observer
	retryBase     time.Duration
	retryMax      time.Duration
	retryAttempts uint64

	mappings  map[protocol.PluginID]string
	routes    routeTable
	addresses []string

	mu      sync.RWMutex
	sockets map[string]channel.Channel
	claims  map[string]*channel.Mailbox
	client  Client
	wg      sync.WaitGroup
	closed  bool
}

// New builds a router for cfg. Nothing is dialled until Connect.
func New(cfg Config, opts ...Option) (*Router, error) {
	r := &Router{
		logger:        slog.Default(),
		dial:          DialWebSocket,
		retryBase:     500 * time.Millisecond,
		retryMax:      30 * time.Second,
		retryAttempts: 5,
		mappings:      maps.Clone(cfg.Mappings),
		sockets:       make(map[string]channel.Channel),
		claims:        make(map[string]*channel.Mailbox),
	}
	if r.mappings == nil {
		r.mappings = make(map[protocol.PluginID]string)
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")

	if err := r.routes.set(cfg.Routes); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, dup := seen[addr]; !dup {
			seen[addr] = struct{}{}
			r.addresses = append(r.addresses, addr)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Addresses)) {
		add(cfg.Addresses[name])
	}
	for _, id := range slices.Sorted(maps.Keys(r.mappings)) {
		add(r.mappings[id])
	}
	for _, addr := range r.routes.addresses() {
		add(addr)
	}
	return r, nil
}

// Addresses returns every endpoint address the router manages.
func (r *Router) Addresses() []string {
	return slices.Clone(r.addresses)
}

// Empty reports whether no endpoint is configured, in which case the
// router passes everything through to local execution.
func (r *Router) Empty() bool {
	return len(r.addresses) == 0
}

// SetClient registers the receiver of unclaimed inbound frames.
func (r *Router) SetClient(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = c
}

// Connect dials every address concurrently, retrying with capped
// exponential backoff, and starts reading from each socket.
func (r *Router) Connect(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, addr := range r.addresses {
		eg.Go(func() error {
			socket, err := r.dialWithRetry(egCtx, addr)
			if err != nil {
				return err
			}
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				_ = socket.Close()
				return oops.Code("ROUTER_CLOSED").Errorf("router closed while connecting")
			}
			r.sockets[addr] = socket
			r.wg.Add(1)
			r.mu.Unlock()

			r.logger.Info("endpoint connected", "address", addr)
			go r.readLoop(context.WithoutCancel(ctx), addr, socket)
			return nil
		})
	}
	return eg.Wait()
}

func (r *Router) dialWithRetry(ctx context.Context, addr string) (channel.Channel, error) {
	b := retry.NewExponential(r.retryBase)
	b = retry.WithCappedDuration(r.retryMax, b)
	b = retry.WithMaxRetries(r.retryAttempts, b)

	var socket channel.Channel
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		s, err := r.dial(ctx, addr)
		if err != nil {
			r.logger.Warn("dial failed", "address", addr, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		socket = s
		return nil
	})
	if err != nil {
		return nil, oops.Code("ROUTER_CONNECT_FAILED").
			With("address", addr).
			With("attempts", attempt).
			Wrap(err)
	}
	return socket, nil
}

// Connected reports whether a socket to addr is open.
func (r *Router) Connected(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sockets[addr]
	return ok
}

// Resolve returns the address hosting id: an exact mapping first, then the
// first matching route.
func (r *Router) Resolve(id protocol.PluginID) (string, bool) {
	if addr, ok := r.mappings[id]; ok {
		return addr, true
	}
	return r.routes.match(id)
}

// HasEndpoint reports whether id resolves to an endpoint.
func (r *Router) HasEndpoint(id protocol.PluginID) bool {
	_, ok := r.Resolve(id)
	return ok
}

// Route sends env's content verbatim to the endpoint hosting env's plugin.
// Unroutable messages are logged and dropped.
func (r *Router) Route(ctx context.Context, env Envelope) error {
	addr, ok := r.Resolve(env.PluginID)
	if !ok {
		err := oops.Code("ROUTER_NO_ENDPOINT").With("plugin_id", env.PluginID).Wrap(ErrNoEndpoint)
		errutil.LogErrorContext(ctx, r.logger, "no endpoint configured for plugin, skipping message", err,
			"plugin_id", env.PluginID)
		r.dropped("no_endpoint")
		return err
	}

	r.mu.RLock()
	socket, ok := r.sockets[addr]
	r.mu.RUnlock()
	if !ok {
		err := oops.Code("ROUTER_NOT_CONNECTED").
			With("plugin_id", env.PluginID).
			With("address", addr).
			Errorf("endpoint %s is not connected", addr)
		errutil.LogErrorContext(ctx, r.logger, "endpoint not connected, skipping message", err)
		r.dropped("not_connected")
		return err
	}

	if err := socket.Send(ctx, env.Content); err != nil {
		r.dropped("send_failed")
		return oops.Code("ROUTER_SEND_FAILED").With("plugin_id", env.PluginID).With("address", addr).Wrap(err)
	}
	if r.observer != nil {
		r.observer.MessageRouted(addr)
	}
	return nil
}

func (r *Router) dropped(reason string) {
	if r.observer != nil {
		r.observer.MessageDropped(reason)
	}
}

// Channel claims the inbound frames of addr. Frames sent on the returned
// channel go to addr verbatim. Closing it releases the claim.
func (r *Router) Channel(addr string) (channel.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	socket, ok := r.sockets[addr]
	if !ok {
		return nil, oops.Code("ROUTER_NOT_CONNECTED").With("address", addr).Errorf("endpoint %s is not connected", addr)
	}
	if _, claimed := r.claims[addr]; claimed {
		return nil, oops.Code("ROUTER_ALREADY_CLAIMED").With("address", addr).Errorf("endpoint %s is already claimed", addr)
	}

	var mb *channel.Mailbox
	mb = channel.NewMailbox(socket.Send, func() error {
		r.mu.Lock()
		if r.claims[addr] == mb {
			delete(r.claims, addr)
		}
		r.mu.Unlock()
		return nil
	}, 0)
	r.claims[addr] = mb
	return mb, nil
}

func (r *Router) readLoop(ctx context.Context, addr string, socket channel.Channel) {
	defer r.wg.Done()
	for {
		frame, err := socket.Receive(ctx)
		if err != nil {
			if !channel.IsClosed(err) {
				errutil.LogErrorContext(ctx, r.logger, "endpoint read failed", err, "address", addr)
			}
			r.disconnect(addr, socket)
			return
		}

		r.mu.RLock()
		claim := r.claims[addr]
		client := r.client
		r.mu.RUnlock()

		switch {
		case claim != nil:
			if err := claim.Deliver(ctx, frame); err != nil && !errors.Is(err, channel.ErrClosed) {
				r.logger.Warn("delivery to host channel failed", "address", addr, "error", err)
			}
		case client != nil:
			if err := client.PostMessage(ctx, frame); err != nil {
				r.logger.Warn("posting to client failed", "address", addr, "error", err)
			}
		default:
			r.logger.Debug("no receiver for inbound frame", "address", addr)
			r.dropped("no_receiver")
		}
	}
}

// disconnect forgets socket and closes the claim bound to it so whoever
// holds it sees the endpoint go away.
func (r *Router) disconnect(addr string, socket channel.Channel) {
	r.mu.Lock()
	if r.sockets[addr] == socket {
		delete(r.sockets, addr)
	}
	claim := r.claims[addr]
	r.mu.Unlock()

	_ = socket.Close()
	if claim != nil {
		_ = claim.Close()
	}
	r.logger.Info("endpoint disconnected", "address", addr)
}

// Close closes every socket and waits for the readers to stop.
func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	sockets := make([]channel.Channel, 0, len(r.sockets))
	for _, s := range r.sockets {
		sockets = append(sockets, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range sockets {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.wg.Wait()
	return errors.Join(errs...)
}
