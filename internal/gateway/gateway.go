// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package gateway accepts websocket connections from remote peers and runs
// an RPC endpoint for each of them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/holomush/pluginbridge/internal/channel"
	"github.com/holomush/pluginbridge/internal/rpc"
	"github.com/holomush/pluginbridge/pkg/errutil"
)

// DefaultPingInterval is how often every session is probed.
const DefaultPingInterval = 30 * time.Second

// Mode selects which sessions see an inbound frame.
type Mode string

const (
	// ModeTargeted delivers a frame to the endpoint of the socket it
	// arrived on.
	ModeTargeted Mode = "targeted"
	// ModeBroadcast delivers a frame to every tracked session. It only makes
	// sense with a single remote peer.
	ModeBroadcast Mode = "broadcast"
)

// ParseMode converts a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeTargeted:
		return ModeTargeted, nil
	case ModeBroadcast:
		return ModeBroadcast, nil
	default:
		return "", oops.Code("GATEWAY_INVALID_MODE").With("mode", s).Errorf("unknown delivery mode %q", s)
	}
}

// SessionHandler wires a new session, typically by binding a host runtime
// to its endpoint. It runs before the endpoint starts; an error closes the
// session.
type SessionHandler func(ctx context.Context, s *Session) error

// Observer is told about session lifecycle events.
type Observer interface {
	SessionOpened()
	SessionClosed(reason string)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithPingInterval sets the liveness period.
func WithPingInterval(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.pingInterval = d
		}
	}
}

// WithMode sets the inbound delivery mode.
func WithMode(m Mode) Option {
	return func(g *Gateway) {
		g.mode = m
	}
}

// WithObserver attaches a session observer.
func WithObserver(o Observer) Option {
	return func(g *Gateway) {
		g.observer = o
	}
}

// WithEndpointOptions adds options for every session endpoint.
func WithEndpointOptions(opts ...rpc.Option) Option {
	return func(g *Gateway) {
		g.endpointOpts = append(g.endpointOpts, opts...)
	}
}

// WithAllowedOrigins sets the origin patterns accepted on upgrade.
func WithAllowedOrigins(patterns ...string) Option {
	return func(g *Gateway) {
		g.originPatterns = patterns
	}
}

// Gateway is the socket side of a remote execution host.
type Gateway struct {
	handler        SessionHandler
	logger         *slog.Logger
	pingInterval   time.Duration
	mode           Mode
	observer       Observer
	endpointOpts   []rpc.Option
	originPatterns []string

	mu       sync.RWMutex
	sessions map[ulid.ULID]*Session
}

// New creates a gateway that calls handler for every accepted socket.
func New(handler SessionHandler, opts ...Option) *Gateway {
	g := &Gateway{
		handler:      handler,
		logger:       slog.Default(),
		pingInterval: DefaultPingInterval,
		mode:         ModeTargeted,
		sessions:     make(map[ulid.ULID]*Session),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// Mode returns the inbound delivery mode.
func (g *Gateway) Mode() Mode {
	return g.mode
}

// Sessions returns the tracked sessions ordered by id.
func (g *Gateway) Sessions() []*Session {
	g.mu.RLock()
	out := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	g.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Session) int { return a.id.Compare(b.id) })
	return out
}

// ServeHTTP upgrades the request and serves the session until the socket
// closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := g.open(conn)
	defer g.remove(s)

	if g.handler != nil {
		if err := g.handler(ctx, s); err != nil {
			errutil.LogErrorContext(ctx, s.logger, "session setup failed", err)
			s.close("setup_failed")
			return
		}
	}
	s.endpoint.Start(ctx)
	g.readLoop(ctx, s)
}

func (g *Gateway) open(conn *websocket.Conn) *Session {
	id := newSessionID()
	socket := channel.NewWebSocket(conn)
	mailbox := channel.NewMailbox(socket.Send, socket.Close, 0)
	logger := g.logger.With("session_id", id.String())

	opts := append([]rpc.Option{rpc.WithLogger(logger), rpc.WithName(id.String())}, g.endpointOpts...)
	s := &Session{
		id:       id,
		socket:   socket,
		mailbox:  mailbox,
		endpoint: rpc.NewEndpoint(mailbox, opts...),
		logger:   logger,
		opened:   time.Now(),
	}
	s.alive.Store(true)

	g.mu.Lock()
	g.sessions[id] = s
	g.mu.Unlock()

	if g.observer != nil {
		g.observer.SessionOpened()
	}
	logger.Info("session opened")
	return s
}

// remove forgets s and closes its endpoint. Other sessions are untouched.
func (g *Gateway) remove(s *Session) {
	g.mu.Lock()
	_, tracked := g.sessions[s.id]
	delete(g.sessions, s.id)
	g.mu.Unlock()

	s.close("socket_closed")
	if !tracked {
		return
	}
	reason := s.closeReason()
	if g.observer != nil {
		g.observer.SessionClosed(reason)
	}
	s.logger.Info("session closed", "reason", reason, "duration", time.Since(s.opened))
}

func (g *Gateway) readLoop(ctx context.Context, s *Session) {
	for {
		frame, err := s.socket.Receive(ctx)
		if err != nil {
			if !channel.IsClosed(err) && ctx.Err() == nil {
				errutil.LogErrorContext(ctx, s.logger, "socket read failed", err)
				s.setReason("read_failed")
			}
			return
		}
		g.route(ctx, s, frame)
	}
}

// route delivers an inbound frame according to the delivery mode.
func (g *Gateway) route(ctx context.Context, from *Session, frame []byte) {
	if !json.Valid(frame) {
		from.logger.Warn("dropping undecodable frame", "bytes", len(frame))
		return
	}

	targets := []*Session{from}
	if g.mode == ModeBroadcast {
		targets = g.Sessions()
	}
	for _, s := range targets {
		if err := s.deliver(ctx, frame); err != nil && !errors.Is(err, channel.ErrClosed) {
			s.logger.Warn("frame delivery failed", "from", from.id.String(), "error", err)
		}
	}
}

// RunLiveness probes every session each ping interval until ctx ends. A
// session whose previous ping went unanswered is terminated.
func (g *Gateway) RunLiveness(ctx context.Context) {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.probe(ctx)
		}
	}
}

func (g *Gateway) probe(ctx context.Context) {
	for _, s := range g.Sessions() {
		if !s.Alive() {
			s.logger.Info("terminating unresponsive session")
			s.terminate("liveness_timeout")
			continue
		}
		s.ping(ctx, g.pingInterval)
	}
}

// CloseAll closes every session.
func (g *Gateway) CloseAll() {
	for _, s := range g.Sessions() {
		s.close("shutdown")
	}
}

// Serve accepts sockets on ln and runs the liveness loop until ctx ends or
// the server fails.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener, routes ...Route) error {
	mux := http.NewServeMux()
	for _, rt := range routes {
		mux.Handle(rt.Pattern, rt.Handler)
	}
	mux.Handle("/", g)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return oops.Code("GATEWAY_SERVE_FAILED").With("addr", ln.Addr().String()).Wrap(err)
		}
		return nil
	})
	eg.Go(func() error {
		g.RunLiveness(egCtx)
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return oops.Code("GATEWAY_SHUTDOWN_FAILED").Wrap(err)
		}
		return nil
	})

	g.logger.Info("gateway listening", "addr", ln.Addr().String(), "mode", g.mode, "ping_interval", g.pingInterval)
	err := eg.Wait()
	g.logger.Info("gateway stopped")
	return err
}

// ListenAndServe listens on addr and calls Serve.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string, routes ...Route) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return oops.Code("GATEWAY_LISTEN_FAILED").With("addr", addr).Wrap(err)
	}
	return g.Serve(ctx, ln, routes...)
}

// Route mounts an extra HTTP handler next to the websocket upgrade.
type Route struct {
	Pattern string
	Handler http.Handler
}
