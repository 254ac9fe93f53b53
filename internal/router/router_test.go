// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginbridge/internal/channel"
	"github.com/holomush/pluginbridge/internal/protocol"
	"github.com/holomush/pluginbridge/internal/router"
	"github.com/holomush/pluginbridge/pkg/errutil"
)

// pipeDialer hands out one end of a fresh pipe per address and keeps the
// other end as the "remote endpoint".
type pipeDialer struct {
	mu      sync.Mutex
	remotes map[string]channel.Channel
	fail    map[string]int
	calls   atomic.Int32
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{remotes: make(map[string]channel.Channel), fail: make(map[string]int)}
}

func (d *pipeDialer) dial(_ context.Context, addr string) (channel.Channel, error) {
	d.calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[addr] != 0 {
		if d.fail[addr] > 0 {
			d.fail[addr]--
		}
		return nil, errors.New("connection refused")
	}
	local, remote := channel.Pipe()
	d.remotes[addr] = remote
	return local, nil
}

func (d *pipeDialer) remote(addr string) channel.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remotes[addr]
}

type routingObserver struct {
	mu      sync.Mutex
	routed  []string
	dropped []string
}

func (o *routingObserver) MessageRouted(addr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routed = append(o.routed, addr)
}

func (o *routingObserver) MessageDropped(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped = append(o.dropped, reason)
}

func (o *routingObserver) droppedReasons() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.dropped...)
}

func connected(t *testing.T, cfg router.Config, opts ...router.Option) (*router.Router, *pipeDialer) {
	t.Helper()
	d := newPipeDialer()
	opts = append([]router.Option{router.WithDialer(d.dial), router.WithRetry(time.Millisecond, 5*time.Millisecond, 3)}, opts...)
	r, err := router.New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, r.Connect(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r, d
}

func receive(t *testing.T, ch channel.Channel) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := ch.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func TestNew_AddressesAreDeduplicated(t *testing.T) {
	r, err := router.New(router.Config{
		Addresses: map[string]string{"B": "ws://b", "A": "ws://a"},
		Mappings:  map[protocol.PluginID]string{"calc": "ws://a", "extra": "ws://c"},
		Routes:    []router.Route{{Pattern: "acme.*", Address: "ws://d"}, {Pattern: "x.**", Address: "ws://b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ws://a", "ws://b", "ws://c", "ws://d"}, r.Addresses())
	assert.False(t, r.Empty())
}

func TestNew_EmptyConfigIsPassThrough(t *testing.T) {
	r, err := router.New(router.Config{})
	require.NoError(t, err)
	assert.True(t, r.Empty())
	require.NoError(t, r.Connect(context.Background()))
	assert.False(t, r.HasEndpoint("anything"))
	require.NoError(t, r.Close())
}

func TestNew_InvalidRoutes(t *testing.T) {
	tests := []struct {
		name  string
		route router.Route
	}{
		{"empty pattern", router.Route{Address: "ws://a"}},
		{"empty address", router.Route{Pattern: "acme.*"}},
		{"bad glob", router.Route{Pattern: "acme.[", Address: "ws://a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.New(router.Config{Routes: []router.Route{tt.route}})
			errutil.AssertErrorCode(t, err, "ROUTER_INVALID_ROUTE")
		})
	}
}

func TestResolve(t *testing.T) {
	r, err := router.New(router.Config{
		Mappings: map[protocol.PluginID]string{"acme.calc": "ws://mapped"},
		Routes: []router.Route{
			{Pattern: "acme.*", Address: "ws://single"},
			{Pattern: "tools.**", Address: "ws://deep"},
		},
	})
	require.NoError(t, err)

	tests := []struct {
		id   protocol.PluginID
		want string
		ok   bool
	}{
		{"acme.calc", "ws://mapped", true},
		{"acme.notes", "ws://single", true},
		{"acme.notes.extra", "", false},
		{"tools.a.b.c", "ws://deep", true},
		{"other", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := r.Resolve(tt.id)
		assert.Equal(t, tt.ok, ok, "id %q", tt.id)
		assert.Equal(t, tt.want, got, "id %q", tt.id)
	}
}

func TestRoute_SendsContentVerbatim(t *testing.T) {
	observer := &routingObserver{}
	r, d := connected(t, router.Config{
		Mappings: map[protocol.PluginID]string{"calc": "ws://a"},
	}, router.WithObserver(observer))

	content := json.RawMessage(`{"kind":"request","id":1}`)
	require.NoError(t, r.Route(context.Background(), router.Envelope{PluginID: "calc", Content: content}))
	assert.JSONEq(t, string(content), string(receive(t, d.remote("ws://a"))))
	assert.Equal(t, []string{"ws://a"}, observer.routed)
}

func TestRoute_NoEndpointIsDropped(t *testing.T) {
	observer := &routingObserver{}
	r, _ := connected(t, router.Config{Addresses: map[string]string{"A": "ws://a"}}, router.WithObserver(observer))

	err := r.Route(context.Background(), router.Envelope{PluginID: "ghost", Content: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, router.ErrNoEndpoint)
	errutil.AssertErrorCode(t, err, "ROUTER_NO_ENDPOINT")
	assert.Equal(t, []string{"no_endpoint"}, observer.droppedReasons())
}

func TestConnect_RetriesUntilDialSucceeds(t *testing.T) {
	d := newPipeDialer()
	d.fail["ws://a"] = 2
	r, err := router.New(router.Config{Addresses: map[string]string{"A": "ws://a"}},
		router.WithDialer(d.dial), router.WithRetry(time.Millisecond, 5*time.Millisecond, 5))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.NoError(t, r.Connect(context.Background()))
	assert.Equal(t, int32(3), d.calls.Load())
	assert.True(t, r.Connected("ws://a"))
}

func TestConnect_GivesUpAfterMaxRetries(t *testing.T) {
	d := newPipeDialer()
	d.fail["ws://a"] = -1
	r, err := router.New(router.Config{Addresses: map[string]string{"A": "ws://a"}},
		router.WithDialer(d.dial), router.WithRetry(time.Millisecond, 2*time.Millisecond, 2))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	err = r.Connect(context.Background())
	errutil.AssertErrorCode(t, err, "ROUTER_CONNECT_FAILED")
	errutil.AssertErrorContext(t, err, "address", "ws://a")
	assert.Equal(t, int32(3), d.calls.Load())
	assert.False(t, r.Connected("ws://a"))
}

func TestChannel_ClaimReceivesInboundFrames(t *testing.T) {
	r, d := connected(t, router.Config{Addresses: map[string]string{"A": "ws://a"}})
	posted := make(chan []byte, 4)
	r.SetClient(router.ClientFunc(func(_ context.Context, msg []byte) error {
		posted <- msg
		return nil
	}))

	claim, err := r.Channel("ws://a")
	require.NoError(t, err)

	_, err = r.Channel("ws://a")
	errutil.AssertErrorCode(t, err, "ROUTER_ALREADY_CLAIMED")
	_, err = r.Channel("ws://unknown")
	errutil.AssertErrorCode(t, err, "ROUTER_NOT_CONNECTED")

	remote := d.remote("ws://a")
	ctx := context.Background()
	require.NoError(t, remote.Send(ctx, []byte(`"to-claim"`)))
	assert.Equal(t, `"to-claim"`, string(receive(t, claim)))

	require.NoError(t, claim.Send(ctx, []byte(`"outbound"`)))
	assert.Equal(t, `"outbound"`, string(receive(t, remote)))

	require.NoError(t, claim.Close())
	require.NoError(t, remote.Send(ctx, []byte(`"to-client"`)))
	select {
	case msg := <-posted:
		assert.Equal(t, `"to-client"`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("released claim did not fall back to the client")
	}

	_, err = r.Channel("ws://a")
	require.NoError(t, err, "claim can be taken again once released")
}

func TestDisconnect_ClosesClaim(t *testing.T) {
	r, d := connected(t, router.Config{Addresses: map[string]string{"A": "ws://a"}})
	claim, err := r.Channel("ws://a")
	require.NoError(t, err)

	require.NoError(t, d.remote("ws://a").Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = claim.Receive(ctx)
	require.ErrorIs(t, err, channel.ErrClosed)
	assert.Eventually(t, func() bool { return !r.Connected("ws://a") }, time.Second, 5*time.Millisecond)

	err = r.Route(context.Background(), router.Envelope{PluginID: "x"})
	require.ErrorIs(t, err, router.ErrNoEndpoint)
}

func TestProxyRunner(t *testing.T) {
	r, d := connected(t, router.Config{Mappings: map[protocol.PluginID]string{"remote": "ws://a"}})

	var local [][]byte
	runner := router.NewProxyRunner(r, func(_ context.Context, content []byte) error {
		local = append(local, content)
		return nil
	})

	assert.True(t, runner.AcceptMessage(router.Envelope{PluginID: "remote"}))
	assert.False(t, runner.AcceptMessage(router.Envelope{}))

	ctx := context.Background()
	require.NoError(t, runner.OnMessage(ctx, router.Envelope{PluginID: "remote", Content: json.RawMessage(`1`)}))
	assert.Equal(t, "1", string(receive(t, d.remote("ws://a"))))

	require.NoError(t, runner.OnMessage(ctx, router.Envelope{PluginID: "here", Content: json.RawMessage(`2`)}))
	require.Len(t, local, 1)
	assert.Equal(t, "2", string(local[0]))

	err := router.NewProxyRunner(r, nil).OnMessage(ctx, router.Envelope{PluginID: "here"})
	errutil.AssertErrorCode(t, err, "ROUTER_NO_LOCAL_RUNNER")
}

func TestEnvelopeChannel_WrapsOutboundFrames(t *testing.T) {
	var posted []byte
	ec := router.NewEnvelopeChannel("calc", func(_ context.Context, msg []byte) error {
		posted = msg
		return nil
	})
	defer func() { _ = ec.Close() }()
	assert.Equal(t, protocol.PluginID("calc"), ec.PluginID())

	ctx := context.Background()
	require.NoError(t, ec.Send(ctx, []byte(`{"id":7}`)))
	env, err := router.DecodeEnvelope(posted)
	require.NoError(t, err)
	assert.Equal(t, protocol.PluginID("calc"), env.PluginID)
	assert.JSONEq(t, `{"id":7}`, string(env.Content))

	require.NoError(t, ec.Deliver(ctx, []byte(`{"id":8}`)))
	assert.Equal(t, `{"id":8}`, string(receive(t, ec)))

	_, err = router.DecodeEnvelope([]byte("nope"))
	errutil.AssertErrorCode(t, err, "ROUTER_MALFORMED_ENVELOPE")
}

func TestRouter_OverWebSocket(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		_, msg, err := conn.Read(req.Context())
		if err != nil {
			return
		}
		received <- msg
		_ = conn.Write(req.Context(), websocket.MessageText, []byte(`{"reply":true}`))
		_, _, _ = conn.Read(req.Context())
	}))
	defer srv.Close()
	addr := "ws" + strings.TrimPrefix(srv.URL, "http")

	r, err := router.New(router.Config{Mappings: map[protocol.PluginID]string{"calc": addr}})
	require.NoError(t, err)
	posted := make(chan []byte, 1)
	r.SetClient(router.ClientFunc(func(_ context.Context, msg []byte) error {
		posted <- msg
		return nil
	}))
	require.NoError(t, r.Connect(context.Background()))
	defer func() { _ = r.Close() }()

	require.NoError(t, r.Route(context.Background(), router.Envelope{PluginID: "calc", Content: json.RawMessage(`{"ping":1}`)}))
	select {
	case msg := <-received:
		assert.JSONEq(t, `{"ping":1}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint never received the frame")
	}
	select {
	case msg := <-posted:
		assert.JSONEq(t, `{"reply":true}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("reply never reached the client")
	}
}
