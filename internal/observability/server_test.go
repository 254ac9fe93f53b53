// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginbridge/pkg/errutil"
)

func startServer(t *testing.T, ready ReadinessChecker) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", ready)
	_, err := server.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

func scrape(t *testing.T, server *Server) string {
	t.Helper()
	resp, err := http.Get("http://" + server.Addr() + MetricsPath)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestServer_Metrics(t *testing.T) {
	server := startServer(t, func() bool { return true })
	require.NotEmpty(t, server.Addr())

	body := scrape(t, server)
	assert.Contains(t, body, "# HELP")
	assert.Contains(t, body, "# TYPE")
	assert.Contains(t, body, "go_")
	assert.Contains(t, body, "process_")

	server.Metrics().SessionOpened()
	server.Metrics().MessageDropped("no_endpoint")

	body = scrape(t, server)
	assert.Contains(t, body, "pluginbridge_gateway_sessions_active")
	assert.Contains(t, body, "pluginbridge_router_messages_dropped_total")
}

func TestServer_MetricsIncrement(t *testing.T) {
	server := startServer(t, nil)

	server.Metrics().MessageRouted("ws://calc")
	server.Metrics().MessageRouted("ws://calc")
	server.Metrics().RequestServed("PluginRemoteNode", "$callMethod", "ok")

	body := scrape(t, server)
	assert.Contains(t, body, `pluginbridge_router_messages_total{address="ws://calc"} 2`)
	assert.Contains(t, body, `pluginbridge_rpc_requests_served_total{method="$callMethod",outcome="ok",proxy="PluginRemoteNode"} 1`)
}

func TestServer_Probes(t *testing.T) {
	tests := []struct {
		name       string
		ready      ReadinessChecker
		path       string
		wantStatus int
		wantBody   string
	}{
		{"liveness ignores readiness", func() bool { return false }, LivenessPath, http.StatusOK, "ok"},
		{"readiness when ready", func() bool { return true }, ReadinessPath, http.StatusOK, "ok"},
		{"readiness when not ready", func() bool { return false }, ReadinessPath, http.StatusServiceUnavailable, "not ready"},
		{"readiness with nil checker", nil, ReadinessPath, http.StatusOK, "ok"},
		{"alive when ready", func() bool { return true }, AlivePath, http.StatusOK, "ok"},
		{"alive when not ready", func() bool { return false }, AlivePath, http.StatusServiceUnavailable, "not ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewServer("127.0.0.1:0", tt.ready).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, strings.TrimSpace(rec.Body.String()))
			assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
		})
	}
}

func TestServer_AliveFollowsReadiness(t *testing.T) {
	var ready atomic.Bool
	server := startServer(t, ready.Load)

	get := func() int {
		resp, err := http.Get("http://" + server.Addr() + AlivePath)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusServiceUnavailable, get())
	ready.Store(true)
	assert.Equal(t, http.StatusOK, get())
}

func TestServer_DoubleStartFails(t *testing.T) {
	server := startServer(t, nil)

	_, err := server.Start()
	errutil.AssertErrorCode(t, err, "OBSERVABILITY_ALREADY_RUNNING")
}

func TestServer_ListenFailure(t *testing.T) {
	server := NewServer("127.0.0.1:-1", nil)

	_, err := server.Start()
	errutil.AssertErrorCode(t, err, "OBSERVABILITY_LISTEN_FAILED")
	assert.Empty(t, server.Addr())
}

func TestServer_StopIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.NoError(t, NewServer("127.0.0.1:0", nil).Stop(ctx))
}

func TestServer_ErrorChannelReportsServeErrors(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	errCh, err := server.Start()
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	}()

	require.NotNil(t, server.listener)
	_ = server.listener.Close()

	select {
	case serveErr := <-errCh:
		assert.Error(t, serveErr)
	case <-time.After(2 * time.Second):
		t.Fatal("serve error was not reported")
	}
}

func TestServer_ErrorChannelClosesOnNormalShutdown(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	errCh, err := server.Start()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))

	select {
	case err, ok := <-errCh:
		if ok {
			assert.NoError(t, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error channel did not close")
	}
}
