// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package channel_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginbridge/internal/channel"
)

func TestPipe_DeliversInBothDirections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, b := channel.Pipe()
	defer func() { _ = a.Close() }()

	require.NoError(t, a.Send(ctx, []byte("ping")))
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	require.NoError(t, b.Send(ctx, []byte("pong")))
	got, err = a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))
}

func TestPipe_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	a, b := channel.Pipe()
	defer func() { _ = a.Close() }()

	for _, msg := range []string{"1", "2", "3"} {
		require.NoError(t, a.Send(ctx, []byte(msg)))
	}
	for _, want := range []string{"1", "2", "3"} {
		got, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestPipe_SendCopiesMessage(t *testing.T) {
	ctx := context.Background()
	a, b := channel.Pipe()
	defer func() { _ = a.Close() }()

	msg := []byte("abc")
	require.NoError(t, a.Send(ctx, msg))
	msg[0] = 'x'

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestPipe_CloseUnblocksPeer(t *testing.T) {
	a, b := channel.Pipe()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background())
		errCh <- err
	}()

	require.NoError(t, a.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, channel.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock after close")
	}

	assert.ErrorIs(t, b.Send(context.Background(), []byte("late")), channel.ErrClosed)
	assert.NoError(t, b.Close(), "second close is a no-op")
}

func TestPipe_ReceiveHonoursContext(t *testing.T) {
	a, b := channel.Pipe()
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMailbox_DeliverAndSend(t *testing.T) {
	ctx := context.Background()
	var sent []string
	closed := 0
	mb := channel.NewMailbox(func(_ context.Context, msg []byte) error {
		sent = append(sent, string(msg))
		return nil
	}, func() error {
		closed++
		return nil
	}, 4)

	require.NoError(t, mb.Deliver(ctx, []byte("in")))
	got, err := mb.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "in", string(got))

	require.NoError(t, mb.Send(ctx, []byte("out")))
	assert.Equal(t, []string{"out"}, sent)

	require.NoError(t, mb.Close())
	require.NoError(t, mb.Close())
	assert.Equal(t, 1, closed)

	assert.ErrorIs(t, mb.Deliver(ctx, []byte("late")), channel.ErrClosed)
	assert.ErrorIs(t, mb.Send(ctx, []byte("late")), channel.ErrClosed)
	_, err = mb.Receive(ctx)
	assert.ErrorIs(t, err, channel.ErrClosed)
	select {
	case <-mb.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestMailbox_DeliverBlocksUntilContextWhenFull(t *testing.T) {
	mb := channel.NewMailbox(func(context.Context, []byte) error { return nil }, nil, 1)
	defer func() { _ = mb.Close() }()

	require.NoError(t, mb.Deliver(context.Background(), []byte("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, mb.Deliver(ctx, []byte("b")), context.DeadlineExceeded)
}

func TestWebSocket_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws := channel.NewWebSocket(conn)
		defer func() { _ = ws.Close() }()
		for {
			msg, err := ws.Receive(r.Context())
			if err != nil {
				return
			}
			if err := ws.Send(r.Context(), msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	ws := channel.NewWebSocket(conn)

	require.NoError(t, ws.Send(ctx, []byte(`{"kind":"request"}`)))
	got, err := ws.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"request"}`, string(got))

	require.NoError(t, ws.Close())
	_, err = ws.Receive(ctx)
	require.Error(t, err)
}

func TestIsClosed(t *testing.T) {
	assert.False(t, channel.IsClosed(nil))
	assert.True(t, channel.IsClosed(channel.ErrClosed))
	assert.False(t, channel.IsClosed(errors.New("boom")))
}
