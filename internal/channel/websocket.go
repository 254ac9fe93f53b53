// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package channel

import (
	"context"
	"errors"
	"net"

	"github.com/coder/websocket"
	"github.com/samber/oops"
)

// WebSocket adapts a websocket connection to Channel. Every RPC frame is one
// text message.
type WebSocket struct {
	conn *websocket.Conn
}

// NewWebSocket wraps conn.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// Conn exposes the wrapped connection for ping and close handling.
func (w *WebSocket) Conn() *websocket.Conn {
	return w.conn
}

func (w *WebSocket) Send(ctx context.Context, msg []byte) error {
	if err := w.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return wrapSocketError("send", err)
	}
	return nil
}

func (w *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, wrapSocketError("receive", err)
	}
	return data, nil
}

func (w *WebSocket) Close() error {
	err := w.conn.Close(websocket.StatusNormalClosure, "closing")
	if err != nil && !IsClosed(err) {
		return wrapSocketError("close", err)
	}
	return nil
}

// IsClosed reports whether err means the peer or the local side closed the
// socket, as opposed to a failure worth logging.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.CloseStatus(err) != -1
}

func wrapSocketError(op string, err error) error {
	if IsClosed(err) {
		return oops.Code("CHANNEL_CLOSED").With("operation", op).Wrap(errors.Join(ErrClosed, err))
	}
	return oops.Code("CHANNEL_IO_FAILED").With("operation", op).Wrap(err)
}
