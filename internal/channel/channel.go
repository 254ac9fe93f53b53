// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package channel provides the duplex, message-oriented transports that
// carry RPC frames between two endpoints.
package channel

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Receive once a channel is closed.
var ErrClosed = errors.New("channel closed")

// Channel carries whole messages in both directions between two peers.
// Send and Receive may be called concurrently with each other; Receive is
// expected to have a single consumer.
type Channel interface {
	// Send delivers one message to the peer.
	Send(ctx context.Context, msg []byte) error
	// Receive blocks until the next message from the peer arrives.
	Receive(ctx context.Context) ([]byte, error)
	// Close tears the channel down. It is safe to call more than once.
	Close() error
}

// SendFunc writes one message to an underlying transport.
type SendFunc func(ctx context.Context, msg []byte) error

func clone(msg []byte) []byte {
	out := make([]byte, len(msg))
	copy(out, msg)
	return out
}
