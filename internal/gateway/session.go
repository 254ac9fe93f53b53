// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package gateway

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/pluginbridge/internal/channel"
	"github.com/holomush/pluginbridge/internal/rpc"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// newSessionID returns a ULID that sorts after every id issued before it.
func newSessionID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// Session is one accepted socket and the RPC endpoint bound to it.
type Session struct {
	id       ulid.ULID
	socket   *channel.WebSocket
	mailbox  *channel.Mailbox
	endpoint *rpc.Endpoint
	logger   *slog.Logger
	opened   time.Time

	alive     atomic.Bool
	closeOnce sync.Once

	mu     sync.Mutex
	reason string
}

// ID returns the session id.
func (s *Session) ID() ulid.ULID {
	return s.id
}

// Endpoint returns the RPC endpoint served over the session's socket.
func (s *Session) Endpoint() *rpc.Endpoint {
	return s.endpoint
}

// Logger returns a logger tagged with the session id.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// OpenedAt returns when the socket was accepted.
func (s *Session) OpenedAt() time.Time {
	return s.opened
}

// Alive reports the liveness flag: set on connect and on every pong,
// cleared before every ping.
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// deliver hands an inbound frame to the session's endpoint.
func (s *Session) deliver(ctx context.Context, frame []byte) error {
	return s.mailbox.Deliver(ctx, frame)
}

// ping clears the alive flag and sends a ping; the flag is set again when
// the pong arrives within timeout.
func (s *Session) ping(ctx context.Context, timeout time.Duration) {
	s.alive.Store(false)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := s.socket.Conn().Ping(ctx); err != nil {
			s.logger.Debug("ping unanswered", "error", err)
			return
		}
		s.alive.Store(true)
	}()
}

// terminate drops the socket without a close handshake.
func (s *Session) terminate(reason string) {
	s.setReason(reason)
	_ = s.socket.Conn().CloseNow()
}

// close shuts the endpoint down, which in turn closes the socket.
func (s *Session) close(reason string) {
	s.setReason(reason)
	s.closeOnce.Do(func() {
		_ = s.endpoint.Close()
	})
}

// setReason keeps the first reason given.
func (s *Session) setReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		s.reason = reason
	}
}

func (s *Session) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		return "closed"
	}
	return s.reason
}
