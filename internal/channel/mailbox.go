// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package channel

import (
	"context"
	"sync"
)

// Mailbox is a Channel whose inbound side is fed by the owner of a shared
// transport. Gateways and routers read sockets themselves and Deliver each
// message to the mailbox of the endpoint that should see it; Send goes
// straight to the transport.
type Mailbox struct {
	send    SendFunc
	onClose func() error

	inbox chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewMailbox creates a mailbox. onClose, if non-nil, runs once on Close.
func NewMailbox(send SendFunc, onClose func() error, capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = defaultPipeBuffer
	}
	return &Mailbox{
		send:    send,
		onClose: onClose,
		inbox:   make(chan []byte, capacity),
		done:    make(chan struct{}),
	}
}

// Deliver queues an inbound message. It blocks while the inbox is full.
func (m *Mailbox) Deliver(ctx context.Context, msg []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	select {
	case m.inbox <- clone(msg):
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes msg through the owner's transport.
func (m *Mailbox) Send(ctx context.Context, msg []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	return m.send(ctx, msg)
}

// Receive returns the next delivered message.
func (m *Mailbox) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-m.inbox:
		return msg, nil
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the mailbox is closed.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Close stops the mailbox. The onClose hook runs on the first call only.
func (m *Mailbox) Close() error {
	var err error
	m.once.Do(func() {
		close(m.done)
		if m.onClose != nil {
			err = m.onClose()
		}
	})
	return err
}
