// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package channel

import (
	"context"
	"sync"
)

// defaultPipeBuffer is the number of messages each direction can hold before
// Send blocks.
const defaultPipeBuffer = 64

type pipeState struct {
	done chan struct{}
	once sync.Once
}

func (s *pipeState) close() {
	s.once.Do(func() { close(s.done) })
}

// pipeEnd is one side of an in-process pipe.
type pipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

// Pipe returns two connected in-process channel ends. A message sent on one
// end is received on the other. Closing either end closes both.
func Pipe() (Channel, Channel) {
	aToB := make(chan []byte, defaultPipeBuffer)
	bToA := make(chan []byte, defaultPipeBuffer)
	state := &pipeState{done: make(chan struct{})}

	a := &pipeEnd{in: bToA, out: aToB, state: state}
	b := &pipeEnd{in: aToB, out: bToA, state: state}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}

	select {
	case p.out <- clone(msg):
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.state.close()
	return nil
}
