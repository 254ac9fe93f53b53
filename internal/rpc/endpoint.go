// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package rpc multiplexes typed contracts over a single message channel.
// Each side registers local implementations under proxy identifiers and
// obtains stubs for the identifiers its peer registered; requests and
// responses are correlated by id so many calls can be outstanding at once.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/pluginbridge/internal/channel"
)

// DefaultCallTimeout bounds how long a call waits for its response.
const DefaultCallTimeout = 30 * time.Second

// Call outcomes reported to an Observer.
const (
	OutcomeOK          = "ok"
	OutcomeRemoteError = "remote_error"
	OutcomeTimeout     = "timeout"
	OutcomeClosed      = "closed"
	OutcomeCanceled    = "canceled"
	OutcomeError       = "error"
)

// Observer receives endpoint activity, typically to feed metrics.
type Observer interface {
	// CallCompleted is reported once per outbound call.
	CallCompleted(proxy, method, outcome string, elapsed time.Duration)
	// RequestServed is reported once per inbound request.
	RequestServed(proxy, method, outcome string)
	// FrameDropped is reported for every inbound frame that was discarded.
	FrameDropped(reason string)
}

type nopObserver struct{}

func (nopObserver) CallCompleted(string, string, string, time.Duration) {}
func (nopObserver) RequestServed(string, string, string)                 {}
func (nopObserver) FrameDropped(string)                                  {}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the endpoint logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithName labels the endpoint in logs and spans, usually with the peer's host id.
func WithName(name string) Option {
	return func(e *Endpoint) {
		e.name = name
	}
}

// WithCallTimeout overrides DefaultCallTimeout. Zero or negative disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		e.callTimeout = d
	}
}

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(e *Endpoint) {
		if o != nil {
			e.observer = o
		}
	}
}

// Endpoint is the RPC multiplexer bound to one channel between two hosts.
type Endpoint struct {
	ch          channel.Channel
	name        string
	logger      *slog.Logger
	callTimeout time.Duration
	observer    Observer
	tracer      trace.Tracer

	mu       sync.Mutex
	locals   map[string]MethodTable
	remotes  map[string]any
	pending  map[uint64]chan *Frame
	queue    [][]byte
	onClose  []func(error)
	started  bool
	closed   bool
	closeErr error
	cancel   context.CancelFunc

	nextID atomic.Uint64
	wake   chan struct{}
	done   chan struct{}
}

// NewEndpoint creates an endpoint over ch. Nothing is read or written until
// Start; frames produced earlier are queued in order.
func NewEndpoint(ch channel.Channel, opts ...Option) *Endpoint {
	e := &Endpoint{
		ch:          ch,
		logger:      slog.Default(),
		callTimeout: DefaultCallTimeout,
		observer:    nopObserver{},
		tracer:      otel.Tracer("github.com/holomush/pluginbridge/internal/rpc"),
		locals:      make(map[string]MethodTable),
		remotes:     make(map[string]any),
		pending:     make(map[uint64]chan *Frame),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "rpc", "endpoint", e.name)
	return e
}

// Name returns the endpoint label.
func (e *Endpoint) Name() string {
	return e.name
}

// Start launches the read and write loops. The endpoint closes when ctx is
// cancelled or the channel fails. Calling Start again is a no-op.
func (e *Endpoint) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	go e.readLoop(runCtx)
	go e.writeLoop(runCtx)
}

// Done is closed once the endpoint has shut down.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Err returns the reason the endpoint closed, or nil while it is open.
func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeErr
}

// OnClose registers fn to run once when the endpoint shuts down. If the
// endpoint is already closed fn runs immediately.
func (e *Endpoint) OnClose(fn func(error)) {
	e.mu.Lock()
	if e.closed {
		err := e.closeErr
		e.mu.Unlock()
		fn(err)
		return
	}
	e.onClose = append(e.onClose, fn)
	e.mu.Unlock()
}

// Close shuts the endpoint down. Pending calls fail with ErrChannelClosed.
func (e *Endpoint) Close() error {
	e.shutdown(ErrChannelClosed)
	return nil
}

func (e *Endpoint) shutdown(reason error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.closeErr = reason
	e.pending = make(map[uint64]chan *Frame)
	e.queue = nil
	hooks := e.onClose
	e.onClose = nil
	cancel := e.cancel
	close(e.done)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := e.ch.Close(); err != nil {
		e.logger.Debug("channel close failed", "error", err)
	}
	for _, hook := range hooks {
		hook(reason)
	}
}

func (e *Endpoint) setLocal(proxy string, table MethodTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.locals[proxy]; exists {
		e.logger.Debug("replacing local implementation", "proxy", proxy)
	}
	e.locals[proxy] = table
}

func (e *Endpoint) remoteStub(proxy string, create func() any) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stub, ok := e.remotes[proxy]; ok {
		return stub
	}
	stub := create()
	e.remotes[proxy] = stub
	return stub
}

// Call sends a request for proxy.method and waits for the matching
// response. On success the result is decoded into result when both are
// non-nil. Failures raised by the peer come back as *RemoteError.
func (e *Endpoint) Call(ctx context.Context, proxy, method string, result any, args ...any) (err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, proxy+"/"+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.service", proxy),
			attribute.String("rpc.method", method),
			attribute.String("rpc.peer", e.name),
		))
	defer func() {
		outcome := outcomeOf(err)
		e.observer.CallCompleted(proxy, method, outcome, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}()

	rawArgs, err := marshalArgs(args)
	if err != nil {
		return err
	}

	id := e.nextID.Add(1)
	data, err := EncodeFrame(&Frame{
		Kind:   KindRequest,
		ID:     id,
		Proxy:  proxy,
		Method: method,
		Args:   rawArgs,
	})
	if err != nil {
		return err
	}

	respCh := make(chan *Frame, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return e.closedError(proxy, method)
	}
	e.pending[id] = respCh
	e.enqueueLocked(data)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}()

	var timeout <-chan time.Time
	if e.callTimeout > 0 {
		timer := time.NewTimer(e.callTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-respCh:
		if resp.Kind == KindError {
			return resp.Error.Err()
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return oops.Code("RPC_BAD_RESULT").
					With("proxy", proxy).
					With("method", method).
					Wrap(err)
			}
		}
		return nil
	case <-e.done:
		return e.closedError(proxy, method)
	case <-timeout:
		return oops.Code("RPC_CALL_TIMEOUT").
			With("proxy", proxy).
			With("method", method).
			With("timeout", e.callTimeout.String()).
			Wrap(ErrCallTimeout)
	case <-ctx.Done():
		return oops.Code("RPC_CALL_CANCELED").
			With("proxy", proxy).
			With("method", method).
			Wrap(ctx.Err())
	}
}

func (e *Endpoint) closedError(proxy, method string) error {
	return oops.Code("RPC_CHANNEL_CLOSED").
		With("proxy", proxy).
		With("method", method).
		With("endpoint", e.name).
		Wrap(ErrChannelClosed)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case IsRemote(err):
		return OutcomeRemoteError
	case errors.Is(err, ErrCallTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrChannelClosed):
		return OutcomeClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

// enqueueLocked appends an outbound frame. Caller must hold e.mu.
func (e *Endpoint) enqueueLocked(data []byte) {
	e.queue = append(e.queue, data)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) enqueue(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.enqueueLocked(data)
}

// writeLoop is the single writer, so frames reach the wire in the order
// they were queued.
func (e *Endpoint) writeLoop(ctx context.Context) {
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
		}

		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		e.mu.Unlock()

		for _, data := range batch {
			if err := e.ch.Send(ctx, data); err != nil {
				if !channel.IsClosed(err) && ctx.Err() == nil {
					e.logger.Warn("send failed, closing endpoint", "error", err)
				}
				e.shutdown(oops.Code("RPC_CHANNEL_CLOSED").Wrap(errors.Join(ErrChannelClosed, err)))
				return
			}
		}
	}
}

func (e *Endpoint) readLoop(ctx context.Context) {
	for {
		data, err := e.ch.Receive(ctx)
		if err != nil {
			if !channel.IsClosed(err) && ctx.Err() == nil {
				e.logger.Warn("receive failed, closing endpoint", "error", err)
			}
			e.shutdown(oops.Code("RPC_CHANNEL_CLOSED").Wrap(errors.Join(ErrChannelClosed, err)))
			return
		}
		e.dispatch(ctx, data)
	}
}

func (e *Endpoint) dispatch(ctx context.Context, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		e.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
		e.observer.FrameDropped("malformed")
		return
	}

	switch frame.Kind {
	case KindRequest:
		go e.serve(ctx, frame)
	case KindResponse, KindError:
		e.mu.Lock()
		respCh, ok := e.pending[frame.ID]
		delete(e.pending, frame.ID)
		e.mu.Unlock()
		if !ok {
			e.logger.Debug("dropping response for unknown call", "id", frame.ID)
			e.observer.FrameDropped("unknown_id")
			return
		}
		respCh <- frame
	}
}

// serve runs one inbound request on its own goroutine so a handler waiting
// on a nested call never blocks the read loop that delivers its response.
func (e *Endpoint) serve(ctx context.Context, req *Frame) {
	e.mu.Lock()
	table := e.locals[req.Proxy]
	e.mu.Unlock()

	reply := &Frame{Kind: KindResponse, ID: req.ID}
	result, err := e.invoke(ctx, table, req)
	outcome := OutcomeOK
	if err == nil {
		reply.Result, err = json.Marshal(result)
		if err != nil {
			err = oops.Code("RPC_BAD_RESULT").With("method", req.Method).Wrap(err)
		}
	}
	if err != nil {
		outcome = OutcomeError
		reply = &Frame{Kind: KindError, ID: req.ID, Error: ErrorToPayload(err)}
		e.logger.Debug("request failed",
			"proxy", req.Proxy,
			"method", req.Method,
			"error", err)
	}
	e.observer.RequestServed(req.Proxy, req.Method, outcome)

	data, err := EncodeFrame(reply)
	if err != nil {
		e.logger.Error("cannot encode reply", "proxy", req.Proxy, "method", req.Method, "error", err)
		return
	}
	e.enqueue(data)
}

func (e *Endpoint) invoke(ctx context.Context, table MethodTable, req *Frame) (result any, err error) {
	if table == nil {
		return nil, oops.Code("RPC_UNKNOWN_PROXY").
			With("proxy", req.Proxy).
			Errorf("no implementation registered for %s", req.Proxy)
	}
	handler, ok := table[req.Method]
	if !ok {
		return nil, oops.Code("RPC_UNKNOWN_METHOD").
			With("proxy", req.Proxy).
			With("method", req.Method).
			Errorf("%s has no method %s", req.Proxy, req.Method)
	}

	defer func() {
		if r := recover(); r != nil {
			err = oops.Code("RPC_HANDLER_PANIC").
				With("proxy", req.Proxy).
				With("method", req.Method).
				Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, Args(req.Args))
}

// String implements fmt.Stringer for log output.
func (e *Endpoint) String() string {
	return fmt.Sprintf("rpc.Endpoint(%s)", e.name)
}
