// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/samber/oops"
)

// Handler serves one remotely callable method.
type Handler func(ctx context.Context, args Args) (any, error)

// MethodTable maps wire method names to handlers for one contract.
type MethodTable map[string]Handler

// Caller issues a request and decodes its result into result (which may be nil).
type Caller interface {
	Call(ctx context.Context, proxy, method string, result any, args ...any) error
}

// Stub is a Caller bound to one proxy name; contract stubs are built on it.
type Stub struct {
	caller Caller
	proxy  string
}

// Call invokes method on the bound proxy.
func (s Stub) Call(ctx context.Context, method string, result any, args ...any) error {
	return s.caller.Call(ctx, s.proxy, method, result, args...)
}

// Proxy returns the bound proxy name.
func (s Stub) Proxy() string {
	return s.proxy
}

// ProxyID is the typed token naming a contract T exposed on an endpoint.
// Both peers agree on the name; T fixes the Go-side shape.
type ProxyID[T any] struct {
	name string
	bind func(T) MethodTable
	stub func(Stub) T
}

var (
	proxyNamesMu sync.Mutex
	proxyNames   = map[string]struct{}{}
)

// NewProxyID declares a contract. bind turns an implementation into its
// method table; stub turns a bound caller into a T. Names must be unique
// within the process.
func NewProxyID[T any](name string, bind func(T) MethodTable, stub func(Stub) T) ProxyID[T] {
	if name == "" || bind == nil || stub == nil {
		panic("rpc: proxy identifier needs a name, a binder and a stub factory")
	}
	proxyNamesMu.Lock()
	defer proxyNamesMu.Unlock()
	if _, dup := proxyNames[name]; dup {
		panic(fmt.Sprintf("rpc: duplicate proxy identifier %q", name))
	}
	proxyNames[name] = struct{}{}
	return ProxyID[T]{name: name, bind: bind, stub: stub}
}

// Name returns the wire name of the identifier.
func (id ProxyID[T]) Name() string {
	return id.name
}

// Register exposes impl to the remote peer under id. The last registration
// for an id wins.
func Register[T any](e *Endpoint, id ProxyID[T], impl T) {
	e.setLocal(id.name, id.bind(impl))
}

// Remote returns the stub for the contract the peer exposes under id.
// Stubs are created once per endpoint and reused.
func Remote[T any](e *Endpoint, id ProxyID[T]) T {
	stub := e.remoteStub(id.name, func() any {
		return id.stub(Stub{caller: e, proxy: id.name})
	})
	//nolint:forcetypeassert // the cache only ever holds id.stub output for this name
	return stub.(T)
}

// Args are the positional, still-encoded arguments of a request.
type Args []json.RawMessage

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i >= len(a) {
		return oops.Code("RPC_BAD_ARGS").
			With("index", i).
			With("count", len(a)).
			Errorf("missing argument %d", i)
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return oops.Code("RPC_BAD_ARGS").With("index", i).Wrap(err)
	}
	return nil
}

// Rest decodes arguments from index i onwards as generic JSON values.
func (a Args) Rest(i int) ([]any, error) {
	if i >= len(a) {
		return []any{}, nil
	}
	out := make([]any, 0, len(a)-i)
	for j := i; j < len(a); j++ {
		var v any
		if err := a.Decode(j, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func marshalArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(args))
	for i, arg := range args {
		if raw, ok := arg.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, oops.Code("RPC_BAD_ARGS").With("index", i).Wrap(err)
		}
		out[i] = data
	}
	return out, nil
}
