// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rpc

import (
	"encoding/json"

	"github.com/samber/oops"
)

// Kind discriminates the three frame types on the wire.
type Kind string

// Frame kinds.
const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// Frame is the unit exchanged between two endpoints, encoded as one JSON
// message per channel message.
type Frame struct {
	Kind   Kind              `json:"kind"`
	ID     uint64            `json:"correlationId"`
	Proxy  string            `json:"proxyId,omitempty"`
	Method string            `json:"methodName,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *ErrorPayload     `json:"error,omitempty"`
}

// ErrorPayload carries a failure across the wire.
type ErrorPayload struct {
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DecodeFrame parses and sanity-checks one inbound message.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, oops.Code("RPC_MALFORMED_FRAME").Wrap(err)
	}
	if f.ID == 0 {
		return nil, oops.Code("RPC_MALFORMED_FRAME").Errorf("frame has no correlation id")
	}

	switch f.Kind {
	case KindRequest:
		if f.Proxy == "" || f.Method == "" {
			return nil, oops.Code("RPC_MALFORMED_FRAME").
				With("id", f.ID).
				Errorf("request frame needs proxy and method")
		}
	case KindResponse:
	case KindError:
		if f.Error == nil {
			return nil, oops.Code("RPC_MALFORMED_FRAME").
				With("id", f.ID).
				Errorf("error frame without error payload")
		}
	default:
		return nil, oops.Code("RPC_MALFORMED_FRAME").
			With("kind", string(f.Kind)).
			Errorf("unknown frame kind %q", f.Kind)
	}
	return &f, nil
}

// EncodeFrame serializes f.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, oops.Code("RPC_ENCODE_FAILED").
			With("proxy", f.Proxy).
			With("method", f.Method).
			Wrap(err)
	}
	return data, nil
}
