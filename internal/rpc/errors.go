// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Sentinel errors for programmatic error checking.
var (
	// ErrChannelClosed is returned for calls pending or issued after the
	// endpoint's channel is gone.
	ErrChannelClosed = errors.New("rpc channel closed")
	// ErrCallTimeout is returned when no response arrives within the call timeout.
	ErrCallTimeout = errors.New("rpc call timed out")
)

// RemoteError is the caller-side form of a failure raised by the remote
// implementation.
type RemoteError struct {
	Code    string
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Payload converts e back into its wire form.
func (e *RemoteError) Payload() *ErrorPayload {
	return &ErrorPayload{Message: e.Message, Code: e.Code, Data: e.Data}
}

// Err converts a wire payload into a RemoteError.
func (p *ErrorPayload) Err() *RemoteError {
	return &RemoteError{Code: p.Code, Message: p.Message, Data: p.Data}
}

// ErrorToPayload serializes a handler failure. A RemoteError anywhere in the
// chain is relayed verbatim so forwarded failures keep their origin.
func ErrorToPayload(err error) *ErrorPayload {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Payload()
	}

	payload := &ErrorPayload{Message: err.Error()}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return payload
	}
	if code, ok := oopsErr.Code().(string); ok {
		payload.Code = code
	}
	if ctx := oopsErr.Context(); len(ctx) > 0 {
		if data, marshalErr := json.Marshal(ctx); marshalErr == nil {
			payload.Data = data
		}
	}
	return payload
}

// IsRemote reports whether err came from the remote implementation rather
// than from the transport.
func IsRemote(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}
