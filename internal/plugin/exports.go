// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"sort"

	"github.com/samber/oops"
)

// Exports is the capability set a plugin offers other plugins: a declared
// list of method names plus invoke-by-name dispatch.
type Exports interface {
	// Methods returns the exported method names, sorted.
	Methods() []string
	// Invoke calls method and blocks until it returns.
	Invoke(ctx context.Context, method string, args ...any) (any, error)
}

// MethodFunc is one exported method.
type MethodFunc func(ctx context.Context, args ...any) (any, error)

// MethodSet is a map-backed Exports.
type MethodSet map[string]MethodFunc

// Methods implements Exports.
func (s MethodSet) Methods() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke implements Exports.
func (s MethodSet) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	fn, ok := s[method]
	if !ok {
		return nil, oops.Code("PLUGIN_UNKNOWN_EXPORT").
			With("method", method).
			Errorf("no exported method %q", method)
	}
	return fn(ctx, args...)
}

// noExports is used for modules that export nothing.
var noExports = MethodSet{}
