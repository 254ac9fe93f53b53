// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package router

import (
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/holomush/pluginbridge/internal/protocol"
)

// Route sends every plugin whose id matches Pattern to Address.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment: "acme.*" matches "acme.calc"
//   - '**' matches any number of segments: "acme.**" matches "acme.tools.calc"
type Route struct {
	Pattern string `koanf:"pattern" yaml:"pattern"`
	Address string `koanf:"address" yaml:"address"`
}

type compiledRoute struct {
	Route
	glob glob.Glob
}

// routeTable resolves plugin ids against glob routes in declaration order.
//
// routeTable is safe for concurrent use.
type routeTable struct {
	mu     sync.RWMutex
	routes []compiledRoute
}

// set replaces every route. Nothing changes when any pattern is invalid.
func (t *routeTable) set(routes []Route) error {
	compiled := make([]compiledRoute, len(routes))
	for i, r := range routes {
		if r.Pattern == "" {
			return oops.Code("ROUTER_INVALID_ROUTE").With("index", i).Errorf("route %d: empty pattern", i)
		}
		if r.Address == "" {
			return oops.Code("ROUTER_INVALID_ROUTE").With("index", i).With("pattern", r.Pattern).
				Errorf("route %d (%q): empty address", i, r.Pattern)
		}
		g, err := glob.Compile(r.Pattern, '.')
		if err != nil {
			return oops.Code("ROUTER_INVALID_ROUTE").With("index", i).With("pattern", r.Pattern).Wrap(err)
		}
		compiled[i] = compiledRoute{Route: r, glob: g}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = compiled
	return nil
}

// match returns the address of the first route matching id.
func (t *routeTable) match(id protocol.PluginID) (string, bool) {
	if id == "" {
		return "", false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes {
		if r.glob.Match(string(id)) {
			return r.Address, true
		}
	}
	return "", false
}

// addresses returns every route address, in declaration order.
func (t *routeTable) addresses() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.routes))
	for i, r := range t.routes {
		out[i] = r.Address
	}
	return out
}
