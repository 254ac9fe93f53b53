// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package host

import (
	"context"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/pluginbridge/internal/gateway"
	"github.com/holomush/pluginbridge/internal/plugin"
	"github.com/holomush/pluginbridge/internal/protocol"
)

// stopTimeout bounds plugin deactivation after a session ends.
const stopTimeout = 5 * time.Second

// ManagerFactory builds the plugin manager for a new host.
type ManagerFactory func(ctx context.Context, id protocol.HostID) (*plugin.Manager, error)

// SessionHandler gives every gateway session its own execution host, named
// after the session id. The host's plugins are stopped when the session
// ends.
func SessionHandler(factory ManagerFactory, opts ...Option) gateway.SessionHandler {
	return func(ctx context.Context, s *gateway.Session) error {
		id := protocol.HostID(s.ID().String())
		mgr, err := factory(ctx, id)
		if err != nil {
			return oops.Code("HOST_SESSION_SETUP_FAILED").With("session", id).Wrap(err)
		}
		rt := New(s.Endpoint(), mgr, append([]Option{WithLogger(s.Logger())}, opts...)...)

		s.Endpoint().OnClose(func(error) {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := rt.Manager().Stop(stopCtx); err != nil {
				rt.logger.Warn("stopping session plugins failed", "error", err)
			}
		})
		return nil
	}
}
