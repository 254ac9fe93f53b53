// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package health

import (
	"fmt"
	"log/slog"
	"sync"
)

// Indicator is how a status is shown to a user.
type Indicator struct {
	Icon    string `json:"icon"`
	Tooltip string `json:"tooltip"`
}

// Describe maps a status event to its indicator.
func Describe(ev Event) Indicator {
	if ev.Health == 0 {
		return Indicator{Icon: "exclamation-circle", Tooltip: "Offline"}
	}
	tooltip := fmt.Sprintf("Online [Connection health: %d%%]", ev.Health)
	switch {
	case ev.Health < 25:
		return Indicator{Icon: "frown-o", Tooltip: tooltip}
	case ev.Health < 50:
		return Indicator{Icon: "meh-o", Tooltip: tooltip}
	default:
		return Indicator{Icon: "smile-o", Tooltip: tooltip}
	}
}

// TransitionReporter logs each ONLINE/OFFLINE transition exactly once.
type TransitionReporter struct {
	logger *slog.Logger

	mu      sync.Mutex
	offline bool
}

// NewTransitionReporter creates a reporter that assumes the backend is online.
func NewTransitionReporter(logger *slog.Logger) *TransitionReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransitionReporter{logger: logger.With("component", "health")}
}

// Observe handles one status event. It reports whether the event changed
// the reporter's view.
func (r *TransitionReporter) Observe(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case ev.State == Offline && !r.offline:
		r.offline = true
		r.logger.Warn("backend connection lost")
		return true
	case ev.State == Online && r.offline:
		r.offline = false
		r.logger.Info("backend connection restored", "health", ev.Health)
		return true
	default:
		return false
	}
}

// Offline reports whether the last transition was to Offline.
func (r *TransitionReporter) Offline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offline
}
