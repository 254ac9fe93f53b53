// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package health tracks whether a backend is reachable from a rolling window
// of probe outcomes.
package health

import (
	"math"
	"slices"
	"sync"
)

// HistoryLimit is the number of probe outcomes retained.
const HistoryLimit = 100

// DefaultThreshold is the number of consecutive failures tolerated before
// the connection is considered offline.
const DefaultThreshold = 5

// State is the connection state.
type State string

const (
	// Online means at least one recent probe succeeded.
	Online State = "online"
	// Offline means every probe in the threshold window failed.
	Offline State = "offline"
)

// Event is a connection status change.
type Event struct {
	State  State `json:"state"`
	Health int   `json:"health"`
}

// StateMachine smooths probe outcomes into a State and a health percentage.
//
// StateMachine is safe for concurrent use.
type StateMachine struct {
	threshold int

	mu      sync.Mutex
	history []bool
	state   State
}

// NewStateMachine creates a machine that starts Online with an empty history.
func NewStateMachine(threshold int) *StateMachine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &StateMachine{threshold: threshold, state: Online}
}

// Threshold returns the size of the window that decides the state.
func (m *StateMachine) Threshold() int {
	return m.threshold
}

// Record adds one probe outcome and returns the resulting status.
func (m *StateMachine) Record(success bool) Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, success)
	if len(m.history) > HistoryLimit {
		m.history = slices.Clone(m.history[len(m.history)-HistoryLimit:])
	}

	m.state = Online
	if len(m.history) > m.threshold {
		if !slices.Contains(m.history[len(m.history)-m.threshold:], true) {
			m.state = Offline
		}
	}
	return m.eventLocked()
}

// Current returns the status without recording anything.
func (m *StateMachine) Current() Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventLocked()
}

// History returns a copy of the retained outcomes, oldest first.
func (m *StateMachine) History() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

func (m *StateMachine) eventLocked() Event {
	return Event{State: m.state, Health: m.healthLocked()}
}

func (m *StateMachine) healthLocked() int {
	if m.state == Offline {
		return 0
	}
	if len(m.history) == 0 {
		return 100
	}
	successes := 0
	for _, ok := range m.history {
		if ok {
			successes++
		}
	}
	return int(math.Round(100 * float64(successes) / float64(len(m.history))))
}
