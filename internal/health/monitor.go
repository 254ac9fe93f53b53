// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Defaults for Monitor.
const (
	DefaultRequestTimeout = time.Second
	DefaultRetryInterval  = time.Second
	MaxRetryInterval      = 30 * time.Second
	AlivePath             = "/alive"
)

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) MonitorOption {
	return func(m *Monitor) {
		if c != nil {
			m.client = c
		}
	}
}

// WithRequestTimeout bounds each probe.
func WithRequestTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.requestTimeout = d
		}
	}
}

// WithRetryInterval sets the base probe interval and its cap.
func WithRetryInterval(base, maxInterval time.Duration) MonitorOption {
	return func(m *Monitor) {
		if base > 0 {
			m.retryInterval = base
		}
		if maxInterval > 0 {
			m.maxInterval = maxInterval
		}
	}
}

// WithThreshold sets the number of tolerated consecutive failures.
func WithThreshold(n int) MonitorOption {
	return func(m *Monitor) {
		m.machine = NewStateMachine(n)
	}
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// Monitor polls a backend's liveness endpoint. The interval doubles after
// every failed probe, up to the cap, and returns to the base after a
// success.
type Monitor struct {
	url            string
	client         *http.Client
	requestTimeout time.Duration
	retryInterval  time.Duration
	maxInterval    time.Duration
	machine        *StateMachine
	logger         *slog.Logger

	mu        sync.RWMutex
	listeners []func(Event)
}

// NewMonitor creates a monitor for the backend at baseURL.
func NewMonitor(baseURL string, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		url:            strings.TrimSuffix(baseURL, "/") + AlivePath,
		client:         http.DefaultClient,
		requestTimeout: DefaultRequestTimeout,
		retryInterval:  DefaultRetryInterval,
		maxInterval:    MaxRetryInterval,
		machine:        NewStateMachine(DefaultThreshold),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "health", "url", m.url)
	return m
}

// URL returns the probed URL.
func (m *Monitor) URL() string {
	return m.url
}

// OnStatusChange registers a listener for every status event.
func (m *Monitor) OnStatusChange(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Current returns the latest status.
func (m *Monitor) Current() Event {
	return m.machine.Current()
}

// Check performs one probe. Only a 200 response counts as success.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, http.NoBody)
	if err != nil {
		m.logger.Debug("building probe failed", "error", err)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Run probes until ctx ends. The initial status is announced first.
func (m *Monitor) Run(ctx context.Context) {
	m.emit(m.machine.Current())

	schedule := NewSchedule(m.retryInterval, m.maxInterval)
	wait := m.retryInterval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.logger.Debug("checking backend connection", "interval", wait)
		success := m.Check(ctx)
		if ctx.Err() != nil {
			return
		}
		if success {
			m.logger.Debug("connected to the backend")
		} else {
			m.logger.Debug("cannot reach the backend")
		}
		wait = schedule.Next(success)
		m.emit(m.machine.Record(success))
		timer.Reset(wait)
	}
}

// Schedule is the probe interval policy: the base interval after a
// success, doubling after each consecutive failure up to the cap.
type Schedule struct {
	base    time.Duration
	max     time.Duration
	backoff retry.Backoff
}

// NewSchedule creates a schedule starting at base.
func NewSchedule(base, maxInterval time.Duration) *Schedule {
	s := &Schedule{base: base, max: maxInterval}
	s.reset()
	return s
}

func (s *Schedule) reset() {
	s.backoff = retry.WithCappedDuration(s.max, retry.NewExponential(2*s.base))
}

// Next returns the wait before the probe that follows an outcome.
func (s *Schedule) Next(success bool) time.Duration {
	if success {
		s.reset()
		return s.base
	}
	d, _ := s.backoff.Next()
	return d
}

func (m *Monitor) emit(ev Event) {
	m.mu.RLock()
	listeners := append(([]func(Event))(nil), m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
