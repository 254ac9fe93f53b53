// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/pluginbridge/internal/health"
	"github.com/holomush/pluginbridge/internal/protocol"
)

const namespace = "pluginbridge"

// Metrics contains the bridge's Prometheus metrics. It satisfies the
// observer interfaces of the rpc, bridge, gateway and router packages.
type Metrics struct {
	CallsTotal      *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	RequestsServed  *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	FanoutTotal     *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	SessionsClosed  *prometheus.CounterVec
	MessagesRouted  *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	BackendHealth   prometheus.Gauge
	BackendOnline   prometheus.Gauge
}

// NewMetrics creates and registers the bridge metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_calls_total",
				Help:      "Total number of outbound RPC calls by proxy, method and outcome",
			},
			[]string{"proxy", "method", "outcome"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_call_duration_seconds",
				Help:      "Outbound RPC call latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"proxy", "method"},
		),
		RequestsServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_requests_served_total",
				Help:      "Total number of inbound RPC requests by proxy, method and outcome",
			},
			[]string{"proxy", "method", "outcome"},
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_frames_dropped_total",
				Help:      "Total number of discarded inbound frames by reason",
			},
			[]string{"reason"},
		),
		FanoutTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bridge_fanout_deliveries_total",
				Help:      "Total number of export and package notifications sent to hosts",
			},
			[]string{"method", "status"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gateway_sessions_active",
				Help:      "Number of open gateway sessions",
			},
		),
		SessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_sessions_closed_total",
				Help:      "Total number of closed gateway sessions by reason",
			},
			[]string{"reason"},
		),
		MessagesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "router_messages_total",
				Help:      "Total number of messages routed by endpoint address",
			},
			[]string{"address"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "router_messages_dropped_total",
				Help:      "Total number of messages the router dropped by reason",
			},
			[]string{"reason"},
		),
		BackendHealth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_health_percent",
				Help:      "Rolling backend connection health",
			},
		),
		BackendOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_online",
				Help:      "1 while the backend is considered online",
			},
		),
	}

	reg.MustRegister(
		m.CallsTotal, m.CallDuration, m.RequestsServed, m.FramesDropped,
		m.FanoutTotal, m.SessionsActive, m.SessionsClosed,
		m.MessagesRouted, m.MessagesDropped,
		m.BackendHealth, m.BackendOnline,
	)
	return m
}

// CallCompleted records an outbound RPC call.
func (m *Metrics) CallCompleted(proxy, method, outcome string, elapsed time.Duration) {
	m.CallsTotal.WithLabelValues(proxy, method, outcome).Inc()
	m.CallDuration.WithLabelValues(proxy, method).Observe(elapsed.Seconds())
}

// RequestServed records an inbound RPC request.
func (m *Metrics) RequestServed(proxy, method, outcome string) {
	m.RequestsServed.WithLabelValues(proxy, method, outcome).Inc()
}

// FrameDropped records a discarded inbound frame.
func (m *Metrics) FrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// FanoutDelivered records one notification sent to a host.
func (m *Metrics) FanoutDelivered(method string, _ protocol.HostID, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.FanoutTotal.WithLabelValues(method, status).Inc()
}

// SessionOpened records a new gateway session.
func (m *Metrics) SessionOpened() {
	m.SessionsActive.Inc()
}

// SessionClosed records the end of a gateway session.
func (m *Metrics) SessionClosed(reason string) {
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// MessageRouted records a message sent to an endpoint.
func (m *Metrics) MessageRouted(address string) {
	m.MessagesRouted.WithLabelValues(address).Inc()
}

// MessageDropped records a message the router could not deliver.
func (m *Metrics) MessageDropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordHealth records a backend status event. It can be registered
// directly with health.Monitor.OnStatusChange.
func (m *Metrics) RecordHealth(ev health.Event) {
	m.BackendHealth.Set(float64(ev.Health))
	if ev.State == health.Online {
		m.BackendOnline.Set(1)
		return
	}
	m.BackendOnline.Set(0)
}
