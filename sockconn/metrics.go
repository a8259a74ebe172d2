// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sockconn

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the connection-layer counters. All fields are
// registered against the Registerer given to NewMetrics; a nil
// *Metrics disables accounting.
type Metrics struct {
	Accepted   prometheus.Counter
	Dialed     prometheus.Counter
	Active     prometheus.Gauge
	BytesIn    prometheus.Counter
	BytesOut   prometheus.Counter
	SegmentsIn prometheus.Counter
	ConnErrors prometheus.Counter
	HookErrors prometheus.Counter
}

// NewMetrics builds the counter set and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sockconn_accepted_total",
			Help: "Connections accepted from listeners.",
		}),
		Dialed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sockconn_dialed_total",
			Help: "Outbound connections established.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sockconn_active",
			Help: "Connections currently established.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sockconn_bytes_in_total",
			Help: "Bytes delivered into inbound segment queues.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sockconn_bytes_out_total",
			Help: "Bytes written to transports.",
		}),
		SegmentsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sockconn_segments_in_total",
			Help: "Segments queued on the receive path.",
		}),
		ConnErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sockconn_conn_errors_total",
			Help: "Connections torn down abnormally.",
		}),
		HookErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sockconn_hook_errors_total",
			Help: "Protocol violations reported by Recv hooks.",
		}),
	}
	reg.MustRegister(m.Accepted, m.Dialed, m.Active, m.BytesIn,
		m.BytesOut, m.SegmentsIn, m.ConnErrors, m.HookErrors)
	return m
}

func (m *Metrics) incAccepted() {
	if m != nil {
		m.Accepted.Inc()
	}
}

func (m *Metrics) incDialed() {
	if m != nil {
		m.Dialed.Inc()
	}
}

func (m *Metrics) incActive() {
	if m != nil {
		m.Active.Inc()
	}
}

func (m *Metrics) decActive() {
	if m != nil {
		m.Active.Dec()
	}
}

func (m *Metrics) addRecv(n int) {
	if m != nil {
		m.BytesIn.Add(float64(n))
		m.SegmentsIn.Inc()
	}
}

func (m *Metrics) addSent(n int) {
	if m != nil {
		m.BytesOut.Add(float64(n))
	}
}

func (m *Metrics) incConnErrors() {
	if m != nil {
		m.ConnErrors.Inc()
	}
}

func (m *Metrics) incHookErrors() {
	if m != nil {
		m.HookErrors.Inc()
	}
}
