// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

// Package metrics exposes broadcaster counters to Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ccheshirecat/streamlog/internal/server/eventbus"
	"github.com/ccheshirecat/streamlog/internal/server/stream"
)

// StatsSource is satisfied by *stream.Broadcaster.
type StatsSource interface {
	Stats() stream.Stats
}

// Metrics owns a private registry so several daemons (or tests) can coexist
// in one process.
type Metrics struct {
	Registry    *prometheus.Registry
	transitions *prometheus.CounterVec
}

// New registers the broadcaster collector, Go runtime collectors and the
// session transition counter.
func New(src StatsSource) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newBroadcasterCollector(src),
	)
	return &Metrics{
		Registry: reg,
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamlog_session_transitions_total",
				Help: "Session lifecycle events by type",
			},
			[]string{"type"},
		),
	}
}

// Observe counts a lifecycle event.
func (m *Metrics) Observe(ev eventbus.SessionEvent) {
	m.transitions.WithLabelValues(ev.Type).Inc()
}

// Follow counts events from the bus until ctx ends.
func (m *Metrics) Follow(ctx context.Context, bus eventbus.Bus) error {
	ch := make(chan eventbus.SessionEvent, 256)
	unsubscribe, err := bus.Subscribe(ch)
	if err != nil {
		return err
	}
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			m.Observe(ev)
		}
	}
}

type broadcasterCollector struct {
	src      StatsSource
	lines    *prometheus.Desc
	resets   *prometheus.Desc
	dropped  *prometheus.Desc
	sessions *prometheus.Desc
}

func newBroadcasterCollector(src StatsSource) *broadcasterCollector {
	return &broadcasterCollector{
		src: src,
		lines: prometheus.NewDesc("streamlog_lines_total",
			"Lines read from the source", nil, nil),
		resets: prometheus.NewDesc("streamlog_resets_total",
			"Reset events queued to sessions", nil, nil),
		dropped: prometheus.NewDesc("streamlog_dropped_total",
			"Data events dropped by session queue overflow", nil, nil),
		sessions: prometheus.NewDesc("streamlog_sessions",
			"Registered sessions by state", []string{"state"}, nil),
	}
}

func (c *broadcasterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.lines
	ch <- c.resets
	ch <- c.dropped
	ch <- c.sessions
}

func (c *broadcasterCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.lines, prometheus.CounterValue, float64(st.Lines))
	ch <- prometheus.MustNewConstMetric(c.resets, prometheus.CounterValue, float64(st.Resets))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(st.Dropped))
	for _, state := range []stream.State{stream.StateConnecting, stream.StateStreaming, stream.StateDisconnected} {
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue,
			float64(st.Sessions[state]), state.String())
	}
}
