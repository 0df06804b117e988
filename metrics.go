package mcp

import (
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// durationWindowSize bounds the rolling sample the percentile summary is
// computed from.
const durationWindowSize = 1024

// Metrics aggregates request, connection, and tool-execution counters for one
// connection manager. Everything is exported through a private Prometheus
// registry, and a rolling window of request durations backs the Snapshot
// percentile summary. All methods are safe for concurrent use; a nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	connectionsTotal  prometheus.Counter
	connectionsFailed prometheus.Counter
	connectionsActive prometheus.Gauge
	toolExecutions    prometheus.Counter
	toolFailures      prometheus.Counter
	toolDuration      prometheus.Histogram

	mu            sync.Mutex
	requests      uint64
	requestErrors uint64
	connections   uint64
	connFailures  uint64
	connActive    int64
	toolRuns      uint64
	toolFails     uint64
	toolTotalTime time.Duration
	maxDuration   time.Duration
	window        []time.Duration
	windowIdx     int
}

// NewMetrics creates a metrics aggregator with its own Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chassit",
			Subsystem: "mcp",
			Name:      "requests_total",
			Help:      "Requests sent, by method and outcome.",
		}, []string{"method", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chassit",
			Subsystem: "mcp",
			Name:      "request_duration_seconds",
			Help:      "Request round-trip time, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chassit",
			Subsystem: "mcp",
			Name:      "connections_total",
			Help:      "Sessions opened.",
		}),
		connectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chassit",
			Subsystem: "mcp",
			Name:      "connections_failed_total",
			Help:      "Sessions lost to transport failure.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chassit",
			Subsystem: "mcp",
			Name:      "connections_active",
			Help:      "Sessions currently operating.",
		}),
		toolExecutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chassit",
			Subsystem: "mcp",
			Name:      "tool_executions_total",
			Help:      "Tool calls sent.",
		}),
		toolFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chassit",
			Subsystem: "mcp",
			Name:      "tool_failures_total",
			Help:      "Tool calls that returned an error.",
		}),
		toolDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chassit",
			Subsystem: "mcp",
			Name:      "tool_duration_seconds",
			Help:      "Tool call round-trip time.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.connectionsTotal,
		m.connectionsFailed,
		m.connectionsActive,
		m.toolExecutions,
		m.toolFailures,
		m.toolDuration,
	)
	return m
}

// RecordRequest records one completed request. Tool calls additionally feed
// the tool execution counters.
func (m *Metrics) RecordRequest(method string, d time.Duration, err error) {
	if m == nil {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
	if method == MethodToolsCall {
		m.toolExecutions.Inc()
		m.toolDuration.Observe(d.Seconds())
		if err != nil {
			m.toolFailures.Inc()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if err != nil {
		m.requestErrors++
	}
	if d > m.maxDuration {
		m.maxDuration = d
	}
	if len(m.window) < durationWindowSize {
		m.window = append(m.window, d)
	} else {
		m.window[m.windowIdx] = d
		m.windowIdx = (m.windowIdx + 1) % durationWindowSize
	}
	if method == MethodToolsCall {
		m.toolRuns++
		m.toolTotalTime += d
		if err != nil {
			m.toolFails++
		}
	}
}

// ConnectionOpened records a session reaching the operating state.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()

	m.mu.Lock()
	m.connections++
	m.connActive++
	m.mu.Unlock()
}

// ConnectionClosed records an orderly session shutdown.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()

	m.mu.Lock()
	m.connActive--
	m.mu.Unlock()
}

// ConnectionFailed records a session lost to transport failure.
func (m *Metrics) ConnectionFailed() {
	if m == nil {
		return
	}
	m.connectionsFailed.Inc()
	m.connectionsActive.Dec()

	m.mu.Lock()
	m.connFailures++
	m.connActive--
	m.mu.Unlock()
}

// RequestStats summarizes request volume.
type RequestStats struct {
	Total  uint64
	Errors uint64
}

// PerformanceStats summarizes request latency over the rolling window.
type PerformanceStats struct {
	Avg time.Duration
	P95 time.Duration
	Max time.Duration
}

// ConnectionStats summarizes session lifecycle counts.
type ConnectionStats struct {
	Total  uint64
	Failed uint64
	Active int64
}

// ToolStats summarizes tool executions.
type ToolStats struct {
	Executions uint64
	Failures   uint64
	AvgTime    time.Duration
}

// Snapshot is a point-in-time view of the aggregated metrics.
type Snapshot struct {
	Requests    RequestStats
	Performance PerformanceStats
	Connections ConnectionStats
	Tools       ToolStats
}

// Snapshot returns the current aggregate view. Percentiles are computed over
// the rolling duration window, not full history.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Requests:    RequestStats{Total: m.requests, Errors: m.requestErrors},
		Connections: ConnectionStats{Total: m.connections, Failed: m.connFailures, Active: m.connActive},
		Tools:       ToolStats{Executions: m.toolRuns, Failures: m.toolFails},
	}
	if m.toolRuns > 0 {
		snap.Tools.AvgTime = m.toolTotalTime / time.Duration(m.toolRuns)
	}
	if len(m.window) == 0 {
		return snap
	}

	sorted := slices.Clone(m.window)
	slices.Sort(sorted)
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	snap.Performance = PerformanceStats{
		Avg: sum / time.Duration(len(sorted)),
		P95: sorted[(len(sorted)*95)/100],
		Max: m.maxDuration,
	}
	return snap
}

// Healthy reports whether the recent error rate is acceptable. It returns nil
// until enough requests have been seen to judge.
func (m *Metrics) Healthy() error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	requests := m.requests
	errors := m.requestErrors
	m.mu.Unlock()

	if requests < 10 {
		return nil
	}
	rate := float64(errors) / float64(requests)
	if rate > 0.5 {
		return fmt.Errorf("error rate %.0f%% over %d requests", rate*100, requests)
	}
	return nil
}

// Handler exposes the underlying registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
