// Package observability provides the Prometheus-compatible metrics
// registry used by the daemon and relay processes (SPEC_FULL.md §2.1):
// tunnel reconnects, buffer depth, broadcast fan-out size, and pending
// permission counts, plus the router/auth/system counters needed to
// operate either process.
package observability

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// ------------------------------------------------------------------
// Metrics
// ------------------------------------------------------------------

// MetricType classifies a metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// Metric is a single named metric.
type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Description string            `json:"description"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// MetricsRegistry collects and exposes application metrics.
type MetricsRegistry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewMetricsRegistry creates a metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name  string
	desc  string
	value atomic.Int64
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	name  string
	desc  string
	value atomic.Int64 // integer gauge value
}

// Histogram tracks value distributions with pre-defined buckets.
type Histogram struct {
	mu      sync.Mutex
	name    string
	desc    string
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// GetCounter returns (or creates) a counter metric.
func (r *MetricsRegistry) GetCounter(name, description string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = &Counter{name: name, desc: description}
	r.counters[name] = c
	return c
}

// GetGauge returns (or creates) a gauge metric.
func (r *MetricsRegistry) GetGauge(name, description string) *Gauge {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.gauges[name]; ok {
		return g
	}
	g = &Gauge{name: name, desc: description}
	r.gauges[name] = g
	return g
}

// GetHistogram returns (or creates) a histogram metric.
func (r *MetricsRegistry) GetHistogram(name, description string, buckets []float64) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	sort.Float64s(buckets)
	h = &Histogram{name: name, desc: description, buckets: buckets, counts: make([]int64, len(buckets)+1)}
	r.histograms[name] = h
	return h
}

// Inc increments a counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments a counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the counter's current value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Set sets the gauge value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Add adjusts the gauge by n, positive or negative.
func (g *Gauge) Add(n int64) { g.value.Add(n) }

// Value returns the gauge's current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++ // +Inf bucket
}

// ------------------------------------------------------------------
// Pre-defined BetCode metrics
// ------------------------------------------------------------------

// BetCodeMetrics holds the metrics named in SPEC_FULL.md §2.1: tunnel
// reconnects, buffer depth, broadcast fan-out size, and pending
// permission count, plus the router/auth/system counters needed to
// operate a daemon or relay process.
type BetCodeMetrics struct {
	Registry *MetricsRegistry

	// Tunnel fabric
	TunnelConnects    *Counter
	TunnelReconnects  *Counter
	TunnelDisconnects *Counter
	TunnelFramesIn    *Counter
	TunnelFramesOut   *Counter
	TunnelLatency     *Histogram

	// Session multiplexer
	ActiveSessions   *Gauge
	BroadcastFanout  *Histogram // number of subscribers reached per broadcast
	BroadcastDropped *Counter   // lossy broadcasts that had no receivers
	ClientsLagging   *Counter   // events dropped for a subscriber whose channel was full

	// Permission engine
	PendingPermissions *Gauge
	PermissionAllowed  *Counter
	PermissionDenied   *Counter
	PermissionExpired  *Counter

	// Request router / offline buffer
	MachinesOnline    *Gauge
	RouterCallsTotal  *Counter
	RouterCallErrors  *Counter
	RouterCallLatency *Histogram
	BufferDepth       *Gauge
	BufferDrained     *Counter
	BufferExpired     *Counter

	// Auth
	RefreshRotations *Counter
	RefreshRejected  *Counter

	// Resilience
	CircuitBreakerTrips *Counter
	RetryAttempts       *Counter

	// System
	Uptime         *Gauge
	GoroutineCount *Gauge
}

// NewBetCodeMetrics creates the standard BetCode metrics suite.
func NewBetCodeMetrics() *BetCodeMetrics {
	r := NewMetricsRegistry()

	latencyBuckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	fanoutBuckets := []float64{0, 1, 2, 4, 8, 16, 32}

	return &BetCodeMetrics{
		Registry: r,

		TunnelConnects:    r.GetCounter("betcode_tunnel_connects_total", "Total daemon tunnel connections accepted"),
		TunnelReconnects:  r.GetCounter("betcode_tunnel_reconnects_total", "Total daemon tunnel reconnect attempts"),
		TunnelDisconnects: r.GetCounter("betcode_tunnel_disconnects_total", "Total daemon tunnel disconnects"),
		TunnelFramesIn:    r.GetCounter("betcode_tunnel_frames_in_total", "Total frames received over tunnels"),
		TunnelFramesOut:   r.GetCounter("betcode_tunnel_frames_out_total", "Total frames sent over tunnels"),
		TunnelLatency:     r.GetHistogram("betcode_tunnel_roundtrip_seconds", "Tunnel request/response round-trip latency", latencyBuckets),

		ActiveSessions:   r.GetGauge("betcode_active_sessions", "Currently active agent sessions"),
		BroadcastFanout:  r.GetHistogram("betcode_broadcast_fanout", "Subscribers reached per session broadcast", fanoutBuckets),
		BroadcastDropped: r.GetCounter("betcode_broadcast_dropped_total", "Broadcasts with no active receivers"),
		ClientsLagging:   r.GetCounter("betcode_clients_lagging_total", "Events dropped for a subscriber whose channel was full"),

		PendingPermissions: r.GetGauge("betcode_pending_permissions", "Currently pending permission requests"),
		PermissionAllowed:  r.GetCounter("betcode_permission_allowed_total", "Permission requests resolved as allowed"),
		PermissionDenied:   r.GetCounter("betcode_permission_denied_total", "Permission requests resolved as denied"),
		PermissionExpired:  r.GetCounter("betcode_permission_expired_total", "Pending permission requests that expired unanswered"),

		MachinesOnline:    r.GetGauge("betcode_machines_online", "Machines with an active tunnel"),
		RouterCallsTotal:  r.GetCounter("betcode_router_calls_total", "Total client calls routed to a daemon"),
		RouterCallErrors:  r.GetCounter("betcode_router_call_errors_total", "Router calls that failed (timeout, unavailable, internal)"),
		RouterCallLatency: r.GetHistogram("betcode_router_call_seconds", "Router call round-trip latency", latencyBuckets),
		BufferDepth:       r.GetGauge("betcode_buffer_depth", "Buffered requests currently queued for offline machines"),
		BufferDrained:     r.GetCounter("betcode_buffer_drained_total", "Buffered requests successfully delivered on reconnect"),
		BufferExpired:     r.GetCounter("betcode_buffer_expired_total", "Buffered requests removed past their TTL"),

		RefreshRotations: r.GetCounter("betcode_refresh_rotations_total", "Successful refresh-token rotations"),
		RefreshRejected:  r.GetCounter("betcode_refresh_rejected_total", "Refresh attempts rejected (revoked or expired token)"),

		CircuitBreakerTrips: r.GetCounter("betcode_circuit_breaker_trips_total", "Circuit breaker trip events"),
		RetryAttempts:       r.GetCounter("betcode_retry_attempts_total", "Retry attempts (tunnel reconnect backoff)"),

		Uptime:         r.GetGauge("betcode_uptime_seconds", "Process uptime in seconds"),
		GoroutineCount: r.GetGauge("betcode_goroutine_count", "Number of goroutines"),
	}
}

// ------------------------------------------------------------------
// Metrics HTTP endpoint (Prometheus-compatible)
// ------------------------------------------------------------------

// MetricsHandler returns an HTTP handler that exports metrics in
// Prometheus exposition format.
func MetricsHandler(registry *MetricsRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		registry.mu.RLock()
		defer registry.mu.RUnlock()

		for _, c := range registry.counters {
			fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.desc)
			fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
			fmt.Fprintf(w, "%s %d\n", c.name, c.value.Load())
		}
		for _, g := range registry.gauges {
			fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.desc)
			fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(w, "%s %d\n", g.name, g.value.Load())
		}
		for _, h := range registry.histograms {
			fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.desc)
			fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)
			h.mu.Lock()
			cumulative := int64(0)
			for i, b := range h.buckets {
				cumulative += h.counts[i]
				fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cumulative)
			}
			cumulative += h.counts[len(h.buckets)]
			fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, cumulative)
			fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
			fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
			h.mu.Unlock()
		}
	}
}
