// Package metrics is a small in-process counter/gauge registry exposed in
// Prometheus exposition format. It intentionally does not depend on the
// official Prometheus client library: a relay process exports a handful
// of gauges and counters, and a hand-rolled registry keeps the dependency
// surface proportional to that need (see DESIGN.md).
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing metric.
type Counter struct {
	name  string
	desc  string
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the counter's current value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a metric that can move up and down.
type Gauge struct {
	name  string
	desc  string
	value atomic.Int64
}

// Set sets the gauge to v.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the gauge's current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Registry collects the relay's metrics.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
	}
}

// GetCounter returns (or creates) a counter metric.
func (r *Registry) GetCounter(name, description string) *Counter {
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
func (r *Registry) GetGauge(name, description string) *Gauge {
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

// Handler returns an http.HandlerFunc exporting metrics in Prometheus
// exposition format, suitable for registration on the relay's /metrics path.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, c := range r.counters {
			fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.desc)
			fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
			fmt.Fprintf(w, "%s %d\n", c.name, c.value.Load())
		}
		for _, g := range r.gauges {
			fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.desc)
			fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(w, "%s %d\n", g.name, g.value.Load())
		}
	}
}

// RelayMetrics holds the named metrics the relay core records.
type RelayMetrics struct {
	Registry *Registry

	TunnelsActive       *Gauge
	TunnelAttachTotal   *Counter
	TunnelAttachFailed  *Counter
	PendingRequests     *Gauge
	RequestsTotal       *Counter
	RequestsTimedOut    *Counter
	BroadcastFailures   *Counter
	SubscribersActive   *Gauge
}

// NewRelayMetrics creates the standard relay metrics suite.
func NewRelayMetrics() *RelayMetrics {
	r := NewRegistry()
	return &RelayMetrics{
		Registry:           r,
		TunnelsActive:      r.GetGauge("relay_tunnels_active", "Number of tunnels with a live connection"),
		TunnelAttachTotal:  r.GetCounter("relay_tunnel_attach_total", "Total tunnel attach attempts"),
		TunnelAttachFailed: r.GetCounter("relay_tunnel_attach_failed_total", "Total failed tunnel attach attempts"),
		PendingRequests:    r.GetGauge("relay_pending_requests", "Number of in-flight relayed HTTP requests"),
		RequestsTotal:      r.GetCounter("relay_requests_total", "Total relayed HTTP requests"),
		RequestsTimedOut:   r.GetCounter("relay_requests_timed_out_total", "Total relayed HTTP requests that hit the deadline"),
		BroadcastFailures:  r.GetCounter("relay_broadcast_failures_total", "Total fan-out broadcast write failures"),
		SubscribersActive:  r.GetGauge("relay_subscribers_active", "Number of live stream subscribers"),
	}
}
