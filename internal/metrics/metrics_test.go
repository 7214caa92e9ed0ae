package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry()
	c := r.GetCounter("requests_total", "total requests")
	c.Inc()
	c.Add(4)
	assert.Equal(t, int64(5), c.Value())

	g := r.GetGauge("active", "active things")
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	assert.Equal(t, int64(9), g.Value())
}

func TestGetCounterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	a := r.GetCounter("x", "x")
	b := r.GetCounter("x", "x")
	a.Inc()
	assert.Equal(t, int64(1), b.Value())
}

func TestHandlerExposesExpositionFormat(t *testing.T) {
	r := NewRegistry()
	r.GetCounter("relay_requests_total", "total").Add(3)
	r.GetGauge("relay_tunnels_active", "active").Set(2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	r.Handler()(w, req)

	body := w.Body.String()
	assert.Contains(t, body, "# TYPE relay_requests_total counter")
	assert.Contains(t, body, "relay_requests_total 3")
	assert.Contains(t, body, "# TYPE relay_tunnels_active gauge")
	assert.Contains(t, body, "relay_tunnels_active 2")
}

func TestNewRelayMetricsWiresNamedMetrics(t *testing.T) {
	m := NewRelayMetrics()
	m.TunnelsActive.Inc()
	m.RequestsTotal.Inc()
	assert.Equal(t, int64(1), m.TunnelsActive.Value())
	assert.Equal(t, int64(1), m.RequestsTotal.Value())
}
