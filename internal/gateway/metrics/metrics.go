// Package metrics keeps the gateway's counters: cheap atomics, snapshotted
// by the REST metrics endpoint.
package metrics

import "sync/atomic"

// Metrics is the process-wide counter set.
type Metrics struct {
	requests2xx atomic.Int64
	requests4xx atomic.Int64
	requests5xx atomic.Int64

	busPublished atomic.Int64
	busReceived  atomic.Int64

	wsActive atomic.Int64
	wsTotal  atomic.Int64
}

// New creates a Metrics set.
func New() *Metrics {
	return &Metrics{}
}

// ObserveRequest records one finished HTTP request by status class.
func (m *Metrics) ObserveRequest(status int) {
	switch {
	case status >= 500:
		m.requests5xx.Add(1)
	case status >= 400:
		m.requests4xx.Add(1)
	default:
		m.requests2xx.Add(1)
	}
}

// BusPublished records one envelope published to the broker.
func (m *Metrics) BusPublished() { m.busPublished.Add(1) }

// BusReceived records one envelope received from the broker.
func (m *Metrics) BusReceived() { m.busReceived.Add(1) }

// WSOpened records a new WebSocket connection.
func (m *Metrics) WSOpened() {
	m.wsActive.Add(1)
	m.wsTotal.Add(1)
}

// WSClosed records a closed WebSocket connection.
func (m *Metrics) WSClosed() { m.wsActive.Add(-1) }

// ActiveWS returns the current WebSocket connection count.
func (m *Metrics) ActiveWS() int64 { return m.wsActive.Load() }

// Snapshot returns the counters as a flat map for serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"requests_2xx":          m.requests2xx.Load(),
		"requests_4xx":          m.requests4xx.Load(),
		"requests_5xx":          m.requests5xx.Load(),
		"bus_published":         m.busPublished.Load(),
		"bus_received":          m.busReceived.Load(),
		"ws_connections_active": m.wsActive.Load(),
		"ws_connections_total":  m.wsTotal.Load(),
	}
}
