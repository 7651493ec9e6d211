// Package metrics exposes Prometheus collectors for the store layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the stores report into. A nil *Metrics is
// valid and drops every observation, so wiring it up stays optional.
type Metrics struct {
	AuthEvents          *prometheus.CounterVec
	CartOps             *prometheus.CounterVec
	CartItems           prometheus.Gauge
	AddressOps          *prometheus.CounterVec
	ResolutionFailures  prometheus.Counter
	RemoteFailures      *prometheus.CounterVec
	StaleResultsDropped prometheus.Counter
}

// New registers the collectors on reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_auth_events_total",
			Help: "Session store state transitions by kind.",
		}, []string{"event"}),
		CartOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_cart_operations_total",
			Help: "Cart mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		CartItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_cart_items",
			Help: "Distinct products currently in the cart.",
		}),
		AddressOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_address_operations_total",
			Help: "Address book remote operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		ResolutionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_address_resolution_failures_total",
			Help: "City/area identifier lookups that fell back to the raw value.",
		}),
		RemoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_remote_failures_total",
			Help: "Remote call failures by component.",
		}, []string{"component"}),
		StaleResultsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_stale_results_dropped_total",
			Help: "Remote results discarded because the owning identity changed in flight.",
		}),
	}
	reg.MustRegister(
		m.AuthEvents, m.CartOps, m.CartItems, m.AddressOps,
		m.ResolutionFailures, m.RemoteFailures, m.StaleResultsDropped,
	)
	return m
}

// AuthEvent records a session transition. Safe on nil.
func (m *Metrics) AuthEvent(event string) {
	if m != nil {
		m.AuthEvents.WithLabelValues(event).Inc()
	}
}

// CartOp records a cart mutation outcome. Safe on nil.
func (m *Metrics) CartOp(op, outcome string) {
	if m != nil {
		m.CartOps.WithLabelValues(op, outcome).Inc()
	}
}

// SetCartItems records the current distinct-item count. Safe on nil.
func (m *Metrics) SetCartItems(n int) {
	if m != nil {
		m.CartItems.Set(float64(n))
	}
}

// AddressOp records an address book operation outcome. Safe on nil.
func (m *Metrics) AddressOp(op, outcome string) {
	if m != nil {
		m.AddressOps.WithLabelValues(op, outcome).Inc()
	}
}

// ResolutionFailure records a failed identifier-to-name lookup. Safe on nil.
func (m *Metrics) ResolutionFailure() {
	if m != nil {
		m.ResolutionFailures.Inc()
	}
}

// RemoteFailure records a remote call failure. Safe on nil.
func (m *Metrics) RemoteFailure(component string) {
	if m != nil {
		m.RemoteFailures.WithLabelValues(component).Inc()
	}
}

// StaleResultDropped records a discarded out-of-scope result. Safe on nil.
func (m *Metrics) StaleResultDropped() {
	if m != nil {
		m.StaleResultsDropped.Inc()
	}
}
