package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	operations   *prometheus.CounterVec
	slotClaims   *prometheus.CounterVec
	coins        *prometheus.CounterVec
	observations *prometheus.CounterVec
	enforcement  *prometheus.CounterVec
	kicks        *prometheus.CounterVec
	sweep        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotspot", Name: "operations_total",
			Help: "Engine operations by outcome status.",
		}, []string{"operation", "status"}),
		slotClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotspot", Name: "slot_claims_total",
			Help: "Coin slot claim attempts by result.",
		}, []string{"result"}),
		coins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotspot", Name: "coins_total",
			Help: "Accepted coins by denomination.",
		}, []string{"denomination"}),
		observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotspot", Name: "ttl_observations_total",
			Help: "TTL samples by classification.",
		}, []string{"classification"}),
		enforcement: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotspot", Name: "enforcement_actions_total",
			Help: "Enforcement actions taken.",
		}, []string{"action"}),
		kicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotspot", Name: "kicks_total",
			Help: "Link-layer kicks by the strategy that succeeded, or none.",
		}, []string{"strategy"}),
		sweep: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotspot", Name: "sweep_items_total",
			Help: "Records changed by the periodic sweep.",
		}, []string{"kind"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.operations, m.slotClaims, m.coins, m.observations, m.enforcement, m.kicks, m.sweep} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) operation(op string, s Status) {
	if m != nil {
		m.operations.WithLabelValues(op, string(s)).Inc()
	}
}

func (m *Metrics) claim(result string) {
	if m != nil {
		m.slotClaims.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) coin(denomination int) {
	if m != nil {
		m.coins.WithLabelValues(strconv.Itoa(denomination)).Inc()
	}
}

func (m *Metrics) observation(class string) {
	if m != nil {
		m.observations.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) action(action string) {
	if m != nil {
		m.enforcement.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) kick(strategy string) {
	if m != nil {
		if strategy == "" {
			strategy = "none"
		}
		m.kicks.WithLabelValues(strategy).Inc()
	}
}

func (m *Metrics) swept(kind string, n int) {
	if m != nil && n > 0 {
		m.sweep.WithLabelValues(kind).Add(float64(n))
	}
}
