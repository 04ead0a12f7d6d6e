package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the node's observability counters and gauges.
type Metrics struct {
	UnitsValidated   *prometheus.CounterVec
	UnitsBounced     prometheus.Counter
	StabilizationLag prometheus.Gauge
	RerouteCount     prometheus.Counter
	AATriggersRun    prometheus.Counter
}

// NewMetrics registers every collector on reg and returns the bundle.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UnitsValidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dagledger_units_validated_total",
			Help: "Units processed by the validator, labeled by outcome.",
		}, []string{"outcome"}),
		UnitsBounced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dagledger_aa_bounces_total",
			Help: "Autonomous-agent triggers that resulted in a bounce response.",
		}),
		StabilizationLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dagledger_stabilization_lag_units",
			Help: "Number of unstable units behind the current MC tip.",
		}),
		RerouteCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dagledger_request_reroutes_total",
			Help: "Peer requests rerouted due to stall timeout.",
		}),
		AATriggersRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dagledger_aa_triggers_total",
			Help: "Autonomous-agent triggers executed.",
		}),
	}
	reg.MustRegister(m.UnitsValidated, m.UnitsBounced, m.StabilizationLag, m.RerouteCount, m.AATriggersRun)
	return m
}
