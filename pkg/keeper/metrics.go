package keeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes keeper health on /metrics. Labelled per loop so one
// misbehaving loop is visible on its own.
type Metrics struct {
	Scans           *prometheus.CounterVec
	Fires           *prometheus.CounterVec
	Settlements     *prometheus.CounterVec
	StaleSkips      *prometheus.CounterVec
	PartialFailures prometheus.Counter
	LoopRunning     *prometheus.GaugeVec
	DroppedTicks    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Scans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_scans_total",
			Help: "Poll cycles completed, per loop.",
		}, []string{"loop"}),
		Fires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_trigger_fires_total",
			Help: "Triggers that fired, per loop.",
		}, []string{"loop"}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_settlements_total",
			Help: "Settlement attempts by result (ok, retry, partial).",
		}, []string{"loop", "result"}),
		StaleSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_stale_price_skips_total",
			Help: "Entities skipped because their price was stale.",
		}, []string{"loop"}),
		PartialFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "keeper_partial_failures_total",
			Help: "Settlement plans that failed after partial finality.",
		}),
		LoopRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keeper_loop_running",
			Help: "1 while the loop is running.",
		}, []string{"loop"}),
		DroppedTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "keeper_dropped_price_updates_total",
			Help: "Price updates dropped by bounded subscriber queues.",
		}),
	}
}
