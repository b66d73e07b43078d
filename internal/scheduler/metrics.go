package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the scheduler's Prometheus collectors.
type Metrics struct {
	Generations   *prometheus.CounterVec
	Restarts      prometheus.Counter
	Checkpoints   *prometheus.CounterVec
	Inputs        *prometheus.CounterVec
	CycleFailures *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	Generation    prometheus.Gauge
}

// NewMetrics registers the scheduler collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Generations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fitm_generations_total",
			Help: "Generations processed, by role",
		}, []string{"role"}),
		Restarts: f.NewCounter(prometheus.CounterOpts{
			Name: "fitm_restarts_total",
			Help: "Zero-yield generations that restarted the loop at generation 0",
		}),
		Checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fitm_checkpoints_captured_total",
			Help: "Checkpoints captured, by role",
		}, []string{"role"}),
		Inputs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fitm_inputs_harvested_total",
			Help: "Outputs harvested as inputs for the next generation, by role of the consumer",
		}, []string{"role"}),
		CycleFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fitm_cycle_failures_total",
			Help: "Per-checkpoint cycles that failed, by stage",
		}, []string{"stage"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fitm_cycle_duration_seconds",
			Help:    "Duration of one per-checkpoint cycle",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		Generation: f.NewGauge(prometheus.GaugeOpts{
			Name: "fitm_generation",
			Help: "Generation currently being processed",
		}),
	}
}
