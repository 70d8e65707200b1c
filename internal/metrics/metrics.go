package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigment_generations_total",
			Help: "Total number of finalized generations by provider and status.",
		},
		[]string{"provider", "status"},
	)

	GenerationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pigment_generation_duration_seconds",
			Help:    "Duration of generations from dispatch to terminal status.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"provider", "status"},
	)

	GenerationsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pigment_generations_active",
			Help: "Number of generations currently running per execution slot.",
		},
		[]string{"slot"},
	)

	GenerationsQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pigment_generations_queued",
			Help: "Number of generations waiting for an execution slot.",
		},
		[]string{"slot"},
	)

	SlotRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigment_slot_rejections_total",
			Help: "Total number of submissions rejected because the slot was busy.",
		},
		[]string{"slot"},
	)

	OutputsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigment_outputs_total",
			Help: "Total number of outputs recorded by provider.",
		},
		[]string{"provider"},
	)

	EventSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pigment_event_subscribers",
			Help: "Number of connected event stream subscribers by transport.",
		},
		[]string{"transport"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigment_notifications_total",
			Help: "Total number of webhook notifications by result.",
		},
		[]string{"result"},
	)

	SweepReconciledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigment_sweep_reconciled_total",
			Help: "Total number of generations touched by the sweeper by action.",
		},
		[]string{"action"},
	)

	CredentialLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigment_credential_lookups_total",
			Help: "Total number of provider credential lookups by result.",
		},
		[]string{"result"},
	)
)

// All lists every collector owned by this package.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		GenerationsTotal,
		GenerationDurationSeconds,
		GenerationsActive,
		GenerationsQueued,
		SlotRejectionsTotal,
		OutputsTotal,
		EventSubscribers,
		NotificationsTotal,
		SweepReconciledTotal,
		CredentialLookupsTotal,
	}
}

// Register registers all custom pigment metrics with the default Prometheus registry.
func Register() {
	prometheus.MustRegister(All()...)
}
