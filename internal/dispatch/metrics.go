package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	activationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_activations_total",
			Help: "Total number of activation requests by outcome.",
		},
		[]string{"result"},
	)

	activationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flare_activation_seconds",
			Help:    "Time from activation request to a ready lease, in seconds.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	coalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flare_activations_coalesced_total",
			Help: "Total number of activations that joined an operation already in flight.",
		},
	)

	activationRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flare_activation_retries_total",
			Help: "Total number of activation attempts retried after a resource shortage.",
		},
	)

	activeLeases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flare_active_leases",
			Help: "Number of connections currently holding an instance lease.",
		},
	)

	idleSuspensionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_idle_suspensions_total",
			Help: "Total number of idle suspensions by outcome.",
		},
		[]string{"result"},
	)

	scaleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_scale_events_total",
			Help: "Total number of auto-scaling slot changes.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(activationsTotal)
	prometheus.MustRegister(activationDuration)
	prometheus.MustRegister(coalescedTotal)
	prometheus.MustRegister(activationRetriesTotal)
	prometheus.MustRegister(activeLeases)
	prometheus.MustRegister(idleSuspensionsTotal)
	prometheus.MustRegister(scaleEventsTotal)
}
