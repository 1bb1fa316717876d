package machine

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_instance_transitions_total",
			Help: "Total number of instance status transitions.",
		},
		[]string{"from", "to"},
	)

	bootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flare_boot_seconds",
			Help:    "Duration from boot request to the ready trigger, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	restoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flare_restore_seconds",
			Help:    "Duration of a snapshot restore, in seconds.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	snapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flare_snapshot_seconds",
			Help:    "Duration of pausing, snapshotting and committing an instance, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	snapshotBlockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flare_snapshot_blocked_total",
			Help: "Total number of snapshots abandoned because flash locks were held.",
		},
	)

	budgetVCPUs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flare_budget_vcpus_reserved",
			Help: "vCPUs reserved by live hypervisor contexts.",
		},
	)

	budgetMemory = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flare_budget_memory_mib_reserved",
			Help: "Memory in MiB reserved by live hypervisor contexts.",
		},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(bootDuration)
	prometheus.MustRegister(restoreDuration)
	prometheus.MustRegister(snapshotDuration)
	prometheus.MustRegister(snapshotBlockedTotal)
	prometheus.MustRegister(budgetVCPUs)
	prometheus.MustRegister(budgetMemory)
}
