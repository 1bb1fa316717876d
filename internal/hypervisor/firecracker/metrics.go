package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Operation label values.
const (
	opBoot     = "boot"
	opRestore  = "restore"
	opSnapshot = "snapshot"

	resultOK     = "ok"
	resultFailed = "failed"
)

var (
	vmStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flare_firecracker_vm_start_seconds",
			Help:    "Duration from VMM launch to a running guest, by boot or restore.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"op"},
	)

	snapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flare_firecracker_snapshot_seconds",
			Help:    "Duration of writing a full VM snapshot, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flare_firecracker_active_vms",
			Help: "Number of currently running Firecracker microVMs.",
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flare_firecracker_vm_cleanup_seconds",
			Help:    "Duration of VMM stop, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_firecracker_operations_total",
			Help: "Total number of Firecracker VM operations by outcome.",
		},
		[]string{"op", "result"},
	)

	guestEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_firecracker_guest_events_total",
			Help: "Trigger events received from guest agents, by type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(vmStartDuration)
	prometheus.MustRegister(snapshotDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(operationsTotal)
	prometheus.MustRegister(guestEventsTotal)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, op := range []string{opBoot, opRestore, opSnapshot} {
		operationsTotal.WithLabelValues(op, resultOK)
		operationsTotal.WithLabelValues(op, resultFailed)
	}
}

func recordOp(op string, err error) {
	result := resultOK
	if err != nil {
		result = resultFailed
	}
	operationsTotal.WithLabelValues(op, result).Inc()
}
