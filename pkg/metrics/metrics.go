package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	BackendsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_backends_total",
			Help: "Total number of known backends by status",
		},
		[]string{"status"},
	)

	PoolsConfigured = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_pools_configured_total",
			Help: "Number of resource pools in the pool store",
		},
	)

	// Admission counters, per pool. Monotonic since process start and local
	// to this coordinator.
	AdmissionTotalAdmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_admission_admitted_total",
			Help: "Total number of queries admitted by this coordinator",
		},
		[]string{"pool"},
	)

	AdmissionTotalRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_admission_rejected_total",
			Help: "Total number of queries rejected by this coordinator",
		},
		[]string{"pool"},
	)

	AdmissionTotalQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_admission_queued_total",
			Help: "Total number of queries queued by this coordinator",
		},
		[]string{"pool"},
	)

	AdmissionTotalDequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_admission_dequeued_total",
			Help: "Total number of queries that left the queue other than by timing out (admitted, cancelled or rejected)",
		},
		[]string{"pool"},
	)

	AdmissionTotalTimedOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_admission_timed_out_total",
			Help: "Total number of queued queries that timed out",
		},
		[]string{"pool"},
	)

	AdmissionTotalReleased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_admission_released_total",
			Help: "Total number of admitted queries released",
		},
		[]string{"pool"},
	)

	AdmissionTimeInQueueMs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_admission_time_in_queue_ms_total",
			Help: "Total milliseconds spent in the admission queue",
		},
		[]string{"pool"},
	)

	// Current pool state gauges. The agg_* values are cluster-wide
	// estimates; the local_* values are exact for this coordinator.
	AdmissionAggNumRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_admission_agg_num_running",
			Help: "Estimated cluster-wide number of running queries in the pool",
		},
		[]string{"pool"},
	)

	AdmissionAggNumQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_admission_agg_num_queued",
			Help: "Estimated cluster-wide number of queued queries in the pool",
		},
		[]string{"pool"},
	)

	AdmissionAggMemReserved = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_admission_agg_mem_reserved_bytes",
			Help: "Estimated cluster-wide memory reserved by the pool",
		},
		[]string{"pool"},
	)

	AdmissionLocalMemAdmitted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_admission_local_mem_admitted_bytes",
			Help: "Memory admitted to the pool by this coordinator",
		},
		[]string{"pool"},
	)

	AdmissionLocalNumAdmittedRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_admission_local_num_admitted_running",
			Help: "Queries admitted by this coordinator and still running",
		},
		[]string{"pool"},
	)

	AdmissionLocalNumQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_admission_local_num_queued",
			Help: "Queries queued on this coordinator",
		},
		[]string{"pool"},
	)

	AdmissionLocalBackendMemReserved = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_admission_local_backend_mem_reserved_bytes",
			Help: "Memory reserved by fragments of this pool executing on this backend",
		},
		[]string{"pool"},
	)

	// Pool configuration gauges, raw and derived for the current cluster
	// size.
	PoolMaxMemResources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_pool_max_mem_resources_bytes",
			Help: "Configured aggregate memory limit of the pool",
		},
		[]string{"pool"},
	)

	PoolMaxRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_pool_max_requests",
			Help: "Configured concurrency limit of the pool",
		},
		[]string{"pool"},
	)

	PoolMaxQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_pool_max_queued",
			Help: "Configured queue bound of the pool",
		},
		[]string{"pool"},
	)

	PoolMaxMemDerived = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_pool_max_mem_derived_bytes",
			Help: "Aggregate memory limit derived for the current cluster size",
		},
		[]string{"pool"},
	)

	PoolMaxRequestsDerived = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_pool_max_requests_derived",
			Help: "Concurrency limit derived for the current cluster size",
		},
		[]string{"pool"},
	)

	PoolMaxQueuedDerived = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_pool_max_queued_derived",
			Help: "Queue bound derived for the current cluster size",
		},
		[]string{"pool"},
	)

	// Statestore metrics
	TopicUpdateAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_statestore_topic_update_age_seconds",
			Help: "Seconds since the last pool stats topic update was processed",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(BackendsTotal)
	prometheus.MustRegister(PoolsConfigured)
	prometheus.MustRegister(AdmissionTotalAdmitted)
	prometheus.MustRegister(AdmissionTotalRejected)
	prometheus.MustRegister(AdmissionTotalQueued)
	prometheus.MustRegister(AdmissionTotalDequeued)
	prometheus.MustRegister(AdmissionTotalTimedOut)
	prometheus.MustRegister(AdmissionTotalReleased)
	prometheus.MustRegister(AdmissionTimeInQueueMs)
	prometheus.MustRegister(AdmissionAggNumRunning)
	prometheus.MustRegister(AdmissionAggNumQueued)
	prometheus.MustRegister(AdmissionAggMemReserved)
	prometheus.MustRegister(AdmissionLocalMemAdmitted)
	prometheus.MustRegister(AdmissionLocalNumAdmittedRunning)
	prometheus.MustRegister(AdmissionLocalNumQueued)
	prometheus.MustRegister(AdmissionLocalBackendMemReserved)
	prometheus.MustRegister(PoolMaxMemResources)
	prometheus.MustRegister(PoolMaxRequests)
	prometheus.MustRegister(PoolMaxQueued)
	prometheus.MustRegister(PoolMaxMemDerived)
	prometheus.MustRegister(PoolMaxRequestsDerived)
	prometheus.MustRegister(PoolMaxQueuedDerived)
	prometheus.MustRegister(TopicUpdateAge)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
