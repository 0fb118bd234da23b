package admission

import (
	"github.com/VividCortex/ewma"

	"github.com/quarrydb/quarry/pkg/log"
	"github.com/quarrydb/quarry/pkg/metrics"
	"github.com/quarrydb/quarry/pkg/types"
)

const (
	// Peak memory histogram shape: fixed-width bins with an open-ended last
	// bin.
	histogramBinCount = 128
	histogramBinSize  = int64(1) << 30

	// Decay age for the queue wait-time moving average.
	waitTimeEMAAge = 9.0
)

// PoolStats tracks one pool's admission state on this coordinator: the
// locally exact counters, the last known statistics of every remote
// coordinator, and the cluster-wide aggregates derived from both. All
// mutation happens with the controller lock held.
type PoolStats struct {
	name   string
	parent *Controller

	// Cluster-wide estimates, recomputed from localStats and remoteStats
	// after every topic update and adjusted eagerly on local admit, release,
	// queue and dequeue.
	aggNumRunning  int64
	aggNumQueued   int64
	aggMemReserved int64

	// Memory admitted by this coordinator across all backends. Known
	// exactly and immediately, unlike the topic-fed aggregates. Not
	// published: remote coordinators have no use for it.
	localMemAdmitted int64

	// This coordinator's contribution to the topic. BackendMemReserved is
	// refreshed lazily from the memory tracker just before publishing; the
	// other fields are updated eagerly.
	localStats types.PoolStatsUpdate

	// Last received statistics per remote coordinator.
	remoteStats map[string]types.PoolStatsUpdate

	// Monotonic counters since process start, local to this coordinator.
	totalAdmitted int64
	totalRejected int64
	totalQueued   int64
	totalDequeued int64
	totalTimedOut int64
	totalReleased int64
	timeInQueueMs int64

	peakMemHistogram [histogramBinCount]int64
	waitTimeMsEMA    ewma.MovingAverage
}

func newPoolStats(name string, parent *Controller) *PoolStats {
	return &PoolStats{
		name:          name,
		parent:        parent,
		remoteStats:   make(map[string]types.PoolStatsUpdate),
		waitTimeMsEMA: ewma.NewMovingAverage(waitTimeEMAAge),
	}
}

// EffectiveMemReserved is the memory figure used by every feasibility
// check: the topic-fed aggregate catches load admitted elsewhere, the local
// admitted value catches load the topic has not reflected yet.
func (ps *PoolStats) EffectiveMemReserved() int64 {
	if ps.localMemAdmitted > ps.aggMemReserved {
		return ps.localMemAdmitted
	}
	return ps.aggMemReserved
}

// Admit updates the pool counters when a query is admitted.
func (ps *PoolStats) Admit(s Schedule) {
	ps.aggNumRunning++
	ps.localMemAdmitted += s.ClusterMemoryToAdmit()
	ps.localStats.NumAdmittedRunning++
	ps.totalAdmitted++
	metrics.AdmissionTotalAdmitted.WithLabelValues(ps.name).Inc()
	ps.syncGauges()
}

// Release updates the pool counters when an admitted query completes, and
// records the query's peak memory in the histogram.
func (ps *PoolStats) Release(s Schedule, peakMemConsumption int64) {
	ps.aggNumRunning = ps.clampCounter(ps.aggNumRunning-1, "agg_num_running")
	ps.localMemAdmitted = ps.clampCounter(ps.localMemAdmitted-s.ClusterMemoryToAdmit(), "local_mem_admitted")
	ps.localStats.NumAdmittedRunning = ps.clampCounter(ps.localStats.NumAdmittedRunning-1, "num_admitted_running")
	ps.totalReleased++
	metrics.AdmissionTotalReleased.WithLabelValues(ps.name).Inc()

	bin := peakMemConsumption / histogramBinSize
	if bin >= histogramBinCount {
		bin = histogramBinCount - 1
	}
	if bin < 0 {
		bin = 0
	}
	ps.peakMemHistogram[bin]++
	ps.syncGauges()
}

// Queue updates the pool counters when a query is queued.
func (ps *PoolStats) Queue() {
	ps.aggNumQueued++
	ps.localStats.NumQueued++
	ps.totalQueued++
	metrics.AdmissionTotalQueued.WithLabelValues(ps.name).Inc()
	ps.syncGauges()
}

// Dequeue updates the pool counters when a query leaves the queue for any
// reason: admission, cancellation, or timeout.
func (ps *PoolStats) Dequeue(timedOut bool) {
	ps.aggNumQueued = ps.clampCounter(ps.aggNumQueued-1, "agg_num_queued")
	ps.localStats.NumQueued = ps.clampCounter(ps.localStats.NumQueued-1, "num_queued")
	if timedOut {
		ps.totalTimedOut++
		metrics.AdmissionTotalTimedOut.WithLabelValues(ps.name).Inc()
	} else {
		ps.totalDequeued++
		metrics.AdmissionTotalDequeued.WithLabelValues(ps.name).Inc()
	}
	ps.syncGauges()
}

// RecordRejected bumps the rejection counter.
func (ps *PoolStats) RecordRejected() {
	ps.totalRejected++
	metrics.AdmissionTotalRejected.WithLabelValues(ps.name).Inc()
}

// UpdateWaitTime records a query's time in the queue.
func (ps *PoolStats) UpdateWaitTime(waitTimeMs int64) {
	if waitTimeMs < 0 {
		waitTimeMs = 0
	}
	ps.timeInQueueMs += waitTimeMs
	ps.waitTimeMsEMA.Add(float64(waitTimeMs))
	metrics.AdmissionTimeInQueueMs.WithLabelValues(ps.name).Add(float64(waitTimeMs))
}

// UpdateMemTrackerStats refreshes the lazily maintained backend memory
// fields from the process memory tracker. Called just before the local
// stats are published.
func (ps *PoolStats) UpdateMemTrackerStats(tracker MemTracker) {
	ps.localStats.BackendMemReserved = tracker.PoolMemReserved(ps.name)
	ps.localStats.BackendMemUsage = tracker.PoolMemUsage(ps.name)
	metrics.AdmissionLocalBackendMemReserved.WithLabelValues(ps.name).
		Set(float64(ps.localStats.BackendMemReserved))
}

// ClearRemoteStats drops all remote statistics. Called when a full topic
// delta replaces everything we know.
func (ps *PoolStats) ClearRemoteStats() {
	ps.remoteStats = make(map[string]types.PoolStatsUpdate)
}

// UpdateRemoteStats stores or removes the statistics of one remote
// coordinator.
func (ps *PoolStats) UpdateRemoteStats(coordinatorID string, update *types.PoolStatsUpdate) {
	if update == nil {
		delete(ps.remoteStats, coordinatorID)
		return
	}
	ps.remoteStats[coordinatorID] = *update
}

// UpdateAggregates recomputes the cluster-wide aggregates from the local and
// remote statistics. hostMemReserved accumulates each coordinator's backend
// reserved memory so that the caller, iterating over all pools, ends up with
// the per-host aggregates.
func (ps *PoolStats) UpdateAggregates(hostMemReserved map[string]int64) {
	numRunning := ps.localStats.NumAdmittedRunning
	numQueued := ps.localStats.NumQueued
	memReserved := ps.localStats.BackendMemReserved
	hostMemReserved[ps.parent.cfg.CoordinatorID] += ps.localStats.BackendMemReserved

	for coordinatorID, remote := range ps.remoteStats {
		numRunning += remote.NumAdmittedRunning
		numQueued += remote.NumQueued
		memReserved += remote.BackendMemReserved
		hostMemReserved[coordinatorID] += remote.BackendMemReserved
	}

	ps.aggNumRunning = ps.clampCounter(numRunning, "agg_num_running")
	ps.aggNumQueued = ps.clampCounter(numQueued, "agg_num_queued")
	ps.aggMemReserved = ps.clampCounter(memReserved, "agg_mem_reserved")
	ps.syncGauges()
}

// updateConfigMetrics exposes the pool's raw and derived configuration.
func (ps *PoolStats) updateConfigMetrics(cfg types.PoolConfig, clusterSize int64) {
	metrics.PoolMaxMemResources.WithLabelValues(ps.name).Set(float64(cfg.MaxMemResources))
	metrics.PoolMaxRequests.WithLabelValues(ps.name).Set(float64(cfg.MaxRequests))
	metrics.PoolMaxQueued.WithLabelValues(ps.name).Set(float64(cfg.MaxQueued))
	metrics.PoolMaxMemDerived.WithLabelValues(ps.name).Set(float64(MaxMemForPool(cfg, clusterSize)))
	metrics.PoolMaxRequestsDerived.WithLabelValues(ps.name).Set(float64(MaxRequestsForPool(cfg, clusterSize)))
	metrics.PoolMaxQueuedDerived.WithLabelValues(ps.name).Set(float64(MaxQueuedForPool(cfg, clusterSize)))
}

// ResetInformationalStats clears the absolute counters, the histogram and
// the wait-time average. The admission-relevant state is untouched.
func (ps *PoolStats) ResetInformationalStats() {
	ps.totalAdmitted = 0
	ps.totalRejected = 0
	ps.totalQueued = 0
	ps.totalDequeued = 0
	ps.totalTimedOut = 0
	ps.totalReleased = 0
	ps.timeInQueueMs = 0
	ps.peakMemHistogram = [histogramBinCount]int64{}
	ps.waitTimeMsEMA = ewma.NewMovingAverage(waitTimeEMAAge)
}

// clampCounter guards against accounting bugs driving a counter negative. A
// negative value is a programming error; release builds log and clamp to
// keep one bad release from cascading into blanket rejection.
func (ps *PoolStats) clampCounter(value int64, counter string) int64 {
	if value >= 0 {
		return value
	}
	logger := log.WithPool(ps.name)
	logger.Error().
		Str("counter", counter).
		Int64("value", value).
		Msg("admission counter went negative, clamping to zero")
	return 0
}

func (ps *PoolStats) syncGauges() {
	metrics.AdmissionAggNumRunning.WithLabelValues(ps.name).Set(float64(ps.aggNumRunning))
	metrics.AdmissionAggNumQueued.WithLabelValues(ps.name).Set(float64(ps.aggNumQueued))
	metrics.AdmissionAggMemReserved.WithLabelValues(ps.name).Set(float64(ps.aggMemReserved))
	metrics.AdmissionLocalMemAdmitted.WithLabelValues(ps.name).Set(float64(ps.localMemAdmitted))
	metrics.AdmissionLocalNumAdmittedRunning.WithLabelValues(ps.name).Set(float64(ps.localStats.NumAdmittedRunning))
	metrics.AdmissionLocalNumQueued.WithLabelValues(ps.name).Set(float64(ps.localStats.NumQueued))
}
