package admission

import (
	"fmt"
)

// PoolSnapshot is the JSON rendering of one pool's admission state.
type PoolSnapshot struct {
	PoolName         string `json:"pool_name"`
	AggNumRunning    int64  `json:"agg_num_running"`
	AggNumQueued     int64  `json:"agg_num_queued"`
	AggMemReserved   int64  `json:"agg_mem_reserved"`
	LocalMemAdmitted int64  `json:"local_mem_admitted"`

	LocalNumAdmittedRunning int64 `json:"local_num_admitted_running"`
	LocalNumQueued          int64 `json:"local_num_queued"`
	LocalBackendMemReserved int64 `json:"local_backend_mem_reserved"`
	LocalBackendMemUsage    int64 `json:"local_backend_mem_usage"`

	// Raw configuration and the limits derived for the current cluster
	// size.
	MaxMemResources    int64   `json:"pool_max_mem_resources"`
	MaxRequests        int64   `json:"pool_max_requests"`
	MaxQueued          int64   `json:"pool_max_queued"`
	QueueTimeoutMs     int64   `json:"queue_timeout_ms"`
	MinQueryMemLimit   int64   `json:"min_query_mem_limit"`
	MaxQueryMemLimit   int64   `json:"max_query_mem_limit"`
	ClampMemLimit      bool    `json:"clamp_mem_limit_query_option"`
	MaxRunningMultiple float64 `json:"max_running_queries_multiple"`
	MaxQueuedMultiple  float64 `json:"max_queued_queries_multiple"`
	MaxMemoryMultiple  int64   `json:"max_memory_multiple"`
	MaxMemDerived      int64   `json:"max_mem_derived"`
	MaxRequestsDerived int64   `json:"max_requests_derived"`
	MaxQueuedDerived   int64   `json:"max_queued_derived"`

	TotalAdmitted int64 `json:"total_admitted"`
	TotalRejected int64 `json:"total_rejected"`
	TotalQueued   int64 `json:"total_queued"`
	TotalDequeued int64 `json:"total_dequeued"`
	TotalTimedOut int64 `json:"total_timed_out"`
	TotalReleased int64 `json:"total_released"`
	TimeInQueueMs int64 `json:"time_in_queue_ms"`

	WaitTimeMsEMA float64 `json:"wait_time_ms_ema"`

	// Non-empty histogram bins as [bin index, count] pairs. Bin i counts
	// queries whose peak memory fell in [i, i+1) bin widths; the last bin
	// is open-ended.
	PeakMemHistogram [][2]int64 `json:"peak_mem_histogram"`

	StalenessWarning string `json:"staleness_warning,omitempty"`
}

// HostMem pairs the two per-host memory aggregates.
type HostMem struct {
	MemReserved int64 `json:"mem_reserved"`
	MemAdmitted int64 `json:"mem_admitted"`
}

// PoolToJSON returns a snapshot of the named pool, or false if this
// coordinator holds no statistics for it: no query was submitted or released
// here and no topic update for the pool has been received.
func (c *Controller) PoolToJSON(pool string) (*PoolSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.poolStats[pool]
	if !ok {
		return nil, false
	}
	return c.poolSnapshotLocked(stats), true
}

// AllPoolsToJSON returns snapshots of every pool known to this coordinator.
func (c *Controller) AllPoolsToJSON() []*PoolSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshots := make([]*PoolSnapshot, 0, len(c.poolStats))
	for _, stats := range c.poolStats {
		snapshots = append(snapshots, c.poolSnapshotLocked(stats))
	}
	return snapshots
}

func (c *Controller) poolSnapshotLocked(stats *PoolStats) *PoolSnapshot {
	snap := &PoolSnapshot{
		PoolName:                stats.name,
		AggNumRunning:           stats.aggNumRunning,
		AggNumQueued:            stats.aggNumQueued,
		AggMemReserved:          stats.aggMemReserved,
		LocalMemAdmitted:        stats.localMemAdmitted,
		LocalNumAdmittedRunning: stats.localStats.NumAdmittedRunning,
		LocalNumQueued:          stats.localStats.NumQueued,
		LocalBackendMemReserved: stats.localStats.BackendMemReserved,
		LocalBackendMemUsage:    stats.localStats.BackendMemUsage,
		TotalAdmitted:           stats.totalAdmitted,
		TotalRejected:           stats.totalRejected,
		TotalQueued:             stats.totalQueued,
		TotalDequeued:           stats.totalDequeued,
		TotalTimedOut:           stats.totalTimedOut,
		TotalReleased:           stats.totalReleased,
		TimeInQueueMs:           stats.timeInQueueMs,
		WaitTimeMsEMA:           stats.waitTimeMsEMA.Value(),
		StalenessWarning:        c.stalenessDetailLocked(""),
	}

	if cfg, ok := c.poolConfigCache[stats.name]; ok {
		clusterSize := clampClusterSize(c.membership.ClusterSize())
		snap.MaxMemResources = cfg.MaxMemResources
		snap.MaxRequests = cfg.MaxRequests
		snap.MaxQueued = cfg.MaxQueued
		snap.QueueTimeoutMs = cfg.QueueTimeoutMs
		snap.MinQueryMemLimit = cfg.MinQueryMemLimit
		snap.MaxQueryMemLimit = cfg.MaxQueryMemLimit
		snap.ClampMemLimit = cfg.ClampMemLimitQueryOption
		snap.MaxRunningMultiple = cfg.MaxRunningQueriesMultiple
		snap.MaxQueuedMultiple = cfg.MaxQueuedQueriesMultiple
		snap.MaxMemoryMultiple = cfg.MaxMemoryMultiple
		snap.MaxMemDerived = MaxMemForPool(cfg, clusterSize)
		snap.MaxRequestsDerived = MaxRequestsForPool(cfg, clusterSize)
		snap.MaxQueuedDerived = MaxQueuedForPool(cfg, clusterSize)
	}

	for bin, count := range stats.peakMemHistogram {
		if count > 0 {
			snap.PeakMemHistogram = append(snap.PeakMemHistogram, [2]int64{int64(bin), count})
		}
	}

	return snap
}

// PerHostMemReservedAndAdmitted copies the per-host aggregates for the
// backends debug page.
func (c *Controller) PerHostMemReservedAndAdmitted() map[string]HostMem {
	c.mu.Lock()
	defer c.mu.Unlock()

	hosts := make(map[string]HostMem, len(c.hostMemReserved)+len(c.hostMemAdmitted))
	for host, reserved := range c.hostMemReserved {
		entry := hosts[host]
		entry.MemReserved = reserved
		hosts[host] = entry
	}
	for host, admitted := range c.hostMemAdmitted {
		entry := hosts[host]
		entry.MemAdmitted = admitted
		hosts[host] = entry
	}
	return hosts
}

// GetStalenessDetail returns a warning if the admission control state has
// not been refreshed by the topic recently, prefixed with prefix. Empty when
// fresh.
func (c *Controller) GetStalenessDetail(prefix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalenessDetailLocked(prefix)
}

func (c *Controller) msSinceLastUpdateLocked() int64 {
	since := c.lastTopicUpdate
	if since.IsZero() {
		since = c.startTime
	}
	return c.now().Sub(since).Milliseconds()
}

func (c *Controller) stalenessDetailLocked(prefix string) string {
	ms := c.msSinceLastUpdateLocked()
	threshold := 2 * c.cfg.HeartbeatInterval.Milliseconds()
	if ms <= threshold {
		return ""
	}
	return fmt.Sprintf("%sAdmission control information from statestore is stale: %dms since last update was received.",
		prefix, ms)
}

// ResetPoolInformationalStats clears the named pool's counters, histogram
// and wait-time average.
func (c *Controller) ResetPoolInformationalStats(pool string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stats, ok := c.poolStats[pool]; ok {
		stats.ResetInformationalStats()
	}
}

// ResetAllPoolInformationalStats clears them for every pool.
func (c *Controller) ResetAllPoolInformationalStats() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stats := range c.poolStats {
		stats.ResetInformationalStats()
	}
}
