package admission

import (
	"fmt"
	"math"

	"github.com/quarrydb/quarry/pkg/types"
)

// Slot budget used by the dequeue heuristic when a pool does not limit the
// number of running queries.
const dequeueSlotsUnbounded = int64(1000000)

// clampClusterSize enforces the minimum cluster size of 1 used by all
// pool-limit derivations.
func clampClusterSize(n int64) int64 {
	if n < 1 {
		return 1
	}
	return n
}

// MaxMemForPool returns the aggregate memory limit for the pool at the given
// cluster size. The absolute limit wins over the per-backend multiplier;
// 0 means the pool's memory is unbounded.
func MaxMemForPool(cfg types.PoolConfig, clusterSize int64) int64 {
	if cfg.MaxMemResources > 0 {
		return cfg.MaxMemResources
	}
	if cfg.MaxMemoryMultiple > 0 {
		return cfg.MaxMemoryMultiple * clampClusterSize(clusterSize)
	}
	return 0
}

// MaxMemForPoolDescription describes how the limit was derived, for reason
// strings and diagnostics.
func MaxMemForPoolDescription(cfg types.PoolConfig, clusterSize int64) string {
	if cfg.MaxMemResources > 0 {
		return "configured statically"
	}
	if cfg.MaxMemoryMultiple > 0 {
		return fmt.Sprintf("calculated as %d backends each with %s",
			clampClusterSize(clusterSize), printBytes(cfg.MaxMemoryMultiple))
	}
	return "unbounded"
}

// MaxRequestsForPool returns the concurrency limit for the pool at the given
// cluster size. 0 means unlimited.
func MaxRequestsForPool(cfg types.PoolConfig, clusterSize int64) int64 {
	if cfg.MaxRequests > 0 {
		return cfg.MaxRequests
	}
	if cfg.MaxRunningQueriesMultiple > 0 {
		return int64(cfg.MaxRunningQueriesMultiple * float64(clampClusterSize(clusterSize)))
	}
	return 0
}

// MaxRequestsForPoolDescription describes how the limit was derived.
func MaxRequestsForPoolDescription(cfg types.PoolConfig, clusterSize int64) string {
	if cfg.MaxRequests > 0 {
		return "configured statically"
	}
	if cfg.MaxRunningQueriesMultiple > 0 {
		return fmt.Sprintf("calculated as %d backends each with %.2f queries",
			clampClusterSize(clusterSize), cfg.MaxRunningQueriesMultiple)
	}
	return "unlimited"
}

// MaxQueuedForPool returns the queue bound for the pool at the given cluster
// size. A bound of 0 disables queueing entirely.
func MaxQueuedForPool(cfg types.PoolConfig, clusterSize int64) int64 {
	if cfg.MaxQueued > 0 {
		return cfg.MaxQueued
	}
	if cfg.MaxQueuedQueriesMultiple > 0 {
		return int64(cfg.MaxQueuedQueriesMultiple * float64(clampClusterSize(clusterSize)))
	}
	return 0
}

// MaxQueuedForPoolDescription describes how the bound was derived.
func MaxQueuedForPoolDescription(cfg types.PoolConfig, clusterSize int64) string {
	if cfg.MaxQueued > 0 {
		return "configured statically"
	}
	if cfg.MaxQueuedQueriesMultiple > 0 {
		return fmt.Sprintf("calculated as %d backends each with %.2f queries",
			clampClusterSize(clusterSize), cfg.MaxQueuedQueriesMultiple)
	}
	return "disabled"
}

// poolDisabled reports whether the scale-with-cluster configuration yields
// zero capacity at the current cluster size.
func poolDisabled(cfg types.PoolConfig, clusterSize int64) bool {
	return cfg.MaxRunningQueriesMultiple > 0 && MaxRequestsForPool(cfg, clusterSize) == 0
}

// isPoolConfigValid checks the pool configuration for contradictions that
// make every request unrunnable.
func isPoolConfigValid(cfg types.PoolConfig) (bool, string) {
	if cfg.MinQueryMemLimit < 0 || cfg.MaxQueryMemLimit < 0 || cfg.MaxMemResources < 0 ||
		cfg.MaxRequests < 0 || cfg.MaxQueued < 0 {
		return false, fmt.Sprintf("pool %s has negative configuration values", cfg.Name)
	}
	if cfg.MaxQueryMemLimit > 0 && cfg.MinQueryMemLimit > cfg.MaxQueryMemLimit {
		return false, fmt.Sprintf(
			"pool %s has min_query_mem_limit %s greater than max_query_mem_limit %s",
			cfg.Name, printBytes(cfg.MinQueryMemLimit), printBytes(cfg.MaxQueryMemLimit))
	}
	return true, ""
}

// canAccommodateMaxInitialReservation checks that the per-backend memory
// limit chosen for the query leaves room for its largest initial buffer
// reservation.
func canAccommodateMaxInitialReservation(s Schedule, cfg types.PoolConfig) (bool, string) {
	memToAdmit := s.PerBackendMemToAdmit()
	reservation := s.LargestMinReservation()
	if reservation <= memToAdmit {
		return true, ""
	}
	return false, fmt.Sprintf(
		"minimum memory reservation is greater than memory available to the query "+
			"for buffer reservations. Memory reservation needed given the current plan: %s. "+
			"Adjust either the mem_limit option or the pool configuration "+
			"(max-query-mem-limit should be at least %s, min-query-mem-limit may be too low, "+
			"and clamp_mem_limit_query_option=false leaves a low mem_limit unclamped) "+
			"so that the query memory limit is at least %s. Note that changing the mem_limit "+
			"may also change the plan.",
		printBytes(reservation), printBytes(reservation), printBytes(reservation))
}

// hostMemFn resolves a backend's process memory limit. 0 means unknown, in
// which case the per-host check is skipped for that backend.
type hostMemFn func(host string) int64

// hasAvailableMemResources checks the pool aggregate and every participating
// backend for enough memory to admit the schedule.
func hasAvailableMemResources(s Schedule, cfg types.PoolConfig, clusterSize int64,
	stats *PoolStats, hostMemReserved, hostMemAdmitted map[string]int64,
	hostMemLimit hostMemFn) (bool, string) {

	perBackend := s.PerBackendMemToAdmit()
	needCluster := s.ClusterMemoryToAdmit()

	if maxMem := MaxMemForPool(cfg, clusterSize); maxMem > 0 {
		effective := stats.EffectiveMemReserved()
		if effective+needCluster > maxMem {
			return false, fmt.Sprintf(
				"Not enough aggregate memory available in pool %s with max mem resources %s (%s). "+
					"Needed %s but only %s was available.",
				cfg.Name, printBytes(maxMem), MaxMemForPoolDescription(cfg, clusterSize),
				printBytes(needCluster), printBytes(maxMem-effective))
		}
	}

	for _, host := range s.BackendHosts() {
		limit := hostMemLimit(host)
		if limit <= 0 {
			continue
		}
		reserved := hostMemReserved[host]
		if admitted := hostMemAdmitted[host]; admitted > reserved {
			reserved = admitted
		}
		if reserved+perBackend > limit {
			return false, fmt.Sprintf(
				"Not enough memory available on host %s. Needed %s but only %s out of %s was available.",
				host, printBytes(perBackend), printBytes(limit-reserved), printBytes(limit))
		}
	}

	return true, ""
}

// maxToDequeue returns how many head-of-queue requests this coordinator
// should attempt to admit in one dequeue pass. Each coordinator takes a
// share of the available slots proportional to its fraction of the
// cluster-wide queue, which bounds over-admission when many coordinators see
// resources free up at the same time.
func maxToDequeue(queueLen int, stats *PoolStats, cfg types.PoolConfig, clusterSize int64) int64 {
	slots := dequeueSlotsUnbounded
	if maxRequests := MaxRequestsForPool(cfg, clusterSize); maxRequests > 0 {
		slots = maxRequests - stats.aggNumRunning
		if slots <= 0 {
			return 0
		}
	}

	if maxMem := MaxMemForPool(cfg, clusterSize); maxMem > 0 && stats.EffectiveMemReserved() >= maxMem {
		return 0
	}

	local := int64(queueLen)
	if local == 0 {
		return 0
	}
	aggQueued := stats.aggNumQueued
	if aggQueued < local {
		aggQueued = local
	}

	share := int64(math.Ceil(float64(local) / float64(aggQueued) * float64(slots)))
	if share > local {
		share = local
	}
	if share < 1 {
		share = 1
	}
	return share
}

// printBytes renders a byte count the way it appears in reason strings.
func printBytes(bytes int64) string {
	negative := bytes < 0
	value := float64(bytes)
	if negative {
		value = -value
	}

	var formatted string
	switch {
	case value >= float64(int64(1)<<40):
		formatted = fmt.Sprintf("%.2f TB", value/float64(int64(1)<<40))
	case value >= float64(int64(1)<<30):
		formatted = fmt.Sprintf("%.2f GB", value/float64(int64(1)<<30))
	case value >= float64(int64(1)<<20):
		formatted = fmt.Sprintf("%.2f MB", value/float64(int64(1)<<20))
	case value >= float64(int64(1)<<10):
		formatted = fmt.Sprintf("%.2f KB", value/float64(int64(1)<<10))
	default:
		formatted = fmt.Sprintf("%.0f B", value)
	}
	if negative {
		return "-" + formatted
	}
	return formatted
}
