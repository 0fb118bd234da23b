package types

import (
	"time"
)

// Topic names carried by the statestore bus.
const (
	// PoolStatsTopic carries one entry per <pool, coordinator> pair with that
	// coordinator's local admission statistics for the pool.
	PoolStatsTopic = "quarry-request-queue"

	// MembershipTopic carries one BackendDescriptor entry per live backend.
	MembershipTopic = "quarry-membership"

	// TopicKeyDelimiter separates the pool name from the coordinator id in
	// PoolStatsTopic keys.
	TopicKeyDelimiter = "!"
)

// PoolConfig is a read-only snapshot of a resource pool's configuration.
// A value of 0 means the field is unconfigured; absolute limits take
// precedence over the scale-with-cluster multipliers.
type PoolConfig struct {
	Name string `yaml:"name" json:"name"`

	// Aggregate cluster-wide memory that may be admitted to the pool.
	MaxMemResources int64 `yaml:"max_mem_resources" json:"max_mem_resources"`

	// Maximum number of concurrently running queries. 0 means unlimited.
	MaxRequests int64 `yaml:"max_requests" json:"max_requests"`

	// Maximum number of queued queries before new ones are rejected.
	MaxQueued int64 `yaml:"max_queued" json:"max_queued"`

	// How long a query may wait in the queue before timing out. 0 falls back
	// to the coordinator-wide default.
	QueueTimeoutMs int64 `yaml:"queue_timeout_ms" json:"queue_timeout_ms"`

	// Per-query memory limit bounds applied when reconciling the MEM_LIMIT
	// query option with the planner estimate.
	MinQueryMemLimit int64 `yaml:"min_query_mem_limit" json:"min_query_mem_limit"`
	MaxQueryMemLimit int64 `yaml:"max_query_mem_limit" json:"max_query_mem_limit"`

	// Whether an explicitly set MEM_LIMIT query option is clamped by the
	// min/max bounds above.
	ClampMemLimitQueryOption bool `yaml:"clamp_mem_limit_query_option" json:"clamp_mem_limit_query_option"`

	// Scale-with-cluster-size multipliers. Used when the corresponding
	// absolute limit is unconfigured.
	MaxRunningQueriesMultiple float64 `yaml:"max_running_queries_multiple" json:"max_running_queries_multiple"`
	MaxQueuedQueriesMultiple  float64 `yaml:"max_queued_queries_multiple" json:"max_queued_queries_multiple"`
	MaxMemoryMultiple         int64   `yaml:"max_memory_multiple" json:"max_memory_multiple"`
}

// PoolStatsUpdate is the admission statistics payload one coordinator
// publishes per pool on the statestore topic.
type PoolStatsUpdate struct {
	NumAdmittedRunning int64 `json:"num_admitted_running"`
	NumQueued          int64 `json:"num_queued"`

	// Memory reserved by fragments executing on this backend in the pool.
	BackendMemReserved int64 `json:"backend_mem_reserved"`

	// Current consumption on this backend in the pool. Informational only.
	BackendMemUsage int64 `json:"backend_mem_usage"`
}

// BackendDescriptor describes a backend process for cluster membership.
type BackendDescriptor struct {
	ID      string `json:"id"`
	Address string `json:"address"`

	// The process memory limit used for per-host admission checks.
	// 0 means unknown.
	AdmissionMemLimit int64 `json:"admission_mem_limit"`

	IsCoordinator bool `json:"is_coordinator"`
	IsExecutor    bool `json:"is_executor"`
}

// NodeStatus represents the current state of a backend in the registry.
type NodeStatus string

const (
	NodeStatusReady NodeStatus = "ready"
	NodeStatusDown  NodeStatus = "down"
)

// Node is a registry entry for a backend.
type Node struct {
	BackendDescriptor
	Status        NodeStatus
	LastHeartbeat time.Time
	CreatedAt     time.Time
}
