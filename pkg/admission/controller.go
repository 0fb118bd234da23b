package admission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarrydb/quarry/pkg/log"
	"github.com/quarrydb/quarry/pkg/schedule"
	"github.com/quarrydb/quarry/pkg/types"
)

// ErrCancelled is returned by SubmitForAdmission when the caller cancelled
// the request while it was queued.
var ErrCancelled = errors.New("admission cancelled by client")

// Schedule is the per-query descriptor admission control consumes. The
// canonical implementation is *schedule.Schedule.
type Schedule interface {
	QueryID() string
	RequestPool() string
	BackendHosts() []string
	PerBackendMemToAdmit() int64
	ClusterMemoryToAdmit() int64
	LargestMinReservation() int64
	UpdateMemoryRequirements(cfg types.PoolConfig)
	Profile() *schedule.Profile
}

// ClusterMembership supplies the executor set the pool-limit derivations
// and per-host memory checks run against.
type ClusterMembership interface {
	ClusterSize() int64
	HostMemLimit(host string) int64
}

// PoolService resolves pool configuration snapshots.
type PoolService interface {
	GetPoolConfig(name string) (types.PoolConfig, error)
}

// MemTracker supplies the memory reserved and consumed by fragments
// executing on this backend, per pool.
type MemTracker interface {
	PoolMemReserved(pool string) int64
	PoolMemUsage(pool string) int64
}

// Config holds controller configuration.
type Config struct {
	// CoordinatorID identifies this coordinator in topic keys and host maps.
	CoordinatorID string

	// DefaultQueueTimeout bounds the queue wait for pools that do not
	// configure their own timeout.
	DefaultQueueTimeout time.Duration

	// HeartbeatInterval is the statestore heartbeat period; admission state
	// older than twice this is reported as stale.
	HeartbeatInterval time.Duration
}

// Controller throttles queries against per-pool concurrency and memory
// limits. Any coordinator admits queries independently; coordinators share
// per-pool statistics through the statestore topic, so all remote state is
// an eventually consistent estimate and bounded over-admission is expected
// while updates are in flight.
type Controller struct {
	cfg         Config
	membership  ClusterMembership
	poolService PoolService
	memTracker  MemTracker
	logger      zerolog.Logger

	// mu covers every field below: all pool statistics, queues, host maps
	// and the config cache. Critical sections are short arithmetic over
	// small maps.
	mu          sync.Mutex
	dequeueCond *sync.Cond

	poolStats       map[string]*PoolStats
	requestQueues   map[string]*requestQueue
	poolConfigCache map[string]types.PoolConfig
	poolsForUpdates map[string]struct{}

	// Per-host aggregates across all pools. hostMemReserved comes from
	// topic updates; hostMemAdmitted tracks only local admissions.
	hostMemReserved map[string]int64
	hostMemAdmitted map[string]int64

	lastTopicUpdate time.Time
	startTime       time.Time
	lastDeserErrLog map[string]time.Time

	done bool
	now  func() time.Time
}

// NewController creates an admission controller. Call Start to launch the
// dequeue loop and RegisterWithBus to connect the topic.
func NewController(cfg Config, membership ClusterMembership, poolService PoolService,
	memTracker MemTracker) *Controller {

	if cfg.DefaultQueueTimeout <= 0 {
		cfg.DefaultQueueTimeout = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}

	c := &Controller{
		cfg:             cfg,
		membership:      membership,
		poolService:     poolService,
		memTracker:      memTracker,
		logger:          log.WithComponent("admission"),
		poolStats:       make(map[string]*PoolStats),
		requestQueues:   make(map[string]*requestQueue),
		poolConfigCache: make(map[string]types.PoolConfig),
		poolsForUpdates: make(map[string]struct{}),
		hostMemReserved: make(map[string]int64),
		hostMemAdmitted: make(map[string]int64),
		now:             time.Now,
	}
	c.dequeueCond = sync.NewCond(&c.mu)
	c.startTime = c.now()
	return c
}

// Start launches the dequeue worker.
func (c *Controller) Start() {
	go c.dequeueLoop()
}

// Stop terminates the dequeue worker and fails every queued request.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return
	}
	c.done = true

	for pool, queue := range c.requestQueues {
		stats := c.getPoolStatsLocked(pool)
		for node := queue.Front(); node != nil; node = queue.Front() {
			queue.Remove(node)
			node.lastQueuedReason = "coordinator is shutting down"
			if node.outcome.Set(OutcomeRejectedOrTimedOut) {
				stats.Dequeue(false)
				stats.RecordRejected()
				node.profile.Set(schedule.ProfileKeyAdmissionResult, schedule.ProfileValRejected)
				node.profile.Set(schedule.ProfileKeyLastQueuedReason, node.lastQueuedReason)
			}
		}
	}
	c.dequeueCond.Broadcast()
}

// SubmitForAdmission decides whether the query described by s may run.
// It returns immediately on rejection and otherwise blocks until the query
// is admitted, times out or is cancelled by the caller setting the outcome
// cell to cancelled. An admitted query must be paired with a ReleaseQuery
// call when it finishes.
func (c *Controller) SubmitForAdmission(s Schedule, outcome *AdmissionOutcome) error {
	pool := s.RequestPool()
	profile := s.Profile()
	logger := c.logger.With().Str("query_id", s.QueryID()).Str("pool", pool).Logger()

	c.mu.Lock()

	if c.done {
		c.mu.Unlock()
		outcome.Set(OutcomeRejectedOrTimedOut)
		profile.Set(schedule.ProfileKeyAdmissionResult, schedule.ProfileValRejected)
		return fmt.Errorf("coordinator is shutting down")
	}

	clusterSize := clampClusterSize(c.membership.ClusterSize())

	cfg, err := c.poolService.GetPoolConfig(pool)
	if err != nil {
		c.mu.Unlock()
		outcome.Set(OutcomeRejectedOrTimedOut)
		profile.Set(schedule.ProfileKeyAdmissionResult, schedule.ProfileValRejected)
		return fmt.Errorf("failed to resolve pool config: %w", err)
	}
	c.poolConfigCache[pool] = cfg

	stats := c.getPoolStatsLocked(pool)
	stats.updateConfigMetrics(cfg, clusterSize)

	if valid, reason := isPoolConfigValid(cfg); !valid {
		stats.RecordRejected()
		c.mu.Unlock()
		outcome.Set(OutcomeRejectedOrTimedOut)
		profile.Set(schedule.ProfileKeyAdmissionResult, schedule.ProfileValRejected)
		logger.Warn().Str("reason", reason).Msg("query rejected: invalid pool config")
		return fmt.Errorf("invalid pool config: %s", reason)
	}

	s.UpdateMemoryRequirements(cfg)
	queue := c.getQueueLocked(pool)

	if reject, reason := c.rejectImmediately(s, cfg, clusterSize, stats); reject {
		stats.RecordRejected()
		c.mu.Unlock()
		outcome.Set(OutcomeRejectedOrTimedOut)
		profile.Set(schedule.ProfileKeyAdmissionResult, schedule.ProfileValRejected)
		logger.Info().Str("reason", reason).Msg("query rejected")
		return fmt.Errorf("rejected query from pool %s: %s", pool, reason)
	}

	ok, notAdmittedReason := c.canAdmitRequest(s, cfg, clusterSize, stats, queue, false)
	if ok {
		if !outcome.Set(OutcomeAdmitted) {
			// The caller cancelled before we could decide.
			c.mu.Unlock()
			profile.Set(schedule.ProfileKeyAdmissionResult, schedule.ProfileValCancelledInQueue)
			return ErrCancelled
		}
		c.admitQuery(s, stats, false, 0)
		profile.Set(schedule.ProfileKeyAdmissionResult, schedule.ProfileValAdmitImmediately)
		c.mu.Unlock()
		logger.Info().Msg("query admitted immediately")
		return nil
	}

	// Queue the request and wait for the dequeue loop, a timeout, or a
	// cancellation. The node lives on this stack; the queue only holds a
	// reference.
	node := &queueNode{
		schedule:           s,
		outcome:            outcome,
		profile:            profile,
		queuedAt:           c.now(),
		initialQueueReason: notAdmittedReason,
	}
	queue.PushBack(node)
	stats.Queue()
	c.markPoolDirtyLocked(pool)
	profile.Set(schedule.ProfileKeyAdmissionResult, schedule.ProfileValQueued)
	profile.Set(schedule.ProfileKeyInitialQueueReason, notAdmittedReason)
	logger.Info().Str("reason", notAdmittedReason).Msg("query queued")

	timeout := c.cfg.DefaultQueueTimeout
	if cfg.QueueTimeoutMs > 0 {
		timeout = time.Duration(cfg.QueueTimeoutMs) * time.Millisecond
	}
	c.mu.Unlock()

	result, decided := outcome.Wait(timeout)
	timedOutClaimed := false
	if !decided {
		// Claim the timeout. If the dequeue loop admitted concurrently we
		// lose the race and take its outcome instead.
		if outcome.Set(OutcomeRejectedOrTimedOut) {
			result = OutcomeRejectedOrTimedOut
			timedOutClaimed = true
		} else {
			result, _ = outcome.Get()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch result {
	case OutcomeAdmitted:
		// Accounting and profile were handled by the dequeue loop.
		return nil

	case OutcomeCancelled:
		if queue.Remove(node) {
			stats.Dequeue(false)
			stats.UpdateWaitTime(c.now().Sub(node.queuedAt).Milliseconds())
			c.markPoolDirtyLocked(pool)
		}
		profile.Set(schedule.ProfileKeyAdmissionResult, schedule.ProfileValCancelledInQueue)
		logger.Info().Msg("queued query cancelled by client")
		return ErrCancelled

	default:
		reason := node.lastQueuedReason
		if reason == "" {
			reason = node.initialQueueReason
		}
		if !timedOutClaimed {
			// The dequeue loop rejected the request while we were waiting
			// (invalid pool config or coordinator shutdown); it already
			// removed the node and set the profile.
			logger.Info().Str("reason", reason).Msg("queued query rejected")
			return fmt.Errorf("rejected query from pool %s: %s", pool, reason)
		}
		if queue.Remove(node) {
			stats.Dequeue(true)
			stats.UpdateWaitTime(c.now().Sub(node.queuedAt).Milliseconds())
			c.markPoolDirtyLocked(pool)
		}
		profile.Set(schedule.ProfileKeyAdmissionResult, schedule.ProfileValTimeOut)
		logger.Info().Str("reason", reason).Msg("queued query timed out")
		return fmt.Errorf("admission for query exceeded timeout %s in pool %s. Latest queuing reason: %s",
			timeout, pool, reason)
	}
}

// ReleaseQuery returns an admitted query's resources to the pool. Must be
// called exactly once for every admitted query, whether it succeeded,
// failed, or was cancelled mid-flight.
func (c *Controller) ReleaseQuery(s Schedule, peakMemConsumption int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pool := s.RequestPool()
	stats := c.getPoolStatsLocked(pool)
	stats.Release(s, peakMemConsumption)
	c.updateHostMemAdmitted(s, -s.PerBackendMemToAdmit())
	c.markPoolDirtyLocked(pool)
	c.dequeueCond.Signal()

	c.logger.Debug().
		Str("query_id", s.QueryID()).
		Str("pool", pool).
		Int64("peak_mem", peakMemConsumption).
		Msg("query released")
}

// admitQuery applies an admission decision to the pool and host accounting.
// waitTimeMs is only meaningful when the query came from the queue.
func (c *Controller) admitQuery(s Schedule, stats *PoolStats, wasQueued bool, waitTimeMs int64) {
	stats.Admit(s)
	c.updateHostMemAdmitted(s, s.PerBackendMemToAdmit())
	c.markPoolDirtyLocked(s.RequestPool())
	if wasQueued {
		stats.UpdateWaitTime(waitTimeMs)
	}

	profile := s.Profile()
	profile.Set(schedule.ProfileKeyAdmittedMem, printBytes(s.ClusterMemoryToAdmit()))
	msSince := c.msSinceLastUpdateLocked()
	profile.Set(schedule.ProfileKeyTimeSinceLastUpdate, fmt.Sprintf("%d", msSince))
	if warning := c.stalenessDetailLocked(""); warning != "" {
		profile.Set(schedule.ProfileKeyStalenessWarning, warning)
	}
}

// dequeueLoop is the background worker admitting queued queries when the
// topic or a local release signals that resources may have freed up.
func (c *Controller) dequeueLoop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.done {
			return
		}
		c.dequeueAllPoolsLocked()
		c.dequeueCond.Wait()
	}
}

func (c *Controller) dequeueAllPoolsLocked() {
	clusterSize := clampClusterSize(c.membership.ClusterSize())

	for pool, queue := range c.requestQueues {
		if queue.Len() == 0 {
			continue
		}
		stats := c.getPoolStatsLocked(pool)

		cfg, haveCfg := c.poolConfigCache[pool]
		valid, invalidReason := true, ""
		if !haveCfg {
			valid, invalidReason = false, fmt.Sprintf("no configuration for pool %s", pool)
		} else {
			valid, invalidReason = isPoolConfigValid(cfg)
		}
		if !valid {
			c.failQueueLocked(pool, queue, stats, invalidReason)
			continue
		}

		toDequeue := maxToDequeue(queue.Len(), stats, cfg, clusterSize)
		for i := int64(0); i < toDequeue; i++ {
			node := queue.Front()
			if node == nil {
				break
			}

			// The submitter may have timed out, or a cancelling caller may
			// have set the outcome, before we got here. Drop such nodes
			// without admitting.
			if result, set := node.outcome.Get(); set {
				queue.Remove(node)
				stats.Dequeue(result == OutcomeRejectedOrTimedOut)
				stats.UpdateWaitTime(c.now().Sub(node.queuedAt).Milliseconds())
				c.markPoolDirtyLocked(pool)
				continue
			}

			ok, reason := c.canAdmitRequest(node.schedule, cfg, clusterSize, stats, queue, true)
			if !ok {
				// Head-of-line blocking keeps the pool strictly FIFO.
				node.lastQueuedReason = reason
				node.profile.Set(schedule.ProfileKeyLastQueuedReason, reason)
				c.logger.Debug().
					Str("query_id", node.schedule.QueryID()).
					Str("pool", pool).
					Str("reason", reason).
					Msg("dequeue attempt failed")
				break
			}

			queue.Remove(node)
			if !node.outcome.Set(OutcomeAdmitted) {
				// Lost the race against a cancellation or timeout claim.
				result, _ := node.outcome.Get()
				stats.Dequeue(result == OutcomeRejectedOrTimedOut)
				stats.UpdateWaitTime(c.now().Sub(node.queuedAt).Milliseconds())
				c.markPoolDirtyLocked(pool)
				continue
			}

			waitTimeMs := c.now().Sub(node.queuedAt).Milliseconds()
			stats.Dequeue(false)
			c.admitQuery(node.schedule, stats, true, waitTimeMs)
			node.profile.Set(schedule.ProfileKeyAdmissionResult, schedule.ProfileValAdmitQueued)
			c.logger.Info().
				Str("query_id", node.schedule.QueryID()).
				Str("pool", pool).
				Int64("wait_time_ms", waitTimeMs).
				Msg("query admitted from queue")
		}
	}
}

func (c *Controller) failQueueLocked(pool string, queue *requestQueue, stats *PoolStats, reason string) {
	for node := queue.Front(); node != nil; node = queue.Front() {
		queue.Remove(node)
		node.lastQueuedReason = reason
		if node.outcome.Set(OutcomeRejectedOrTimedOut) {
			stats.Dequeue(false)
			stats.RecordRejected()
			node.profile.Set(schedule.ProfileKeyAdmissionResult, schedule.ProfileValRejected)
			node.profile.Set(schedule.ProfileKeyLastQueuedReason, reason)
		}
	}
	c.markPoolDirtyLocked(pool)
}

// canAdmitRequest decides whether the schedule fits the pool right now.
// admitFromQueue distinguishes the dequeue path, which is allowed to admit
// while the queue is non-empty.
func (c *Controller) canAdmitRequest(s Schedule, cfg types.PoolConfig, clusterSize int64,
	stats *PoolStats, queue *requestQueue, admitFromQueue bool) (bool, string) {

	if maxRequests := MaxRequestsForPool(cfg, clusterSize); maxRequests > 0 &&
		stats.aggNumRunning >= maxRequests {
		return false, fmt.Sprintf(
			"number of running queries %d is at or over limit %d (%s)",
			stats.aggNumRunning, maxRequests, MaxRequestsForPoolDescription(cfg, clusterSize))
	}

	// Immediate admission requires an empty queue, not merely one below its
	// cap, or FIFO within the pool would break.
	if !admitFromQueue && queue.Len() > 0 {
		return false, fmt.Sprintf("queue is not empty (size %d); queued queries are executed first",
			queue.Len())
	}

	if ok, reason := hasAvailableMemResources(s, cfg, clusterSize, stats,
		c.hostMemReserved, c.hostMemAdmitted, c.membership.HostMemLimit); !ok {
		return false, reason
	}

	return canAccommodateMaxInitialReservation(s, cfg)
}

// rejectImmediately reports conditions no amount of waiting can resolve.
func (c *Controller) rejectImmediately(s Schedule, cfg types.PoolConfig, clusterSize int64,
	stats *PoolStats) (bool, string) {

	if poolDisabled(cfg, clusterSize) {
		return true, fmt.Sprintf("pool %s is disabled: calculated max running queries is 0 (%s)",
			cfg.Name, MaxRequestsForPoolDescription(cfg, clusterSize))
	}

	needCluster := s.ClusterMemoryToAdmit()
	if maxMem := MaxMemForPool(cfg, clusterSize); maxMem > 0 && needCluster > maxMem {
		return true, fmt.Sprintf(
			"request memory needed %s is greater than pool max mem resources %s (%s)",
			printBytes(needCluster), printBytes(maxMem), MaxMemForPoolDescription(cfg, clusterSize))
	}

	perBackend := s.PerBackendMemToAdmit()
	for _, host := range s.BackendHosts() {
		if limit := c.membership.HostMemLimit(host); limit > 0 && perBackend > limit {
			return true, fmt.Sprintf(
				"request memory needed %s per backend is greater than the memory limit %s of %s",
				printBytes(perBackend), printBytes(limit), host)
		}
	}

	if ok, reason := canAccommodateMaxInitialReservation(s, cfg); !ok {
		return true, reason
	}

	maxQueued := MaxQueuedForPool(cfg, clusterSize)
	if stats.aggNumQueued >= maxQueued {
		return true, fmt.Sprintf("queue is full, limit %d (%s), cluster-wide queue size %d",
			maxQueued, MaxQueuedForPoolDescription(cfg, clusterSize), stats.aggNumQueued)
	}

	return false, ""
}

func (c *Controller) updateHostMemAdmitted(s Schedule, perBackendDelta int64) {
	for _, host := range s.BackendHosts() {
		value := c.hostMemAdmitted[host] + perBackendDelta
		if value < 0 {
			c.logger.Error().
				Str("host", host).
				Int64("value", value).
				Msg("host admitted memory went negative, clamping to zero")
			value = 0
		}
		if value == 0 {
			delete(c.hostMemAdmitted, host)
			continue
		}
		c.hostMemAdmitted[host] = value
	}
}

func (c *Controller) getPoolStatsLocked(pool string) *PoolStats {
	stats := c.poolStats[pool]
	if stats == nil {
		stats = newPoolStats(pool, c)
		c.poolStats[pool] = stats
	}
	return stats
}

func (c *Controller) getQueueLocked(pool string) *requestQueue {
	queue := c.requestQueues[pool]
	if queue == nil {
		queue = &requestQueue{}
		c.requestQueues[pool] = queue
	}
	return queue
}

func (c *Controller) markPoolDirtyLocked(pool string) {
	c.poolsForUpdates[pool] = struct{}{}
}
