package admission

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/quarrydb/quarry/pkg/metrics"
	"github.com/quarrydb/quarry/pkg/statestore"
	"github.com/quarrydb/quarry/pkg/types"
)

// How often a deserialization failure from the same coordinator is logged.
const deserErrLogInterval = time.Minute

// RegisterWithBus subscribes the controller to the pool stats topic. From
// then on every bus heartbeat delivers remote updates and collects the
// local deltas of pools whose statistics changed.
func (c *Controller) RegisterWithBus(bus *statestore.Bus) {
	bus.Subscribe(types.PoolStatsTopic, c.updatePoolStats)
}

// makePoolTopicKey returns "<pool_name>!<coordinator_id>".
func makePoolTopicKey(pool, coordinatorID string) string {
	return pool + types.TopicKeyDelimiter + coordinatorID
}

// parsePoolTopicKey splits a topic key into pool name and coordinator id.
// The delimiter is illegal in pool names but not in coordinator ids, so the
// first occurrence splits.
func parsePoolTopicKey(key string) (pool, coordinatorID string, ok bool) {
	idx := strings.Index(key, types.TopicKeyDelimiter)
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// updatePoolStats is the bus callback: it emits this coordinator's dirty
// pool stats and folds the incoming delta into the remote stat maps, then
// recomputes all aggregates. The whole batch is processed under the
// admission lock, so aggregates are always consistent with the remote stats
// at any observation point.
func (c *Controller) updatePoolStats(delta statestore.Delta) []statestore.Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	outgoing := c.addPoolUpdatesLocked()

	if delta.IsFull {
		for _, stats := range c.poolStats {
			stats.ClearRemoteStats()
		}
	}
	c.handleTopicUpdatesLocked(delta.Items)
	c.updateClusterAggregatesLocked()

	metrics.TopicUpdateAge.Set(float64(c.msSinceLastUpdateLocked()) / 1000.0)
	c.lastTopicUpdate = c.now()
	c.dequeueCond.Signal()

	return outgoing
}

// addPoolUpdatesLocked serializes the local stats of every pool marked
// dirty since the previous heartbeat, refreshing the lazily tracked backend
// memory first.
func (c *Controller) addPoolUpdatesLocked() []statestore.Item {
	if len(c.poolsForUpdates) == 0 {
		return nil
	}

	items := make([]statestore.Item, 0, len(c.poolsForUpdates))
	for pool := range c.poolsForUpdates {
		stats := c.getPoolStatsLocked(pool)
		stats.UpdateMemTrackerStats(c.memTracker)

		value, err := json.Marshal(stats.localStats)
		if err != nil {
			c.logger.Error().Err(err).Str("pool", pool).Msg("failed to serialize pool stats")
			continue
		}
		items = append(items, statestore.Item{
			Key:   makePoolTopicKey(pool, c.cfg.CoordinatorID),
			Value: value,
		})
	}
	c.poolsForUpdates = make(map[string]struct{})
	return items
}

func (c *Controller) handleTopicUpdatesLocked(items []statestore.Item) {
	for _, item := range items {
		pool, coordinatorID, ok := parsePoolTopicKey(item.Key)
		if !ok {
			c.logger.Warn().Str("key", item.Key).Msg("ignoring malformed topic key")
			continue
		}
		if coordinatorID == c.cfg.CoordinatorID {
			// Our own updates come back on the topic; the local stats are
			// already authoritative.
			continue
		}

		stats := c.getPoolStatsLocked(pool)
		if item.Deleted {
			stats.UpdateRemoteStats(coordinatorID, nil)
			continue
		}

		var update types.PoolStatsUpdate
		if err := json.Unmarshal(item.Value, &update); err != nil {
			c.logDeserErrLocked(coordinatorID, err)
			continue
		}
		stats.UpdateRemoteStats(coordinatorID, &update)
	}
}

// logDeserErrLocked logs a payload failure at most once per source
// coordinator per interval; a corrupt peer would otherwise flood the log on
// every heartbeat.
func (c *Controller) logDeserErrLocked(coordinatorID string, err error) {
	if c.lastDeserErrLog == nil {
		c.lastDeserErrLog = make(map[string]time.Time)
	}
	if last, ok := c.lastDeserErrLog[coordinatorID]; ok && c.now().Sub(last) < deserErrLogInterval {
		return
	}
	c.lastDeserErrLog[coordinatorID] = c.now()
	c.logger.Warn().Err(err).
		Str("coordinator_id", coordinatorID).
		Msg("skipping undeserializable pool stats update")
}

// updateClusterAggregatesLocked recomputes per-pool aggregates and rebuilds
// the per-host reserved memory map from scratch.
func (c *Controller) updateClusterAggregatesLocked() {
	hostMemReserved := make(map[string]int64)
	for _, stats := range c.poolStats {
		stats.UpdateAggregates(hostMemReserved)
	}
	c.hostMemReserved = hostMemReserved
}
