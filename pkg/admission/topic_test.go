package admission

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/pkg/statestore"
	"github.com/quarrydb/quarry/pkg/types"
)

func TestPoolTopicKey(t *testing.T) {
	key := makePoolTopicKey("q1", "host-1:26000")
	assert.Equal(t, "q1!host-1:26000", key)

	pool, coordinator, ok := parsePoolTopicKey(key)
	require.True(t, ok)
	assert.Equal(t, "q1", pool)
	assert.Equal(t, "host-1:26000", coordinator)

	_, _, ok = parsePoolTopicKey("no-delimiter")
	assert.False(t, ok)
	_, _, ok = parsePoolTopicKey("!leading")
	assert.False(t, ok)
	_, _, ok = parsePoolTopicKey("trailing!")
	assert.False(t, ok)
}

func statsItem(t *testing.T, pool, coordinator string, update types.PoolStatsUpdate) statestore.Item {
	t.Helper()
	value, err := json.Marshal(update)
	require.NoError(t, err)
	return statestore.Item{Key: makePoolTopicKey(pool, coordinator), Value: value}
}

func TestTopicDeltaUpdatesAggregates(t *testing.T) {
	pools := fakePoolService{"q1": {Name: "q1", MaxMemResources: 500 * gib, MaxQueued: 10}}
	c := newTestController("coord-1", pools, testMembership(10, 100*gib))

	delta := statestore.Delta{Topic: types.PoolStatsTopic, Items: []statestore.Item{
		statsItem(t, "q1", "coord-2", types.PoolStatsUpdate{
			NumAdmittedRunning: 2, NumQueued: 1, BackendMemReserved: 80 * gib,
		}),
	}}
	c.updatePoolStats(delta)

	c.mu.Lock()
	stats := c.poolStats["q1"]
	assert.Equal(t, int64(2), stats.aggNumRunning)
	assert.Equal(t, int64(1), stats.aggNumQueued)
	assert.Equal(t, 80*gib, stats.aggMemReserved)
	assert.Equal(t, 80*gib, c.hostMemReserved["coord-2"])
	c.mu.Unlock()

	// Processing the same delta again is idempotent.
	c.updatePoolStats(delta)
	c.mu.Lock()
	assert.Equal(t, int64(2), c.poolStats["q1"].aggNumRunning)
	assert.Equal(t, 80*gib, c.poolStats["q1"].aggMemReserved)
	c.mu.Unlock()
}

func TestTopicDeletionRemovesRemote(t *testing.T) {
	pools := fakePoolService{"q1": {Name: "q1", MaxQueued: 10}}
	c := newTestController("coord-1", pools, testMembership(10, 100*gib))

	c.updatePoolStats(statestore.Delta{Items: []statestore.Item{
		statsItem(t, "q1", "coord-2", types.PoolStatsUpdate{NumAdmittedRunning: 2}),
	}})
	c.updatePoolStats(statestore.Delta{Items: []statestore.Item{
		{Key: makePoolTopicKey("q1", "coord-2"), Deleted: true},
	}})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, int64(0), c.poolStats["q1"].aggNumRunning)
	assert.NotContains(t, c.hostMemReserved, "coord-2")
}

func TestFullDeltaClearsRemoteStats(t *testing.T) {
	pools := fakePoolService{"q1": {Name: "q1", MaxQueued: 10}}
	c := newTestController("coord-1", pools, testMembership(10, 100*gib))

	c.updatePoolStats(statestore.Delta{Items: []statestore.Item{
		statsItem(t, "q1", "coord-2", types.PoolStatsUpdate{NumAdmittedRunning: 2}),
		statsItem(t, "q1", "coord-3", types.PoolStatsUpdate{NumAdmittedRunning: 1}),
	}})

	// A full delta replaces everything; coord-3 is gone from it.
	c.updatePoolStats(statestore.Delta{IsFull: true, Items: []statestore.Item{
		statsItem(t, "q1", "coord-2", types.PoolStatsUpdate{NumAdmittedRunning: 5}),
	}})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, int64(5), c.poolStats["q1"].aggNumRunning)
}

func TestOwnUpdatesAreIgnored(t *testing.T) {
	pools := fakePoolService{"q1": {Name: "q1", MaxQueued: 10}}
	c := newTestController("coord-1", pools, testMembership(10, 100*gib))

	c.updatePoolStats(statestore.Delta{Items: []statestore.Item{
		statsItem(t, "q1", "coord-1", types.PoolStatsUpdate{NumAdmittedRunning: 99}),
	}})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, int64(0), c.getPoolStatsLocked("q1").aggNumRunning)
}

func TestMalformedPayloadSkipped(t *testing.T) {
	pools := fakePoolService{"q1": {Name: "q1", MaxQueued: 10}}
	c := newTestController("coord-1", pools, testMembership(10, 100*gib))

	c.updatePoolStats(statestore.Delta{Items: []statestore.Item{
		{Key: makePoolTopicKey("q1", "coord-2"), Value: []byte("{garbage")},
		statsItem(t, "q1", "coord-3", types.PoolStatsUpdate{NumAdmittedRunning: 1}),
	}})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, int64(1), c.poolStats["q1"].aggNumRunning)
}

func TestDirtyPoolsArePublished(t *testing.T) {
	pools := fakePoolService{"q1": {Name: "q1", MaxMemResources: 500 * gib, MaxQueued: 10}}
	tracker := newFakeMemTracker()
	c := NewController(Config{CoordinatorID: "coord-1"}, testMembership(10, 100*gib), pools, tracker)

	require.NoError(t, c.SubmitForAdmission(newTestSchedule("q1", 10, 40*gib), NewAdmissionOutcome()))
	tracker.setReserved("q1", 400*gib)

	outgoing := c.updatePoolStats(statestore.Delta{})
	require.Len(t, outgoing, 1)
	assert.Equal(t, makePoolTopicKey("q1", "coord-1"), outgoing[0].Key)

	var update types.PoolStatsUpdate
	require.NoError(t, json.Unmarshal(outgoing[0].Value, &update))
	assert.Equal(t, int64(1), update.NumAdmittedRunning)
	assert.Equal(t, 400*gib, update.BackendMemReserved)

	// The dirty set is cleared; nothing changed, nothing to publish.
	outgoing = c.updatePoolStats(statestore.Delta{})
	assert.Empty(t, outgoing)
}

func TestStalenessDetail(t *testing.T) {
	pools := fakePoolService{"q1": {Name: "q1", MaxQueued: 10}}
	c := NewController(Config{CoordinatorID: "coord-1", HeartbeatInterval: time.Second},
		testMembership(1, 0), pools, newFakeMemTracker())

	base := time.Now()
	c.now = func() time.Time { return base }
	c.startTime = base
	c.lastTopicUpdate = base

	assert.Empty(t, c.GetStalenessDetail(""))

	c.now = func() time.Time { return base.Add(5 * time.Second) }
	detail := c.GetStalenessDetail("Warning: ")
	assert.Contains(t, detail, "stale")
	assert.Contains(t, detail, "Warning: ")
}
