package admission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/pkg/types"
)

func TestAdmitReleaseIdentity(t *testing.T) {
	stats := newPoolStats("q1", testParent())
	s := newTestSchedule("q1", 10, 40*gib)

	stats.Admit(s)
	assert.Equal(t, int64(1), stats.aggNumRunning)
	assert.Equal(t, int64(1), stats.localStats.NumAdmittedRunning)
	assert.Equal(t, 400*gib, stats.localMemAdmitted)
	assert.Equal(t, 400*gib, stats.EffectiveMemReserved())

	stats.Release(s, 10*gib)
	assert.Equal(t, int64(0), stats.aggNumRunning)
	assert.Equal(t, int64(0), stats.localStats.NumAdmittedRunning)
	assert.Equal(t, int64(0), stats.localMemAdmitted)

	assert.Equal(t, int64(1), stats.totalAdmitted)
	assert.Equal(t, int64(1), stats.totalReleased)
}

func TestQueueDequeue(t *testing.T) {
	stats := newPoolStats("q1", testParent())

	stats.Queue()
	stats.Queue()
	assert.Equal(t, int64(2), stats.aggNumQueued)
	assert.Equal(t, int64(2), stats.localStats.NumQueued)

	stats.Dequeue(false)
	stats.Dequeue(true)
	assert.Equal(t, int64(0), stats.aggNumQueued)
	assert.Equal(t, int64(1), stats.totalDequeued)
	assert.Equal(t, int64(1), stats.totalTimedOut)
}

func TestNegativeCountersClampToZero(t *testing.T) {
	stats := newPoolStats("q1", testParent())

	stats.Dequeue(false)
	assert.Equal(t, int64(0), stats.aggNumQueued)
	assert.Equal(t, int64(0), stats.localStats.NumQueued)
}

func TestEffectiveMemReserved(t *testing.T) {
	stats := newPoolStats("q1", testParent())

	stats.aggMemReserved = 100 * gib
	stats.localMemAdmitted = 50 * gib
	assert.Equal(t, 100*gib, stats.EffectiveMemReserved())

	stats.localMemAdmitted = 300 * gib
	assert.Equal(t, 300*gib, stats.EffectiveMemReserved())
}

func TestUpdateAggregates(t *testing.T) {
	parent := testParent()
	stats := newPoolStats("q1", parent)

	stats.localStats = types.PoolStatsUpdate{
		NumAdmittedRunning: 2,
		NumQueued:          1,
		BackendMemReserved: 10 * gib,
	}
	stats.UpdateRemoteStats("coord-2", &types.PoolStatsUpdate{
		NumAdmittedRunning: 3,
		NumQueued:          4,
		BackendMemReserved: 20 * gib,
	})
	stats.UpdateRemoteStats("coord-3", &types.PoolStatsUpdate{
		NumAdmittedRunning: 1,
		BackendMemReserved: 5 * gib,
	})

	hostMem := make(map[string]int64)
	stats.UpdateAggregates(hostMem)

	assert.Equal(t, int64(6), stats.aggNumRunning)
	assert.Equal(t, int64(5), stats.aggNumQueued)
	assert.Equal(t, 35*gib, stats.aggMemReserved)
	assert.Equal(t, 10*gib, hostMem[parent.cfg.CoordinatorID])
	assert.Equal(t, 20*gib, hostMem["coord-2"])
	assert.Equal(t, 5*gib, hostMem["coord-3"])

	// Recomputing from the same inputs is idempotent.
	hostMem = make(map[string]int64)
	stats.UpdateAggregates(hostMem)
	assert.Equal(t, int64(6), stats.aggNumRunning)
	assert.Equal(t, 35*gib, stats.aggMemReserved)

	// Removing a remote host drops its contribution.
	stats.UpdateRemoteStats("coord-2", nil)
	hostMem = make(map[string]int64)
	stats.UpdateAggregates(hostMem)
	assert.Equal(t, int64(3), stats.aggNumRunning)
	assert.Equal(t, 15*gib, stats.aggMemReserved)
	assert.NotContains(t, hostMem, "coord-2")
}

func TestClearRemoteStats(t *testing.T) {
	stats := newPoolStats("q1", testParent())
	stats.UpdateRemoteStats("coord-2", &types.PoolStatsUpdate{NumAdmittedRunning: 3})

	stats.ClearRemoteStats()
	stats.UpdateAggregates(make(map[string]int64))
	assert.Equal(t, int64(0), stats.aggNumRunning)
}

func TestPeakMemHistogram(t *testing.T) {
	stats := newPoolStats("q1", testParent())
	s := newTestSchedule("q1", 1, gib)

	stats.Admit(s)
	stats.Release(s, gib/2) // bin 0
	stats.Admit(s)
	stats.Release(s, 5*gib+1) // bin 5
	stats.Admit(s)
	stats.Release(s, 10000*gib) // clamped into the last bin

	assert.Equal(t, int64(1), stats.peakMemHistogram[0])
	assert.Equal(t, int64(1), stats.peakMemHistogram[5])
	assert.Equal(t, int64(1), stats.peakMemHistogram[histogramBinCount-1])
}

func TestResetInformationalStats(t *testing.T) {
	stats := newPoolStats("q1", testParent())
	s := newTestSchedule("q1", 1, gib)

	stats.Admit(s)
	stats.Release(s, gib)
	stats.UpdateWaitTime(500)
	require.NotZero(t, stats.totalAdmitted)

	stats.ResetInformationalStats()
	assert.Zero(t, stats.totalAdmitted)
	assert.Zero(t, stats.totalReleased)
	assert.Zero(t, stats.timeInQueueMs)
	assert.Zero(t, stats.peakMemHistogram[1])
	assert.Zero(t, stats.waitTimeMsEMA.Value())

	// Admission-relevant state survives a reset.
	stats.Admit(s)
	assert.Equal(t, int64(1), stats.aggNumRunning)
}

func TestPoolStatsUpdateRoundTrip(t *testing.T) {
	update := types.PoolStatsUpdate{
		NumAdmittedRunning: 3,
		NumQueued:          2,
		BackendMemReserved: 10 * gib,
		BackendMemUsage:    7 * gib,
	}

	data, err := json.Marshal(update)
	require.NoError(t, err)

	var decoded types.PoolStatsUpdate
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, update, decoded)
}
