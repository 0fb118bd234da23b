package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolToJSON(t *testing.T) {
	pools := fakePoolService{"q1": {Name: "q1", MaxMemResources: 500 * gib, MaxRequests: 20, MaxQueued: 5}}
	c := newTestController("coord-1", pools, testMembership(10, 100*gib))

	_, ok := c.PoolToJSON("q1")
	assert.False(t, ok, "pool without submissions is unknown")

	s := newTestSchedule("q1", 10, 40*gib)
	require.NoError(t, c.SubmitForAdmission(s, NewAdmissionOutcome()))

	snap, ok := c.PoolToJSON("q1")
	require.True(t, ok)
	assert.Equal(t, "q1", snap.PoolName)
	assert.Equal(t, int64(1), snap.AggNumRunning)
	assert.Equal(t, 400*gib, snap.LocalMemAdmitted)
	assert.Equal(t, 500*gib, snap.MaxMemResources)
	assert.Equal(t, 500*gib, snap.MaxMemDerived)
	assert.Equal(t, int64(20), snap.MaxRequestsDerived)
	assert.Equal(t, int64(1), snap.TotalAdmitted)

	c.ReleaseQuery(s, 3*gib)
	snap, _ = c.PoolToJSON("q1")
	assert.Equal(t, int64(1), snap.TotalReleased)
	require.Len(t, snap.PeakMemHistogram, 1)
	assert.Equal(t, [2]int64{3, 1}, snap.PeakMemHistogram[0])

	all := c.AllPoolsToJSON()
	require.Len(t, all, 1)
	assert.Equal(t, "q1", all[0].PoolName)
}

func TestPerHostMemReservedAndAdmitted(t *testing.T) {
	pools := fakePoolService{"q1": {Name: "q1", MaxMemResources: 500 * gib, MaxQueued: 5}}
	c := newTestController("coord-1", pools, testMembership(2, 100*gib))

	s := newTestSchedule("q1", 2, 40*gib)
	require.NoError(t, c.SubmitForAdmission(s, NewAdmissionOutcome()))

	c.mu.Lock()
	c.hostMemReserved["host-0"] = 10 * gib
	c.mu.Unlock()

	hosts := c.PerHostMemReservedAndAdmitted()
	assert.Equal(t, HostMem{MemReserved: 10 * gib, MemAdmitted: 40 * gib}, hosts["host-0"])
	assert.Equal(t, HostMem{MemAdmitted: 40 * gib}, hosts["host-1"])
}

func TestResetAllPoolInformationalStats(t *testing.T) {
	pools := fakePoolService{"q1": {Name: "q1", MaxMemResources: 500 * gib, MaxQueued: 5}}
	c := newTestController("coord-1", pools, testMembership(2, 100*gib))

	s := newTestSchedule("q1", 2, 40*gib)
	require.NoError(t, c.SubmitForAdmission(s, NewAdmissionOutcome()))

	c.ResetAllPoolInformationalStats()
	snap, ok := c.PoolToJSON("q1")
	require.True(t, ok)
	assert.Zero(t, snap.TotalAdmitted)
	// Live admission state is untouched.
	assert.Equal(t, int64(1), snap.AggNumRunning)
}
