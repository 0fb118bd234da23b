package memtracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolMemReserved(t *testing.T) {
	tracker := NewTracker()

	// A query with a mem limit reserves the full limit.
	withLimit := tracker.Register("q1", "query-1", 4<<30)
	withLimit.Consume(1 << 30)

	// A query without a limit reserves its current consumption.
	noLimit := tracker.Register("q1", "query-2", 0)
	noLimit.Consume(2 << 30)

	assert.Equal(t, int64(6<<30), tracker.PoolMemReserved("q1"))
	assert.Equal(t, int64(3<<30), tracker.PoolMemUsage("q1"))

	// Other pools are unaffected.
	assert.Equal(t, int64(0), tracker.PoolMemReserved("q2"))
}

func TestUnregister(t *testing.T) {
	tracker := NewTracker()

	ft := tracker.Register("q1", "query-1", 1<<30)
	assert.Equal(t, int64(1<<30), tracker.PoolMemReserved("q1"))

	tracker.Unregister(ft)
	assert.Equal(t, int64(0), tracker.PoolMemReserved("q1"))
}

func TestConsumeNeverNegative(t *testing.T) {
	tracker := NewTracker()

	ft := tracker.Register("q1", "query-1", 0)
	ft.Consume(100)
	ft.Consume(-500)
	assert.Equal(t, int64(0), ft.Usage())
}

func TestPhysicalMem(t *testing.T) {
	assert.Positive(t, PhysicalMem())
}
