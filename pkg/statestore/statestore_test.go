package statestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	deltas   []Delta
	outgoing []Item
}

func (r *recordingSubscriber) update(delta Delta) []Item {
	r.deltas = append(r.deltas, delta)
	out := r.outgoing
	r.outgoing = nil
	return out
}

func TestFirstDeltaIsFull(t *testing.T) {
	bus := NewBus(time.Hour)

	a := &recordingSubscriber{outgoing: []Item{{Key: "k1", Value: []byte("v1")}}}
	bus.Subscribe("topic", a.update)
	bus.Tick()

	require.Len(t, a.deltas, 1)
	assert.True(t, a.deltas[0].IsFull)
	assert.Empty(t, a.deltas[0].Items)

	// A late subscriber sees the published entry in its initial full delta.
	b := &recordingSubscriber{}
	bus.Subscribe("topic", b.update)
	bus.Tick()

	require.Len(t, b.deltas, 1)
	assert.True(t, b.deltas[0].IsFull)
	require.Len(t, b.deltas[0].Items, 1)
	assert.Equal(t, "k1", b.deltas[0].Items[0].Key)
}

func TestUpdatesFanOutToOtherSubscribers(t *testing.T) {
	bus := NewBus(time.Hour)

	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	bus.Subscribe("topic", a.update)
	bus.Subscribe("topic", b.update)
	bus.Tick()

	a.outgoing = []Item{{Key: "k1", Value: []byte("v1")}}
	bus.Tick()

	// b received a's update; a did not receive its own back.
	require.Len(t, b.deltas, 2)
	require.Len(t, b.deltas[1].Items, 1)
	assert.Equal(t, "k1", b.deltas[1].Items[0].Key)
	assert.False(t, b.deltas[1].IsFull)

	require.Len(t, a.deltas, 2)
	assert.Empty(t, a.deltas[1].Items)
}

func TestDeletionRemovesEntry(t *testing.T) {
	bus := NewBus(time.Hour)

	a := &recordingSubscriber{}
	bus.Subscribe("topic", a.update)

	a.outgoing = []Item{{Key: "k1", Value: []byte("v1")}}
	bus.Tick()
	assert.Contains(t, bus.Entries("topic"), "k1")

	a.outgoing = []Item{{Key: "k1", Deleted: true}}
	bus.Tick()
	assert.NotContains(t, bus.Entries("topic"), "k1")
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus(time.Hour)

	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	bus.Subscribe("topic-a", a.update)
	bus.Subscribe("topic-b", b.update)
	bus.Tick()

	a.outgoing = []Item{{Key: "k1", Value: []byte("v1")}}
	bus.Tick()

	require.Len(t, b.deltas, 2)
	assert.Empty(t, b.deltas[1].Items)
	assert.Empty(t, bus.Entries("topic-b"))
}
