package statestore

import (
	"sync"
	"time"

	"github.com/quarrydb/quarry/pkg/log"
)

// Item is a single keyed entry in a topic. A deleted item carries the key
// only.
type Item struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Delta is a batch of topic changes delivered to a subscriber on a
// heartbeat. A full delta replaces everything the subscriber knows about the
// topic; a non-full delta contains only the entries that changed since the
// subscriber's previous heartbeat.
type Delta struct {
	Topic  string
	IsFull bool
	Items  []Item
}

// UpdateFn is a subscriber callback. It processes an incoming delta and
// returns the subscriber's outgoing items for the topic, which the bus
// delivers to every other subscriber the next time that subscriber is
// polled (later in the same heartbeat for subscribers polled after it).
type UpdateFn func(delta Delta) []Item

type subscription struct {
	topic   string
	cb      UpdateFn
	synced  bool
	pending []Item
}

// Bus is a heartbeat-driven pub/sub bus carrying keyed topic entries
// between subscribers. Every subscriber is polled once per heartbeat: it
// receives the accumulated delta for its topic and returns its own updates.
type Bus struct {
	mu       sync.Mutex
	interval time.Duration
	topics   map[string]map[string][]byte
	subs     []*subscription
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBus creates a bus that heartbeats at the given interval once started.
func NewBus(interval time.Duration) *Bus {
	return &Bus{
		interval: interval,
		topics:   make(map[string]map[string][]byte),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a callback for a topic. The first heartbeat delivers a
// full delta with the topic's current contents.
func (b *Bus) Subscribe(topic string, cb UpdateFn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = append(b.subs, &subscription{topic: topic, cb: cb})
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string][]byte)
	}
}

// Start begins the heartbeat loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop terminates the heartbeat loop.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *Bus) run() {
	logger := log.WithComponent("statestore")
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Tick()
		case <-b.stopCh:
			logger.Debug().Msg("heartbeat loop stopped")
			return
		}
	}
}

// Tick runs a single heartbeat: each subscriber receives its pending delta
// and its returned updates are merged into the topic and queued for every
// other subscriber. Exposed so tests can drive heartbeats directly.
func (b *Bus) Tick() {
	b.mu.Lock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		delta := b.collectDelta(sub)
		outgoing := sub.cb(delta)
		if len(outgoing) > 0 {
			b.apply(sub, outgoing)
		}
	}
}

func (b *Bus) collectDelta(sub *subscription) Delta {
	b.mu.Lock()
	defer b.mu.Unlock()

	delta := Delta{Topic: sub.topic}
	if !sub.synced {
		delta.IsFull = true
		for key, value := range b.topics[sub.topic] {
			delta.Items = append(delta.Items, Item{Key: key, Value: value})
		}
		sub.synced = true
		sub.pending = nil
		return delta
	}

	delta.Items = sub.pending
	sub.pending = nil
	return delta
}

func (b *Bus) apply(from *subscription, items []Item) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.topics[from.topic]
	for _, item := range items {
		if item.Deleted {
			delete(entries, item.Key)
		} else {
			entries[item.Key] = item.Value
		}
	}

	for _, sub := range b.subs {
		if sub == from || sub.topic != from.topic || !sub.synced {
			continue
		}
		sub.pending = append(sub.pending, items...)
	}
}

// Entries returns a copy of the topic's current contents.
func (b *Bus) Entries(topic string) map[string][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := make(map[string][]byte, len(b.topics[topic]))
	for key, value := range b.topics[topic] {
		entries[key] = value
	}
	return entries
}
