package membership

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/quarrydb/quarry/pkg/log"
	"github.com/quarrydb/quarry/pkg/metrics"
	"github.com/quarrydb/quarry/pkg/statestore"
	"github.com/quarrydb/quarry/pkg/types"
)

// Manager tracks the set of live backends in the cluster. Each backend
// publishes its own descriptor on the membership topic; the manager builds
// the registry from the descriptors it receives and removes backends whose
// entries are deleted or whose heartbeats expire.
type Manager struct {
	mu     sync.RWMutex
	local  types.BackendDescriptor
	nodes  map[string]*types.Node
	expiry time.Duration
	dirty  bool
	now    func() time.Time
}

// NewManager creates a membership manager for the local backend. expiry is
// how long a directly registered backend may go without a heartbeat before
// it is marked down.
func NewManager(local types.BackendDescriptor, expiry time.Duration) *Manager {
	m := &Manager{
		local:  local,
		nodes:  make(map[string]*types.Node),
		expiry: expiry,
		dirty:  true,
		now:    time.Now,
	}
	m.upsert(local)
	return m
}

// Register subscribes the manager to the membership topic on the bus.
func (m *Manager) Register(bus *statestore.Bus) {
	bus.Subscribe(types.MembershipTopic, m.update)
}

func (m *Manager) update(delta statestore.Delta) []statestore.Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := log.WithComponent("membership")

	if delta.IsFull {
		for id := range m.nodes {
			if id != m.local.ID {
				delete(m.nodes, id)
			}
		}
	}

	for _, item := range delta.Items {
		if item.Key == m.local.ID {
			continue
		}
		if item.Deleted {
			delete(m.nodes, item.Key)
			continue
		}
		var desc types.BackendDescriptor
		if err := json.Unmarshal(item.Value, &desc); err != nil {
			logger.Warn().Err(err).Str("key", item.Key).Msg("dropping malformed membership entry")
			continue
		}
		m.upsertLocked(desc)
	}

	m.syncGaugesLocked()

	if !m.dirty {
		return nil
	}
	m.dirty = false

	value, err := json.Marshal(m.local)
	if err != nil {
		logger.Error().Err(err).Msg("failed to serialize local descriptor")
		return nil
	}
	return []statestore.Item{{Key: m.local.ID, Value: value}}
}

// RegisterNode adds or refreshes a backend directly, bypassing the topic.
// Used by tests and static cluster configurations.
func (m *Manager) RegisterNode(desc types.BackendDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(desc)
}

func (m *Manager) upsert(desc types.BackendDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(desc)
}

func (m *Manager) upsertLocked(desc types.BackendDescriptor) {
	node := m.nodes[desc.ID]
	if node == nil {
		node = &types.Node{CreatedAt: m.now()}
		m.nodes[desc.ID] = node
	}
	node.BackendDescriptor = desc
	node.Status = types.NodeStatusReady
	node.LastHeartbeat = m.now()
}

// Heartbeat refreshes a directly registered backend.
func (m *Manager) Heartbeat(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if node := m.nodes[id]; node != nil {
		node.LastHeartbeat = m.now()
		node.Status = types.NodeStatusReady
	}
}

// PruneExpired marks backends with expired heartbeats as down. The local
// backend is never pruned.
func (m *Manager) PruneExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.expiry)
	for id, node := range m.nodes {
		if id == m.local.ID || node.Status != types.NodeStatusReady {
			continue
		}
		if node.LastHeartbeat.Before(cutoff) {
			node.Status = types.NodeStatusDown
			logger := log.WithComponent("membership")
			logger.Warn().
				Str("backend_id", id).
				Time("last_heartbeat", node.LastHeartbeat).
				Msg("backend heartbeat expired")
		}
	}
	m.syncGaugesLocked()
}

func (m *Manager) syncGaugesLocked() {
	counts := make(map[types.NodeStatus]int)
	for _, node := range m.nodes {
		counts[node.Status]++
	}
	for _, status := range []types.NodeStatus{types.NodeStatusReady, types.NodeStatusDown} {
		metrics.BackendsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// ClusterSize returns the number of ready executor backends.
func (m *Manager) ClusterSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, node := range m.nodes {
		if node.IsExecutor && node.Status == types.NodeStatusReady {
			n++
		}
	}
	return n
}

// ExecutorHosts returns the ids of all ready executor backends.
func (m *Manager) ExecutorHosts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hosts []string
	for id, node := range m.nodes {
		if node.IsExecutor && node.Status == types.NodeStatusReady {
			hosts = append(hosts, id)
		}
	}
	return hosts
}

// HostMemLimit returns the admission memory limit of the backend, or 0 if
// the backend is unknown or did not report one.
func (m *Manager) HostMemLimit(host string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if node := m.nodes[host]; node != nil {
		return node.AdmissionMemLimit
	}
	return 0
}
