package memtracker

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Tracker accounts for memory consumed by query fragments executing on this
// process, grouped by resource pool. It is the source of the
// backend_mem_reserved and backend_mem_usage values published on the
// statestore topic.
type Tracker struct {
	mu    sync.Mutex
	pools map[string]map[string]*FragmentTracker // pool -> query id -> tracker
}

// FragmentTracker tracks the memory of the fragments of one query running on
// this backend.
type FragmentTracker struct {
	mu       sync.Mutex
	pool     string
	queryID  string
	memLimit int64
	usage    int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		pools: make(map[string]map[string]*FragmentTracker),
	}
}

// Register creates a fragment tracker for a query starting execution on this
// backend. memLimit is the query's per-backend memory limit, or 0 if the
// query runs without a limit.
func (t *Tracker) Register(pool, queryID string, memLimit int64) *FragmentTracker {
	t.mu.Lock()
	defer t.mu.Unlock()

	byQuery := t.pools[pool]
	if byQuery == nil {
		byQuery = make(map[string]*FragmentTracker)
		t.pools[pool] = byQuery
	}

	ft := &FragmentTracker{pool: pool, queryID: queryID, memLimit: memLimit}
	byQuery[queryID] = ft
	return ft
}

// Unregister removes the query's fragment tracker once execution finishes.
func (t *Tracker) Unregister(ft *FragmentTracker) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if byQuery := t.pools[ft.pool]; byQuery != nil {
		delete(byQuery, ft.queryID)
	}
}

// Consume adds bytes to the fragment's current consumption.
func (ft *FragmentTracker) Consume(bytes int64) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.usage += bytes
	if ft.usage < 0 {
		ft.usage = 0
	}
}

// Usage returns the fragment's current consumption.
func (ft *FragmentTracker) Usage() int64 {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.usage
}

// PoolMemReserved returns the memory considered reserved on this backend for
// the pool. A query with a memory limit reserves the full limit because it
// may consume up to it; a query without a limit reserves its current
// consumption.
func (t *Tracker) PoolMemReserved(pool string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total int64
	for _, ft := range t.pools[pool] {
		ft.mu.Lock()
		if ft.memLimit > 0 {
			total += ft.memLimit
		} else {
			total += ft.usage
		}
		ft.mu.Unlock()
	}
	return total
}

// PoolMemUsage returns the current consumption on this backend for the pool.
func (t *Tracker) PoolMemUsage(pool string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total int64
	for _, ft := range t.pools[pool] {
		ft.mu.Lock()
		total += ft.usage
		ft.mu.Unlock()
	}
	return total
}

var (
	physicalMemOnce sync.Once
	physicalMem     int64
)

// PhysicalMem returns the total physical memory of the machine in bytes, or
// a very large value if it cannot be determined.
func PhysicalMem() int64 {
	physicalMemOnce.Do(func() {
		physicalMem = readMemTotal("/proc/meminfo")
	})
	return physicalMem
}

func readMemTotal(path string) int64 {
	f, err := os.Open(path)
	if err != nil {
		return int64(1) << 62
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			break
		}
		return kb * 1024
	}
	return int64(1) << 62
}
