package admission

import (
	"time"

	"github.com/quarrydb/quarry/pkg/schedule"
)

// queueNode represents one waiting query. The node is owned by the
// submitting goroutine's stack; the queue holds references only. The
// dequeue loop removes a node before setting its outcome. A timeout or a
// cancelling caller sets the outcome while the node is still queued; the
// submitter or the dequeue loop, whichever takes the controller lock first,
// then removes it.
type queueNode struct {
	schedule Schedule
	outcome  *AdmissionOutcome
	profile  *schedule.Profile

	queuedAt           time.Time
	initialQueueReason string
	lastQueuedReason   string
}

// requestQueue is a FIFO of waiting queries for one pool.
type requestQueue struct {
	nodes []*queueNode
}

func (q *requestQueue) PushBack(n *queueNode) {
	q.nodes = append(q.nodes, n)
}

// Front returns the head node without removing it, or nil if empty.
func (q *requestQueue) Front() *queueNode {
	if len(q.nodes) == 0 {
		return nil
	}
	return q.nodes[0]
}

// Remove deletes the node from the queue, preserving order. Returns false
// if the node is no longer queued.
func (q *requestQueue) Remove(n *queueNode) bool {
	for i, cur := range q.nodes {
		if cur == n {
			q.nodes = append(q.nodes[:i], q.nodes[i+1:]...)
			return true
		}
	}
	return false
}

func (q *requestQueue) Len() int {
	return len(q.nodes)
}
