// Package scheduler is a delayed task scheduler with two flavors: a
// single-threaded cooperative scheduler that preserves deadline ordering,
// and a worker-pool scheduler that parallelizes execution with no
// cross-task ordering guarantee. Both share the same deadline-ordered
// priority queue and lazy-cancellation scheme.
package scheduler

import (
	"container/heap"
	"sync/atomic"
	"time"
)

// Task is work submitted to a scheduler. A Task that panics is recovered
// and logged by the scheduler; it never unwinds into the caller of
// Schedule.
type Task func()

// Handle lets a caller cancel a scheduled-but-not-yet-run task. Canceling
// an already-running task has no effect on that run.
type Handle struct {
	item *taskItem
}

func (h Handle) Cancel() {
	if h.item != nil {
		h.item.canceled.Store(true)
	}
}

type taskItem struct {
	deadline time.Time
	seq      int64
	task     Task
	canceled atomic.Bool
	index    int
}

// taskQueue is a min-heap ordered by deadline, then insertion order.
type taskQueue []*taskItem

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	item := x.(*taskItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

var _ heap.Interface = (*taskQueue)(nil)
