package scheduler

import (
	"container/heap"

	"github.com/apexorch/apex/internal/store"
)

// entry wraps a pending Task for the priority heap.
type entry struct {
	task  *store.Task
	index int
}

// taskHeap orders entries by (priority desc, createdAt asc, id asc) — the
// §4.4 tie-break, extended past the teacher's queue (which only breaks
// ties on enqueue time) with a final ordering on task id so the ordering
// is total and deterministic even for two tasks created in the same tick.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i].task, h[j].task
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// dispatchQueue orders a tick's snapshot of pending tasks by the §4.4
// tie-break. It is built fresh each tick from a Store snapshot rather than
// held as long-lived state, since the Store is the single source of truth
// for which tasks are pending.
type dispatchQueue struct {
	h taskHeap
}

func newDispatchQueue(tasks []*store.Task) *dispatchQueue {
	q := &dispatchQueue{h: make(taskHeap, 0, len(tasks))}
	for _, t := range tasks {
		q.h = append(q.h, &entry{task: t})
	}
	heap.Init(&q.h)
	return q
}

func (q *dispatchQueue) Len() int { return q.h.Len() }

// Pop removes and returns the highest-priority task, or nil if empty.
func (q *dispatchQueue) Pop() *store.Task {
	if q.h.Len() == 0 {
		return nil
	}
	e := heap.Pop(&q.h).(*entry)
	return e.task
}
