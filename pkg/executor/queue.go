package executor

import (
	"container/heap"

	"github.com/rosfleet/rosfleet/pkg/types"
)

// jobQueue is a priority heap: higher priority first, earlier
// scheduledAt breaking ties
type jobQueue []*types.Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].ScheduledAt.Before(q[j].ScheduledAt)
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x interface{}) {
	*q = append(*q, x.(*types.Job))
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return job
}

var _ heap.Interface = (*jobQueue)(nil)
