package jobs

import (
	"github.com/cenkalti/backoff/v4"
	"github.com/kozaktomas/photo-faces/internal/database"
)

type queueItem struct {
	jobID    string
	jobType  database.JobType
	priority int
	key      string
	seq      uint64
	backoff  backoff.BackOff
	index    int
}

// jobQueue is a container/heap ordered by priority (highest first), then FIFO.
type jobQueue []*queueItem

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}
