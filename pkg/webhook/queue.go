package webhook

import (
	"container/heap"
	"time"

	"github.com/sipeed/wabridge/pkg/storage/repository"
)

// task is one pending POST of one event to one subscription.
type task struct {
	sub     repository.Webhook
	event   string
	body    []byte
	attempt int
	readyAt time.Time
	seq     uint64
}

// taskQueue is a min-heap on readyAt; seq keeps equally ready tasks FIFO.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].readyAt.Equal(q[j].readyAt) {
		return q[i].seq < q[j].seq
	}
	return q[i].readyAt.Before(q[j].readyAt)
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x interface{}) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

func (q *taskQueue) push(t *task) { heap.Push(q, t) }

func (q *taskQueue) pop() *task { return heap.Pop(q).(*task) }

func (q taskQueue) peek() *task {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
