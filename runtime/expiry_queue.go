package runtime

import (
	"time"

	"github.com/google/uuid"
)

// expiryTask is one armed self-destruct. index is its position in the
// expiryQueue, or -1 once it left the queue to be fired.
// cancelled and index are guarded by the scheduler mutex.
type expiryTask struct {
	id        uuid.UUID
	expiresAt time.Time
	index     int
	cancelled bool
}

// expiryQueue is a min-heap of tasks ordered by deadline, for container/heap.
type expiryQueue []*expiryTask

func (q expiryQueue) Len() int { return len(q) }

func (q expiryQueue) Less(i, j int) bool {
	return q[i].expiresAt.Before(q[j].expiresAt)
}

func (q expiryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *expiryQueue) Push(x any) {
	task := x.(*expiryTask)
	task.index = len(*q)
	*q = append(*q, task)
}

func (q *expiryQueue) Pop() any {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*q = old[:n-1]
	return task
}
