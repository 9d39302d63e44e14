package scheduler

import (
	"time"

	"github.com/google/uuid"
)

type entryKind int

const (
	kindTask entryKind = iota
	kindFunc
)

// entry is one armed item in the wait queue.
//
// Ordering: fire time ascending, ties broken by arming sequence so
// simultaneous entries fire in insertion order.
type entry struct {
	id   uuid.UUID
	at   time.Time
	seq  uint64
	kind entryKind

	// fn is set for kindFunc entries (retry timers and other callbacks).
	fn func()

	index int // heap bookkeeping
}

type waitQueue []*entry

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
