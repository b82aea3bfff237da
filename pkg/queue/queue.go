// Package queue provides the FIFO task queue between the gateway and the
// measurement worker: many producers, one consumer, strict arrival order.
package queue

import (
	"sync"

	"ofdrgate/pkg/task"
)

// Queue is an in-memory FIFO of pending tasks. Unbounded when capacity is
// zero; a bounded queue rejects instead of blocking so the gateway can
// answer busy.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []*task.MeasureTask
	capacity int
	closed   bool
}

func New(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends t. Returns false when the queue is bounded and full, or
// closed.
func (q *Queue) Enqueue(t *task.MeasureTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, t)
	q.cond.Signal()
	return true
}

// Dequeue blocks until a task is available or the queue is closed. The
// second return is false only after Close once the queue has drained.
func (q *Queue) Dequeue() (*task.MeasureTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t, true
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes any blocked consumer. Pending tasks remain dequeueable;
// further enqueues are rejected.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
