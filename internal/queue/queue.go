// Package queue implements the shared double-ended task queue consumed by workers.
package queue

import (
	"context"
	"sync"

	"github.com/UniQw/fetchq/internal/task"
)

// Queue is a goroutine-safe deque of tasks with a blocking take.
//
// A single buffered signal channel wakes one waiter per insert; a waiter that
// leaves items behind re-signals so sleeping peers chain-wake.
type Queue struct {
	mu     sync.Mutex
	items  []*task.Task
	signal chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Take blocks until a task is available or ctx is done. Each task is handed
// to exactly one caller.
func (q *Queue) Take(ctx context.Context) (*task.Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.notify()
			}
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PushBack appends tasks in order.
func (q *Queue) PushBack(ts ...*task.Task) {
	if len(ts) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, ts...)
	q.mu.Unlock()
	q.notify()
}

// PushFront inserts t ahead of every queued task.
func (q *Queue) PushFront(t *task.Task) {
	q.mu.Lock()
	q.items = append([]*task.Task{t}, q.items...)
	q.mu.Unlock()
	q.notify()
}

// RemoveFirst removes and returns the first task satisfying match.
func (q *Queue) RemoveFirst(match func(*task.Task) bool) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.items {
		if match(t) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return t, true
		}
	}
	return nil, false
}

// Rebuild drains the queue and refills it with fn(held), where held is the
// drained content, without letting a concurrent insert interleave.
func (q *Queue) Rebuild(fn func(held []*task.Task) []*task.Task) {
	q.mu.Lock()
	held := q.items
	q.items = nil
	next := fn(held)
	q.items = append(q.items, next...)
	n := len(q.items)
	q.mu.Unlock()
	if n > 0 {
		q.notify()
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued tasks in order without removing them.
func (q *Queue) Snapshot() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*task.Task, len(q.items))
	copy(out, q.items)
	return out
}
