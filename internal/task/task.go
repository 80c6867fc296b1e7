// Package task holds the unit of download work driven by a single worker.
package task

import (
	"sync"

	"github.com/google/uuid"
)

// Listener receives progress, completion and error notifications for a task.
// Implementations must tolerate calls from any worker goroutine.
type Listener interface {
	OnProgress(percent int, key string)
	OnComplete(key string)
	OnError(msg string)
}

// Task is either a single resource key or an ordered list of keys (compound)
// sharing one listener and one progress timeline.
//
// The cursor is advanced only by the worker currently driving the task; the
// lock lets snapshots read it.
type Task struct {
	keys     []string
	compound bool
	tag      string
	retry    *RetryPolicy

	mu       sync.Mutex
	cursor   int
	listener Listener
}

// New creates a simple task for one resource key.
func New(key string, l Listener) *Task {
	return newTask([]string{key}, false, l)
}

// NewCompound creates a task that fetches keys in order.
func NewCompound(keys []string, l Listener) *Task {
	ks := make([]string, len(keys))
	copy(ks, keys)
	return newTask(ks, true, l)
}

func newTask(keys []string, compound bool, l Listener) *Task {
	t := &Task{keys: keys, compound: compound, listener: l, tag: uuid.NewString()}
	t.retry = newRetryPolicy(t)
	return t
}

// SetTag overrides the random tag assigned at construction.
func (t *Task) SetTag(tag string) {
	if tag != "" {
		t.tag = tag
	}
}

// Tag returns the caller label used in logs.
func (t *Task) Tag() string { return t.tag }

// Identity returns the first key, which also identifies a compound task.
func (t *Task) Identity() string { return t.keys[0] }

// Keys returns a copy of the task's resource keys.
func (t *Task) Keys() []string {
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

// Compound reports whether the task was created from a key list.
func (t *Task) Compound() bool { return t.compound }

// Len returns the number of sub-resources.
func (t *Task) Len() int { return len(t.keys) }

// Cursor returns the index of the next sub-resource.
func (t *Task) Cursor() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Next returns the next key and advances the cursor. It returns "" once the
// task is exhausted.
func (t *Task) Next() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor >= len(t.keys) {
		return ""
	}
	k := t.keys[t.cursor]
	t.cursor++
	return k
}

// HasMore reports whether another sub-resource remains.
func (t *Task) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.compound {
		return t.cursor < len(t.keys)
	}
	return t.cursor == 0
}

// Matches reports whether key is part of the task identity.
func (t *Task) Matches(key string) bool {
	for _, k := range t.keys {
		if k == key {
			return true
		}
	}
	return false
}

// Reset rewinds the cursor for a fresh pass.
func (t *Task) Reset() {
	t.mu.Lock()
	t.cursor = 0
	t.mu.Unlock()
}

// Clone returns an independent copy with the cursor at 0 that shares the listener.
func (t *Task) Clone() *Task {
	c := newTask(t.keys, t.compound, t.currentListener())
	c.tag = t.tag
	return c
}

// Retry returns the retry policy owned by this task.
func (t *Task) Retry() *RetryPolicy { return t.retry }

// Release detaches the listener. Later notifications are dropped.
func (t *Task) Release() {
	t.mu.Lock()
	t.listener = nil
	t.mu.Unlock()
}

// Released reports whether the listener has been detached or was never set.
func (t *Task) Released() bool { return t.currentListener() == nil }

func (t *Task) currentListener() Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

// NotifyProgress forwards a progress update to the listener, if any.
func (t *Task) NotifyProgress(percent int, key string) {
	if l := t.currentListener(); l != nil {
		l.OnProgress(percent, key)
	}
}

// NotifyComplete forwards a sub-resource completion to the listener, if any.
func (t *Task) NotifyComplete(key string) {
	if l := t.currentListener(); l != nil {
		l.OnComplete(key)
	}
}

// NotifyError forwards a terminal error message to the listener, if any.
func (t *Task) NotifyError(msg string) {
	if l := t.currentListener(); l != nil {
		l.OnError(msg)
	}
}
