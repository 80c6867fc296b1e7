package fetchq

import (
	"strings"

	"github.com/UniQw/fetchq/internal/task"
)

// TaskInfo is a read-only snapshot of a queued or running task.
type TaskInfo struct {
	// Tag is the caller label, a random UUID unless set with the Tag option.
	Tag string `json:"tag"`
	// Keys are the resource keys in fetch order.
	Keys []string `json:"keys"`
	// Batch is true for tasks created by AddBatched.
	Batch bool `json:"batch,omitempty"`
	// State is where the task was seen.
	State State `json:"state"`
	// Worker is the worker position for active tasks, -1 otherwise.
	Worker int `json:"worker"`
	// Cursor is the index of the next key to fetch.
	Cursor int `json:"cursor"`
	// Retries counts recoverable failures so far.
	Retries int `json:"retries,omitempty"`
}

func newTaskInfo(t *task.Task, st State, worker int) *TaskInfo {
	return &TaskInfo{
		Tag:     t.Tag(),
		Keys:    t.Keys(),
		Batch:   t.Compound(),
		State:   st,
		Worker:  worker,
		Cursor:  t.Cursor(),
		Retries: t.Retry().Tries(),
	}
}

// TaskFilter selects tasks during ListTasks.
type TaskFilter func(*TaskInfo) bool

// ByTag matches tasks carrying tag.
func ByTag(tag string) TaskFilter {
	return func(t *TaskInfo) bool { return t.Tag == tag }
}

// ByURL matches tasks with a key containing substr.
func ByURL(substr string) TaskFilter {
	return func(t *TaskInfo) bool {
		for _, k := range t.Keys {
			if strings.Contains(k, substr) {
				return true
			}
		}
		return false
	}
}
