package store

import "sync"

// TaskState is the transient lifecycle state of a task before its final
// result exists.
type TaskState string

const (
	TaskQueued  TaskState = "queued"
	TaskRunning TaskState = "running"
)

// TaskRegistry tracks tasks between submission and completion. Entries are
// removed on completion regardless of outcome; final truth lives in the
// ResultStore.
type TaskRegistry struct {
	mu sync.RWMutex
	m  map[string]TaskState
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{m: make(map[string]TaskState)}
}

func (r *TaskRegistry) MarkQueued(taskID string) {
	r.mu.Lock()
	r.m[taskID] = TaskQueued
	r.mu.Unlock()
}

// MarkRunning overwrites a queued entry.
func (r *TaskRegistry) MarkRunning(taskID string) {
	r.mu.Lock()
	r.m[taskID] = TaskRunning
	r.mu.Unlock()
}

// MarkFinished removes the entry; called on both success and failure.
func (r *TaskRegistry) MarkFinished(taskID string) {
	r.mu.Lock()
	delete(r.m, taskID)
	r.mu.Unlock()
}

// State returns the transient state, if any.
func (r *TaskRegistry) State(taskID string) (TaskState, bool) {
	r.mu.RLock()
	st, ok := r.m[taskID]
	r.mu.RUnlock()
	return st, ok
}

// Len reports tracked task count.
func (r *TaskRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
