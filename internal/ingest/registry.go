package ingest

import (
	"context"
	"sync"
)

// TaskRegistry tracks at most one cancellation signal per normalized pool
// name. Insertion is atomic so concurrent start calls for the same pool
// resolve to a single task.
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]context.CancelFunc)}
}

// Add registers cancel under key if the key is absent. It reports false
// when a task already holds the key.
func (r *TaskRegistry) Add(key string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[key]; ok {
		return false
	}
	r.tasks[key] = cancel
	return true
}

// Remove deletes the key and returns its cancellation signal.
func (r *TaskRegistry) Remove(key string) (context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.tasks[key]
	if ok {
		delete(r.tasks, key)
	}
	return cancel, ok
}

// Running reports whether a task holds the key.
func (r *TaskRegistry) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[key]
	return ok
}

// Len returns the number of registered tasks.
func (r *TaskRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Drain removes every task and returns the cancellation signals.
func (r *TaskRegistry) Drain() []context.CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancels := make([]context.CancelFunc, 0, len(r.tasks))
	for key, cancel := range r.tasks {
		cancels = append(cancels, cancel)
		delete(r.tasks, key)
	}
	return cancels
}
