package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskwire/taskwire/internal/task"
)

// Memory is an in-memory task store guarded by a single coarse mutex.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*task.Task)}
}

func (m *Memory) Put(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[t.URL]; ok {
		return fmt.Errorf("%w: %s", ErrExists, t.URL)
	}
	m.tasks[t.URL] = t.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, url string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[url]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return t.Clone(), nil
}

func (m *Memory) Update(_ context.Context, url string, fn func(*task.Task) error) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[url]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}

	// Mutate a copy so a failing fn leaves the stored record untouched.
	updated := t.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	m.tasks[url] = updated
	return updated.Clone(), nil
}

func (m *Memory) List(_ context.Context) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
