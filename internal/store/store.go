// Package store provides task persistence behind a simple get/update-by-id
// interface. The event dispatcher is the only writer after submission;
// readers see point-in-time copies.
package store

import (
	"context"
	"errors"

	"github.com/taskwire/taskwire/internal/task"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

// ErrExists is returned when a task with the same URL was already submitted.
var ErrExists = errors.New("task already exists")

// Store is the task storage contract. Implementations must make Update
// atomic per task: the mutation either fully applies or the record is left
// untouched.
type Store interface {
	// Put inserts a new task. It fails with ErrExists for duplicate URLs.
	Put(ctx context.Context, t *task.Task) error

	// Get returns a copy of the task with the given URL, or ErrNotFound.
	Get(ctx context.Context, url string) (*task.Task, error)

	// Update applies fn to the task under the store's write lock. If fn
	// returns an error the task is left unchanged and the error is
	// returned. On success the updated copy is returned.
	Update(ctx context.Context, url string, fn func(*task.Task) error) (*task.Task, error)

	// List returns copies of all tasks, in no particular order.
	List(ctx context.Context) ([]*task.Task, error)

	Close() error
}
