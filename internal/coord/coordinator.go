// Package coord tracks per-task dependency state. A task waits on a set of
// upstream task URLs; when an upstream completes, the coordinator computes
// which waiting tasks become ready, and when an upstream fails it propagates
// failed_upstream through the edge graph.
//
// The coordinator is invoked only by the event dispatcher, preserving the
// single-writer discipline over the task store.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/task"
)

var (
	// ErrSelfDependency is returned when a task awaits itself.
	ErrSelfDependency = errors.New("task cannot await itself")

	// ErrCycle is returned when a submission would close a dependency
	// cycle. Cycles are rejected eagerly, at submission time.
	ErrCycle = errors.New("dependency cycle")
)

// Coordinator owns the waiting-edge graph. The task store is injected at
// construction and shared with the dispatcher.
type Coordinator struct {
	store  store.Store
	logger *slog.Logger

	mu sync.Mutex
	// awaits maps a task URL to the upstream URLs it still waits on.
	awaits map[string]map[string]struct{}
	// dependents is the reverse index: upstream URL to the tasks awaiting it.
	dependents map[string]map[string]struct{}
}

// New creates a coordinator over the given store.
func New(st store.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      st,
		logger:     logger,
		awaits:     make(map[string]map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
	}
}

// Submit records a new task and seeds its waiting edges. A task with no
// unmet dependencies is stored ready and never visits waiting. If an awaited
// upstream has already failed, the task is stored failed_upstream
// immediately.
func (c *Coordinator) Submit(ctx context.Context, t *task.Task, awaits []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unmet := make(map[string]struct{})
	var failedUpstream string

	for _, up := range awaits {
		if up == t.URL {
			return fmt.Errorf("%w: %s", ErrSelfDependency, t.URL)
		}
		if _, ok := unmet[up]; ok {
			continue
		}

		upstream, err := c.store.Get(ctx, up)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Forward reference: the upstream may be submitted later.
			unmet[up] = struct{}{}
		case err != nil:
			return fmt.Errorf("check upstream %s: %w", up, err)
		case upstream.Status == task.StatusCompleted:
			// Already satisfied, no edge needed.
		case upstream.Status == task.StatusFailed || upstream.Status == task.StatusFailedUpstream:
			failedUpstream = up
		default:
			unmet[up] = struct{}{}
		}
	}

	for up := range unmet {
		if c.wouldCycle(up, t.URL) {
			return fmt.Errorf("%w: %s awaits %s which transitively awaits it", ErrCycle, t.URL, up)
		}
	}

	switch {
	case failedUpstream != "":
		t.Status = task.StatusFailedUpstream
		t.Detail = fmt.Sprintf("upstream task %s failed", failedUpstream)
	case len(unmet) > 0:
		t.Status = task.StatusWaiting
	default:
		t.Status = task.StatusReady
	}

	if err := c.store.Put(ctx, t); err != nil {
		return err
	}

	if t.Status == task.StatusWaiting {
		c.awaits[t.URL] = unmet
		for up := range unmet {
			if c.dependents[up] == nil {
				c.dependents[up] = make(map[string]struct{})
			}
			c.dependents[up][t.URL] = struct{}{}
		}
	}

	c.logger.Debug("task submitted",
		"url", t.URL, "status", string(t.Status), "awaits", len(unmet))
	return nil
}

// wouldCycle reports whether from transitively awaits target. Callers hold
// the mutex.
func (c *Coordinator) wouldCycle(from, target string) bool {
	seen := make(map[string]struct{})
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		for up := range c.awaits[cur] {
			stack = append(stack, up)
		}
	}
	return false
}

// OnUpstreamComplete removes all waiting edges pointing at the completed
// upstream and returns the URLs of tasks that became ready as a result.
// Calling it again for the same upstream is a no-op.
func (c *Coordinator) OnUpstreamComplete(ctx context.Context, url string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ready []string
	for dep := range c.dependents[url] {
		edges := c.awaits[dep]
		delete(edges, url)
		if len(edges) > 0 {
			continue
		}
		delete(c.awaits, dep)

		if _, err := c.store.Update(ctx, dep, func(tk *task.Task) error {
			return tk.Transition(task.StatusReady)
		}); err != nil {
			return ready, fmt.Errorf("release task %s: %w", dep, err)
		}
		ready = append(ready, dep)
	}
	delete(c.dependents, url)

	sort.Strings(ready)
	return ready, nil
}

// OnUpstreamFailed walks the edge graph outward from the failed task and
// marks every reachable waiting or ready task failed_upstream, recording the
// originating failure. It returns the URLs it marked. Idempotent: the walk
// consumes the edges it follows.
func (c *Coordinator) OnUpstreamFailed(ctx context.Context, origin string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	var marked []string
	queue := []string{origin}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		deps := c.dependents[cur]
		delete(c.dependents, cur)
		for dep := range deps {
			c.dropEdges(dep)

			_, err := c.store.Update(ctx, dep, func(tk *task.Task) error {
				if err := tk.Transition(task.StatusFailedUpstream); err != nil {
					return err
				}
				tk.Detail = fmt.Sprintf("upstream task %s failed", origin)
				tk.FinishedAt = &now
				return nil
			})
			if err != nil {
				// A task that already started running cannot become
				// failed_upstream; the failure is logged, not propagated.
				c.logger.Warn("skip failure propagation",
					"task", dep, "origin", origin, "error", err)
			} else {
				marked = append(marked, dep)
			}
			queue = append(queue, dep)
		}
	}

	sort.Strings(marked)
	return marked, nil
}

// dropEdges removes all waiting edges owned by url. Callers hold the mutex.
func (c *Coordinator) dropEdges(url string) {
	for up := range c.awaits[url] {
		delete(c.dependents[up], url)
		if len(c.dependents[up]) == 0 {
			delete(c.dependents, up)
		}
	}
	delete(c.awaits, url)
}

// IsAllTerminal reports whether no task remains waiting, ready or running.
func (c *Coordinator) IsAllTerminal(ctx context.Context) (bool, error) {
	all, err := c.store.List(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range all {
		if !t.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// WaitingEdges returns a copy of the unmet upstream set for a task. Used by
// the status API; an empty result means the task holds no edges.
func (c *Coordinator) WaitingEdges(url string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	edges := make([]string, 0, len(c.awaits[url]))
	for up := range c.awaits[url] {
		edges = append(edges, up)
	}
	sort.Strings(edges)
	return edges
}
