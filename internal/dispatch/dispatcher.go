// Package dispatch routes decoded broker events onto the shared task store.
// It is the single writer of task state: every mutation after submission
// happens here, in response to a broker event.
//
// Delivery policy: the triggering message is acknowledged in a deferred
// block regardless of the processing outcome. A message that cannot be
// decoded or applied is logged and dropped, never redelivered forever.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/taskwire/taskwire/internal/coord"
	"github.com/taskwire/taskwire/internal/envelope"
	"github.com/taskwire/taskwire/internal/metrics"
	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/task"
)

// Publisher publishes wire bytes on a broker subject. The runtime backs it
// with a pooled channel's JetStream context.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Listener observes task state changes. Listeners run on the dispatch path
// and must not block.
type Listener func(t task.Task)

// delivery is the slice of jetstream.Msg the dispatcher needs; tests
// substitute a stub.
type delivery interface {
	Data() []byte
	Ack() error
}

// Dispatcher applies the task lifecycle state machine.
type Dispatcher struct {
	store           store.Store
	coord           *coord.Coordinator
	pub             Publisher
	dispatchSubject string
	metrics         *metrics.Metrics
	logger          *slog.Logger

	listenerMu sync.RWMutex
	listeners  []Listener

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a dispatcher. The store and coordinator are injected; their
// lifecycle belongs to the worker runtime.
func New(st store.Store, co *coord.Coordinator, pub Publisher, dispatchSubject string, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Dispatcher{
		store:           st,
		coord:           co,
		pub:             pub,
		dispatchSubject: dispatchSubject,
		metrics:         m,
		logger:          logger,
		done:            make(chan struct{}),
	}
}

// Subscribe adds a task state change listener.
func (d *Dispatcher) Subscribe(l Listener) {
	d.listenerMu.Lock()
	d.listeners = append(d.listeners, l)
	d.listenerMu.Unlock()
}

// Done is closed once every known task has reached a terminal state.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// EventHandler returns the consumer callback for the event subject.
func (d *Dispatcher) EventHandler() func(ctx context.Context, msg jetstream.Msg) {
	return func(ctx context.Context, msg jetstream.Msg) {
		d.handleEvent(ctx, msg)
	}
}

// SubmitHandler returns the consumer callback for the submit subject.
func (d *Dispatcher) SubmitHandler() func(ctx context.Context, msg jetstream.Msg) {
	return func(ctx context.Context, msg jetstream.Msg) {
		d.handleSubmission(ctx, msg)
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, msg delivery) {
	defer func() {
		if err := msg.Ack(); err != nil {
			d.logger.Warn("failed to ack event message", "error", err)
		}
	}()
	d.processEvent(ctx, msg.Data())
}

func (d *Dispatcher) handleSubmission(ctx context.Context, msg delivery) {
	defer func() {
		if err := msg.Ack(); err != nil {
			d.logger.Warn("failed to ack submission message", "error", err)
		}
	}()
	d.processSubmission(ctx, msg.Data())
}

// processEvent decodes one event body and applies the matching transition.
func (d *Dispatcher) processEvent(ctx context.Context, data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		d.metrics.EventsDropped.Inc()
		d.logger.Error("dropping undecodable event message", "error", err)
		return
	}

	var handlerErr error
	switch env.Kind() {
	case envelope.KindRunning:
		handlerErr = d.onRunning(ctx, env)
	case envelope.KindProgress:
		handlerErr = d.onProgress(ctx, env)
	case envelope.KindComplete:
		handlerErr = d.onComplete(ctx, env)
	case envelope.KindError:
		handlerErr = d.onError(ctx, env)
	default:
		d.metrics.EventsUnhandled.Inc()
		d.logger.Info("unhandled event", "event", env.Event, "url", env.URL)
		return
	}

	if handlerErr != nil {
		// Logged and dropped: the message is still acked by the caller so
		// it cannot loop as a poison message.
		d.logger.Error("event handler failed",
			"event", env.Event, "url", env.URL, "error", handlerErr)
		return
	}
	d.metrics.EventsProcessed.WithLabelValues(env.Event).Inc()
}

func (d *Dispatcher) onRunning(ctx context.Context, env envelope.Envelope) error {
	var prev task.Status
	updated, err := d.store.Update(ctx, env.URL, func(tk *task.Task) error {
		prev = tk.Status
		if err := tk.Transition(task.StatusRunning); err != nil {
			return err
		}
		tk.Process = env.Process
		at := env.Time
		tk.StartedAt = &at
		return nil
	})
	if err != nil {
		return err
	}
	d.trackStatus(prev, updated.Status)
	d.notify(updated)
	return nil
}

func (d *Dispatcher) onProgress(ctx context.Context, env envelope.Envelope) error {
	updated, err := d.store.Update(ctx, env.URL, func(tk *task.Task) error {
		if tk.Status != task.StatusRunning {
			return fmt.Errorf("progress for %s task", tk.Status)
		}
		tk.Progress = clampProgress(env.Progress)
		return nil
	})
	if err != nil {
		return err
	}
	d.notify(updated)
	return nil
}

func (d *Dispatcher) onComplete(ctx context.Context, env envelope.Envelope) error {
	var prev task.Status
	updated, err := d.store.Update(ctx, env.URL, func(tk *task.Task) error {
		prev = tk.Status
		if err := tk.Transition(task.StatusCompleted); err != nil {
			return err
		}
		at := env.Time
		tk.FinishedAt = &at
		tk.Progress = 100
		return nil
	})
	if err != nil {
		return err
	}
	d.trackStatus(prev, updated.Status)
	d.notify(updated)

	ready, err := d.coord.OnUpstreamComplete(ctx, env.URL)
	if err != nil {
		return fmt.Errorf("release downstream of %s: %w", env.URL, err)
	}
	for _, url := range ready {
		d.trackStatus(task.StatusWaiting, task.StatusReady)
		if err := d.publishTask(ctx, url); err != nil {
			d.logger.Error("failed to dispatch ready task", "url", url, "error", err)
		}
	}

	d.checkAllTerminal(ctx)
	return nil
}

func (d *Dispatcher) onError(ctx context.Context, env envelope.Envelope) error {
	var prev task.Status
	updated, err := d.store.Update(ctx, env.URL, func(tk *task.Task) error {
		prev = tk.Status
		if err := tk.Transition(task.StatusFailed); err != nil {
			return err
		}
		tk.Detail = env.Detail
		at := env.Time
		tk.FinishedAt = &at
		return nil
	})
	if err != nil {
		return err
	}
	d.trackStatus(prev, updated.Status)
	d.notify(updated)

	marked, err := d.coord.OnUpstreamFailed(ctx, env.URL)
	if err != nil {
		return fmt.Errorf("propagate failure of %s: %w", env.URL, err)
	}
	for _, url := range marked {
		// Propagation only reaches tasks that still held waiting edges.
		d.trackStatus(task.StatusWaiting, task.StatusFailedUpstream)
		if tk, err := d.store.Get(ctx, url); err == nil {
			d.notify(tk)
		}
	}

	d.checkAllTerminal(ctx)
	return nil
}

// processSubmission decodes a submission body, seeds its waiting edges and,
// when the task is immediately ready, publishes it for execution.
func (d *Dispatcher) processSubmission(ctx context.Context, data []byte) {
	sub, err := envelope.DecodeSubmission(data)
	if err != nil {
		d.metrics.EventsDropped.Inc()
		d.logger.Error("dropping undecodable submission", "error", err)
		return
	}

	url := sub.URL
	if url == "" {
		url = "task://" + uuid.NewString()
	}

	t := &task.Task{
		URL:       url,
		Payload:   sub.Payload,
		CreatedAt: time.Now().UTC(),
	}

	if err := d.coord.Submit(ctx, t, sub.Awaits); err != nil {
		switch {
		case errors.Is(err, coord.ErrSelfDependency), errors.Is(err, coord.ErrCycle):
			d.logger.Error("rejecting submission", "url", url, "error", err)
		case errors.Is(err, store.ErrExists):
			d.logger.Warn("ignoring duplicate submission", "url", url)
		default:
			d.logger.Error("submission failed", "url", url, "error", err)
		}
		return
	}

	d.metrics.TasksSubmitted.Inc()
	d.metrics.TasksByStatus.WithLabelValues(string(t.Status)).Inc()
	d.notify(t)

	if t.Status == task.StatusReady {
		if err := d.publishTask(ctx, url); err != nil {
			d.logger.Error("failed to dispatch ready task", "url", url, "error", err)
		}
	}
}

// publishTask re-publishes a ready task record on the dispatch subject.
func (d *Dispatcher) publishTask(ctx context.Context, url string) error {
	tk, err := d.store.Get(ctx, url)
	if err != nil {
		return err
	}
	data, err := json.Marshal(tk)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", url, err)
	}
	if err := d.pub.Publish(ctx, d.dispatchSubject, data); err != nil {
		return fmt.Errorf("publish task %s: %w", url, err)
	}
	d.metrics.TasksDispatched.Inc()
	d.notify(tk)
	return nil
}

func (d *Dispatcher) checkAllTerminal(ctx context.Context) {
	terminal, err := d.coord.IsAllTerminal(ctx)
	if err != nil {
		d.logger.Warn("failed to check terminal state", "error", err)
		return
	}
	if terminal {
		d.doneOnce.Do(func() {
			d.logger.Info("all tasks terminal")
			close(d.done)
		})
	}
}

func (d *Dispatcher) notify(t *task.Task) {
	d.listenerMu.RLock()
	listeners := d.listeners
	d.listenerMu.RUnlock()

	for _, l := range listeners {
		l(*t.Clone())
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func (d *Dispatcher) trackStatus(from, to task.Status) {
	if from == to {
		return
	}
	if from.Valid() {
		d.metrics.TasksByStatus.WithLabelValues(string(from)).Dec()
	}
	d.metrics.TasksByStatus.WithLabelValues(string(to)).Inc()
}
