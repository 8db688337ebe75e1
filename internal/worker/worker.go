// Package worker provides a reference task executor. It consumes dispatched
// tasks and reports their lifecycle back on the event subject, making it the
// sole producer of running/progress/complete/error events in a single-binary
// deployment.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/taskwire/taskwire/internal/dispatch"
	"github.com/taskwire/taskwire/internal/envelope"
	"github.com/taskwire/taskwire/internal/task"
)

// Executor runs one task. Returning an error fails the task with the error
// text as failure detail.
type Executor func(ctx context.Context, tk task.Task) error

// Worker executes dispatched tasks and publishes lifecycle events.
type Worker struct {
	pub          dispatch.Publisher
	eventSubject string
	process      string
	exec         Executor
	logger       *slog.Logger
}

// New creates a worker. A nil executor gets a no-op executor that briefly
// simulates work, useful for demos and smoke tests.
func New(pub dispatch.Publisher, eventSubject string, exec Executor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if exec == nil {
		exec = func(ctx context.Context, _ task.Task) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
				return nil
			}
		}
	}

	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}

	return &Worker{
		pub:          pub,
		eventSubject: eventSubject,
		process:      fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		exec:         exec,
		logger:       logger,
	}
}

// Process returns the worker's process identifier, carried on every event it
// emits.
func (w *Worker) Process() string { return w.process }

// TaskHandler returns the consumer callback for the dispatch subject.
func (w *Worker) TaskHandler() func(ctx context.Context, msg jetstream.Msg) {
	return func(ctx context.Context, msg jetstream.Msg) {
		w.handleTask(ctx, msg)
	}
}

type delivery interface {
	Data() []byte
	Ack() error
}

func (w *Worker) handleTask(ctx context.Context, msg delivery) {
	defer func() {
		if err := msg.Ack(); err != nil {
			w.logger.Warn("failed to ack task message", "error", err)
		}
	}()

	var tk task.Task
	if err := json.Unmarshal(msg.Data(), &tk); err != nil {
		w.logger.Error("dropping undecodable task", "error", err)
		return
	}

	w.logger.Info("executing task", "url", tk.URL, "process", w.process)
	w.emit(ctx, envelope.Running(tk.URL, w.process, time.Now().UTC()))

	if err := w.exec(ctx, tk); err != nil {
		w.logger.Warn("task failed", "url", tk.URL, "error", err)
		w.emit(ctx, envelope.Failure(tk.URL, err.Error(), time.Now().UTC()))
		return
	}

	w.emit(ctx, envelope.Complete(tk.URL, time.Now().UTC()))
}

func (w *Worker) emit(ctx context.Context, env envelope.Envelope) {
	data, err := envelope.Encode(env)
	if err != nil {
		w.logger.Error("failed to encode event", "event", env.Event, "error", err)
		return
	}
	if err := w.pub.Publish(ctx, w.eventSubject, data); err != nil {
		w.logger.Error("failed to publish event",
			"event", env.Event, "url", env.URL, "error", err)
	}
}
