// Package registry owns the set of subject-to-handler bindings for a worker
// process and drives their consumption lifecycle over JetStream.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/taskwire/taskwire/internal/pool"
)

// ErrRunning is returned by StartAll when consumption is already active.
var ErrRunning = errors.New("registry already started")

// Handler processes one delivered message. Acknowledgment is the handler's
// responsibility.
type Handler func(ctx context.Context, msg jetstream.Msg)

type binding struct {
	subject string
	durable string
	handler Handler
}

// Registry maps broker subjects to handlers. Bindings without a durable name
// each get their own consumer, so every subscriber of a subject receives
// every message (fan-out). Bindings sharing a durable name split the subject
// between them (work-queue).
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	bindings map[string]*binding
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		bindings: make(map[string]*binding),
	}
}

// Register binds a fan-out handler to a subject. Re-registering a subject
// replaces the existing binding and logs a warning.
func (r *Registry) Register(subject string, h Handler) {
	r.register(&binding{subject: subject, handler: h})
}

// RegisterQueue binds a handler to a subject under a shared durable name.
// Processes registering the same durable share the message stream instead of
// each receiving a copy.
func (r *Registry) RegisterQueue(subject, durable string, h Handler) {
	r.register(&binding{subject: subject, durable: durable, handler: h})
}

func (r *Registry) register(b *binding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bindings[b.subject]; ok {
		r.logger.Warn("replacing handler registration", "subject", b.subject)
	}
	r.bindings[b.subject] = b
}

// Subjects returns the currently bound subjects.
func (r *Registry) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.bindings))
	for s := range r.bindings {
		out = append(out, s)
	}
	return out
}

// StartAll ensures the backing stream exists, creates one consumer per
// binding on the given channel and begins consumption.
func (r *Registry) StartAll(ctx context.Context, ch *pool.Channel, stream jetstream.StreamConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrRunning
	}

	s, err := ch.JS.CreateOrUpdateStream(ctx, stream)
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", stream.Name, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, b := range r.bindings {
		cfg := jetstream.ConsumerConfig{
			FilterSubject: b.subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
		}
		if b.durable != "" {
			cfg.Durable = b.durable
		} else {
			// A private named consumer per binding: the JetStream
			// equivalent of an exclusive anonymous queue bound to a
			// fan-out exchange.
			cfg.Name = consumerName(b.subject)
			cfg.InactiveThreshold = 5 * time.Minute
		}

		consumer, err := s.CreateOrUpdateConsumer(ctx, cfg)
		if err != nil {
			cancel()
			return fmt.Errorf("create consumer for %s: %w", b.subject, err)
		}

		r.wg.Add(1)
		go r.consume(runCtx, consumer, b)
		r.logger.Debug("consumer started", "subject", b.subject, "durable", b.durable)
	}

	r.running = true
	r.cancel = cancel
	return nil
}

// consume fetches and handles messages for one binding until the context is
// cancelled. Delivery within a binding is sequential, preserving per-consumer
// FIFO order.
func (r *Registry) consume(ctx context.Context, consumer jetstream.Consumer, b *binding) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("fetch timeout or error", "subject", b.subject, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			b.handler(ctx, msg)
		}

		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("message fetch error", "subject", b.subject, "error", err)
		}
	}
}

// StopAll cancels all active subscriptions and waits for in-flight handlers
// to finish. Safe to call more than once.
func (r *Registry) StopAll() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

func consumerName(subject string) string {
	base := strings.NewReplacer(".", "-", "*", "any", ">", "all").Replace(subject)
	return base + "-" + uuid.NewString()[:8]
}
