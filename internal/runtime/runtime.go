// Package runtime wires the coordination layer together: pools, consumer
// registry, dispatcher, coordinator and the optional worker and status
// server modules, running until a shutdown signal is raised.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/coord"
	"github.com/taskwire/taskwire/internal/dispatch"
	"github.com/taskwire/taskwire/internal/metrics"
	"github.com/taskwire/taskwire/internal/pool"
	"github.com/taskwire/taskwire/internal/registry"
	"github.com/taskwire/taskwire/internal/server"
	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/worker"
)

// Runtime is the process-level composition of the coordination layer.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	store    store.Store
	metrics  *metrics.Metrics
	coord    *coord.Coordinator
	disp     *dispatch.Dispatcher
	reg      *registry.Registry
	conns    *pool.Pool[*nats.Conn]
	channels *pool.Pool[*pool.Channel]
	worker   *worker.Worker
	server   *server.Server

	shutdown  chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
}

// channelPublisher publishes through a scoped channel acquisition, so
// publishing pressure is bounded by the channel pool.
type channelPublisher struct {
	channels *pool.Pool[*pool.Channel]
}

func (p *channelPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.channels.With(ctx, func(ch *pool.Channel) error {
		if _, err := ch.JS.Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		return nil
	})
}

// New builds a runtime from configuration. All shared state (task store,
// edge graph) is constructed here and injected; nothing is process-global.
func New(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var st store.Store
	switch cfg.Store.Backend {
	case "sqlite":
		sq, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		st = sq
	default:
		st = store.NewMemory()
	}

	m := metrics.New(nil)
	co := coord.New(st, logger)

	conns := pool.NewConnPool(cfg.Broker.URL, cfg.Broker.PoolSize,
		nats.Name("taskwire"), nats.MaxReconnects(-1))
	channels := pool.NewChannelPool(conns, cfg.Broker.ChannelSize)
	pub := &channelPublisher{channels: channels}

	disp := dispatch.New(st, co, pub, cfg.Subjects.Dispatch, m, logger)
	reg := registry.New(logger)

	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		metrics:  m,
		coord:    co,
		disp:     disp,
		reg:      reg,
		conns:    conns,
		channels: channels,
		shutdown: make(chan struct{}),
	}

	if cfg.HasModule("worker") {
		r.worker = worker.New(pub, cfg.Subjects.Event, nil, logger)
	}
	if cfg.HasModule("server") {
		r.server = server.New(cfg.HTTP.Port, st, co, pub, cfg.Subjects.Submit, m, logger)
		disp.Subscribe(r.server.TaskListener())
	}

	return r, nil
}

// Dispatcher exposes the dispatcher, mainly for embedding and tests.
func (r *Runtime) Dispatcher() *dispatch.Dispatcher { return r.disp }

// Start acquires a channel, registers all consumers and blocks until the
// context is cancelled or Shutdown is called. Consumers are stopped and
// in-flight messages acknowledged before it returns.
func (r *Runtime) Start(ctx context.Context) error {
	ch, err := r.channels.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire channel: %w", err)
	}
	defer r.channels.Release(ch)

	if r.cfg.HasModule("coordinator") {
		r.reg.Register(r.cfg.Subjects.Submit, r.disp.SubmitHandler())
		r.reg.Register(r.cfg.Subjects.Event, r.disp.EventHandler())
	}
	if r.worker != nil {
		r.reg.RegisterQueue(r.cfg.Subjects.Dispatch, "taskwire-workers", r.worker.TaskHandler())
	}

	streamCfg := jetstream.StreamConfig{
		Name: r.cfg.Subjects.Stream,
		Subjects: []string{
			r.cfg.Subjects.Submit,
			r.cfg.Subjects.Dispatch,
			r.cfg.Subjects.Event,
		},
	}

	if err := r.reg.StartAll(ctx, ch, streamCfg); err != nil {
		return err
	}
	defer r.reg.StopAll()

	var mods []Module
	if r.server != nil {
		mods = append(mods, r.server)
	}

	var wg sync.WaitGroup
	for _, m := range mods {
		wg.Add(1)
		go func(m Module) {
			defer wg.Done()
			if err := m.Start(ctx); err != nil {
				r.logger.Error("module stopped with error", "error", err)
			}
		}(m)
	}

	r.logger.Info("taskwire started",
		"modules", r.cfg.Modules,
		"stream", r.cfg.Subjects.Stream,
		"broker", r.cfg.Broker.URL)

	select {
	case <-ctx.Done():
	case <-r.shutdown:
	}

	r.logger.Info("shutting down")
	wg.Wait()
	return nil
}

// Shutdown requests a cooperative stop of a running Start call.
func (r *Runtime) Shutdown() {
	r.stopOnce.Do(func() { close(r.shutdown) })
}

// Run drives Start to completion, turning interrupt signals into graceful
// shutdown and releasing all resources on exit.
func (r *Runtime) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer r.Close()

	return r.Start(ctx)
}

// Close releases the broker pools and the task store. Safe to call more
// than once.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.channels.Close()
		r.conns.Close()
		if err := r.store.Close(); err != nil {
			r.logger.Warn("failed to close task store", "error", err)
		}
	})
}
