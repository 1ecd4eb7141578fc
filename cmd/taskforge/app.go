package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/taskforge/config"
	"github.com/c360studio/taskforge/coordinator"
	"github.com/c360studio/taskforge/delivery"
	"github.com/c360studio/taskforge/executor"
	"github.com/c360studio/taskforge/queue"
	"github.com/c360studio/taskforge/registry"
	"github.com/c360studio/taskforge/scheduler"
	"github.com/c360studio/taskforge/store"
)

// App wires together every taskforge subsystem behind one Coordinator,
// following the same single-struct-of-components shape as the teacher's
// own App: NATS connection, then each subsystem built against it in
// dependency order.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	registry *registry.Registry
	pool     *executor.Pool
	queue    *queue.Queue
	sched    *scheduler.Scheduler
	store    *store.Store
	delivery *delivery.Pipeline

	Coordinator *coordinator.Coordinator
}

// NewApp constructs an App over cfg without starting anything.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start brings up NATS, every subsystem, and finally the Coordinator, in
// that dependency order (the reverse of Shutdown's).
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	sources, err := a.buildSources()
	if err != nil {
		return fmt.Errorf("build registry sources: %w", err)
	}
	a.registry = registry.New(a.logger, sources)
	if err := a.registry.Refresh(ctx); err != nil {
		return fmt.Errorf("initial registry refresh: %w", err)
	}

	reg := prometheus.DefaultRegisterer

	a.queue, err = queue.New(ctx, a.js, queueConfig(a.cfg.Queue), a.logger)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	a.store, err = store.New(ctx, a.js, store.DefaultRetentionConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("init execution store: %w", err)
	}

	a.sched, err = scheduler.New(ctx, a.js, schedulerConfig(a.cfg.Scheduler), a.queue, renderJSONTemplate, a.logger)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	deliveryMetrics := delivery.NewMetrics(reg)
	a.delivery, err = delivery.New(ctx, a.js, deliveryConfig(a.cfg.Delivery), deliveryMetrics, a.logger)
	if err != nil {
		return fmt.Errorf("init delivery pipeline: %w", err)
	}

	execMetrics := executor.NewMetrics(reg)
	a.pool = executor.New(executorConfig(a.cfg.Executor), a.logger, execMetrics)

	a.Coordinator = coordinator.New(a.logger, a.registry, a.pool, a.queue, a.sched, a.store, a.delivery, coordinator.DefaultConfig())
	if err := a.Coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	a.logger.Info("taskforge started", slog.Int("tasks_registered", len(a.registry.List(registry.ListFilter{}))))
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("connecting to external NATS", slog.String("url", a.cfg.NATS.URL))
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("starting embedded NATS server")
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// buildSources turns the configured registry.source entries into
// concrete registry.Source values, one constructor per kind.
func (a *App) buildSources() ([]registry.Source, error) {
	sources := make([]registry.Source, 0, len(a.cfg.Registry.Sources))
	for i, src := range a.cfg.Registry.Sources {
		switch src.Kind {
		case "local":
			sources = append(sources, registry.NewLocalSource(src.ID, src.Path, src.Priority, i, a.logger))
		case "vcs":
			s, err := registry.NewVCSSource(src.ID, src.URL, src.Ref, src.Subdir, src.Path, src.Priority, i)
			if err != nil {
				return nil, fmt.Errorf("source[%d] %s: %w", i, src.ID, err)
			}
			sources = append(sources, s)
		case "http":
			s, err := registry.NewHTTPSource(src.ID, src.URL, src.BlobURLTmpl, src.Priority, i)
			if err != nil {
				return nil, fmt.Errorf("source[%d] %s: %w", i, src.ID, err)
			}
			sources = append(sources, s)
		default:
			return nil, fmt.Errorf("source[%d]: unknown kind %q", i, src.Kind)
		}
	}
	return sources, nil
}

// renderJSONTemplate is the scheduler.InputRenderer this binary wires:
// a schedule's input_template is a JSON object literal, rendered
// verbatim (spec.md §4.4 leaves the template grammar to the
// implementation; a fire-time-independent JSON literal covers every
// seed scenario without inventing an expression language).
func renderJSONTemplate(tmpl string, fireTime time.Time) (any, error) {
	if tmpl == "" {
		return map[string]any{}, nil
	}
	var out any
	if err := json.Unmarshal([]byte(tmpl), &out); err != nil {
		return nil, fmt.Errorf("render input_template: %w", err)
	}
	return out, nil
}

// Shutdown stops the Coordinator (which itself stops delivery →
// scheduler → executor, in that order), then tears down
// the NATS connection and, if embedded, the server carrying it.
func (a *App) Shutdown(ctx context.Context) {
	a.logger.Info("shutting down")

	if a.Coordinator != nil {
		if err := a.Coordinator.Stop(ctx); err != nil {
			a.logger.Warn("coordinator stop failed", slog.String("error", err.Error()))
		}
	}

	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("shutdown complete")
}

func queueConfig(c config.QueueConfig) queue.Config {
	return queue.Config{
		BackpressureHighWatermark: c.BackpressureHighWatermark,
		Backoff:                   queue.BackoffConfig{Base: c.BackoffBase, Max: c.BackoffMax},
		DefaultMaxAttempts:        c.DefaultMaxAttempts,
		DefaultClaimLease:         c.DefaultClaimLease,
	}
}

func schedulerConfig(c config.SchedulerConfig) scheduler.Config {
	return scheduler.Config{Tick: c.Tick, CatchUpWindow: c.CatchUpWindow}
}

func deliveryConfig(c config.DeliveryConfig) delivery.DispatchConfig {
	return delivery.DispatchConfig{WorkerCount: c.WorkerCount, DefaultRetryMaxAttempts: c.DefaultRetryMaxAttempts}
}

func executorConfig(c config.ExecutorConfig) executor.Config {
	return executor.Config{
		WorkerBinary:      c.WorkerBinary,
		MinWorkers:        c.MinWorkers,
		MaxWorkers:        c.MaxWorkers,
		MaxRequests:       c.MaxRequests,
		MaxAge:            c.MaxAge,
		WallTimeout:       c.WallTimeout,
		MemoryLimitBytes:  c.MemoryLimitBytes,
		OutputLimitBytes:  c.OutputLimitBytes,
		HandshakeTimeout:  c.HandshakeTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		CancelGrace:       c.CancelGrace,
	}
}
