package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/taskforge/delivery"
	"github.com/c360studio/taskforge/executor"
	"github.com/c360studio/taskforge/queue"
	"github.com/c360studio/taskforge/registry"
	"github.com/c360studio/taskforge/scheduler"
	"github.com/c360studio/taskforge/store"
)

// Config tunes the coordinator's own dispatch loop; every subsystem it
// wires keeps its own §6.4 option group.
type Config struct {
	// ClaimBatchSize bounds how many jobs one claim pass pulls off the
	// queue at a time.
	ClaimBatchSize int
	// ClaimLease is the lease duration given to jobs this coordinator claims.
	ClaimLease time.Duration
	// DispatchPollInterval is how often the claim loop runs.
	DispatchPollInterval time.Duration
	// ReapInterval is how often expired claims are returned to queued.
	ReapInterval time.Duration
	// ShutdownDrain bounds how long Stop waits for in-flight executions
	// before forcing cancellation and releasing remaining claims.
	ShutdownDrain time.Duration
}

// DefaultConfig returns sensible defaults for the dispatch loop.
func DefaultConfig() Config {
	return Config{
		ClaimBatchSize:       8,
		ClaimLease:           30 * time.Second,
		DispatchPollInterval: 100 * time.Millisecond,
		ReapInterval:         5 * time.Second,
		ShutdownDrain:        10 * time.Second,
	}
}

// Coordinator is the single top-level value owning every subsystem
// (spec.md §9 "Global state ... is owned by a single Coordinator value
// initialized once at startup and shut down explicitly in reverse
// dependency order: delivery → scheduler → executor → queue → registry
// → storage"). Lifecycle fields follow the same running/mu/cancel shape
// every other long-lived component in this repository uses.
type Coordinator struct {
	cfg      Config
	logger   *slog.Logger
	workerID string

	registry *registry.Registry
	pool     *executor.Pool
	queue    *queue.Queue
	sched    *scheduler.Scheduler
	store    *store.Store
	delivery *delivery.Pipeline

	mu          sync.Mutex
	running     bool
	claimCancel context.CancelFunc
	workCtx     context.Context
	workCancel  context.CancelFunc
	wg          sync.WaitGroup
	sem         chan struct{}

	inFlightMu sync.Mutex
	inFlight   map[string]string // job id -> execution id, for cancel/shutdown
}

// New wires the already-constructed subsystems into a Coordinator. Each
// subsystem is expected to have been built with its own New (registry,
// executor.Pool, queue.Queue, scheduler.Scheduler, store.Store,
// delivery.Pipeline) against a shared jetstream.JetStream handle; this
// keeps the coordinator itself free of any storage concern.
func New(logger *slog.Logger, reg *registry.Registry, pool *executor.Pool, q *queue.Queue, sched *scheduler.Scheduler, st *store.Store, pipeline *delivery.Pipeline, cfg Config) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClaimBatchSize < 1 {
		cfg.ClaimBatchSize = 1
	}
	c := &Coordinator{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "coordinator")),
		workerID: "coordinator-" + uuid.NewString(),
		registry: reg,
		pool:     pool,
		queue:    q,
		sched:    sched,
		store:    st,
		delivery: pipeline,
		inFlight: make(map[string]string),
	}
	pipeline.SetExecutionGetter(st.Get)
	return c
}

// Start launches the executor pool, scheduler, delivery pipeline, and
// the coordinator's own claim/dispatch and claim-reaper loops, in that
// dependency order (the reverse of Stop's shutdown order).
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: already running")
	}
	claimCtx, claimCancel := context.WithCancel(ctx)
	workCtx, workCancel := context.WithCancel(context.Background())
	c.running = true
	c.claimCancel = claimCancel
	c.workCtx = workCtx
	c.workCancel = workCancel
	c.sem = make(chan struct{}, c.maxConcurrency())
	c.mu.Unlock()

	if err := c.pool.Start(ctx); err != nil {
		return fmt.Errorf("start executor pool: %w", err)
	}
	if err := c.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := c.delivery.Start(ctx); err != nil {
		return fmt.Errorf("start delivery pipeline: %w", err)
	}

	c.wg.Add(2)
	go c.dispatchLoop(claimCtx)
	go c.reapLoop(claimCtx)
	return nil
}

func (c *Coordinator) maxConcurrency() int {
	n := c.cfg.ClaimBatchSize * 4
	if n < 1 {
		n = 1
	}
	return n
}

// Stop drains the coordinator in spec.md §9's reverse-dependency order:
// stop claiming new jobs, wait up to ShutdownDrain for in-flight
// executions to finish, release whatever is still claimed, then shut
// delivery → scheduler → executor down.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	claimCancel := c.claimCancel
	workCancel := c.workCancel
	c.mu.Unlock()

	claimCancel() // stop accepting new claims

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(c.cfg.ShutdownDrain):
		c.logger.Warn("shutdown drain timed out, forcing in-flight executions to cancel")
		workCancel()
		<-drained
	}

	c.releaseRemainingClaims(ctx)

	c.delivery.Stop()
	c.sched.Stop()
	return c.pool.Shutdown(ctx)
}

func (c *Coordinator) releaseRemainingClaims(ctx context.Context) {
	c.inFlightMu.Lock()
	jobIDs := make([]string, 0, len(c.inFlight))
	for jobID := range c.inFlight {
		jobIDs = append(jobIDs, jobID)
	}
	c.inFlightMu.Unlock()

	for _, jobID := range jobIDs {
		if err := c.queue.Release(ctx, jobID); err != nil {
			c.logger.Warn("release claimed job on shutdown failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
	}
}

func (c *Coordinator) reapLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.queue.ReapExpiredClaims(ctx); err != nil {
				c.logger.Warn("reap expired claims failed", slog.String("error", err.Error()))
			} else if n > 0 {
				c.logger.Info("reaped expired claims", slog.Int("count", n))
			}
		}
	}
}
