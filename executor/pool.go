package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config bounds and tunes the worker pool, mirroring the §6.4
// executor.* option group.
type Config struct {
	WorkerBinary      string
	MinWorkers        int
	MaxWorkers        int
	MaxRequests       int
	MaxAge            time.Duration
	WallTimeout       time.Duration
	MemoryLimitBytes  int64
	OutputLimitBytes  int64
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	CancelGrace       time.Duration
}

// Metrics holds the Prometheus instruments the pool updates, registered
// by the caller (typically the coordinator) so one registry can be
// shared across subsystems.
type Metrics struct {
	WorkersLive      prometheus.Gauge
	Dispatched       prometheus.Counter
	Crashed          prometheus.Counter
	ResourceExceeded *prometheus.CounterVec
}

// NewMetrics builds a Metrics set registered against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskforge", Subsystem: "executor", Name: "workers_live",
			Help: "Number of live worker subprocesses.",
		}),
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskforge", Subsystem: "executor", Name: "dispatched_total",
			Help: "Total executions dispatched to a worker.",
		}),
		Crashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskforge", Subsystem: "executor", Name: "worker_crashes_total",
			Help: "Total worker crashes observed during dispatch.",
		}),
		ResourceExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge", Subsystem: "executor", Name: "resource_exceeded_total",
			Help: "Total dispatches killed for breaching a resource cap, by dimension.",
		}, []string{"dimension"}),
	}
	reg.MustRegister(m.WorkersLive, m.Dispatched, m.Crashed, m.ResourceExceeded)
	return m
}

// Pool manages a set of worker subprocesses: spawning up to MaxWorkers,
// retiring workers past MaxRequests/MaxAge, pre-spawning a replacement
// before retiring the old one, and recovering from crashes.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	health  *WorkerHealth
	metrics *Metrics

	mu       sync.Mutex
	workers  map[string]*worker // id -> worker
	free     chan *worker
	inFlight map[string]*worker // execution id -> worker currently serving it
	nextSlot int
	running  bool

	shutdownCtx context.Context
	shutdown    context.CancelFunc
}

// New constructs a Pool from cfg. Start must be called before Dispatch.
func New(cfg Config, logger *slog.Logger, metrics *Metrics) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "executor")),
		health:      NewWorkerHealth(DefaultHealthConfig()),
		metrics:     metrics,
		workers:     make(map[string]*worker),
		free:        make(chan *worker, cfg.MaxWorkers),
		inFlight:    make(map[string]*worker),
		shutdownCtx: ctx,
		shutdown:    cancel,
	}
}

// Start spawns MinWorkers workers and begins background retirement and
// heartbeat supervision.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	for i := 0; i < p.cfg.MinWorkers; i++ {
		if _, err := p.spawnAndRegister(ctx); err != nil {
			p.logger.Warn("initial worker spawn failed", slog.String("error", err.Error()))
			continue
		}
	}

	go p.heartbeatLoop()
	return nil
}

func (p *Pool) limiter() *resourceLimiter {
	return newResourceLimiter(p.cfg.MemoryLimitBytes, 0)
}

func (p *Pool) spawnAndRegister(ctx context.Context) (*worker, error) {
	p.mu.Lock()
	if len(p.workers) >= p.cfg.MaxWorkers {
		p.mu.Unlock()
		return nil, ErrPoolSaturated
	}
	slot := p.nextSlot
	p.nextSlot++
	p.mu.Unlock()

	if !p.health.Available(slot) {
		return nil, fmt.Errorf("executor: slot %d in recovery backoff", slot)
	}

	w, err := spawnWorker(ctx, p.logger, p.cfg.WorkerBinary, slot, p.cfg.HandshakeTimeout, p.limiter())
	if err != nil {
		p.health.MarkCrashed(slot)
		return nil, err
	}
	p.health.MarkSpawned(slot)

	p.mu.Lock()
	p.workers[w.id] = w
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.WorkersLive.Inc()
	}

	p.free <- w
	return w, nil
}

func (p *Pool) retire(w *worker) {
	p.mu.Lock()
	delete(p.workers, w.id)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.WorkersLive.Dec()
	}
	w.setState(StateDraining)
	w.kill()
}

// needsRetirement reports whether w has served enough requests or lived
// long enough that it should be replaced rather than returned to the
// free list.
func (p *Pool) needsRetirement(w *worker) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p.cfg.MaxRequests > 0 && w.requestsServed >= p.cfg.MaxRequests {
		return true
	}
	if p.cfg.MaxAge > 0 && time.Since(w.spawnedAt) >= p.cfg.MaxAge {
		return true
	}
	return false
}

// Dispatch runs req on a free worker, registering executionID so Cancel
// can find it. It blocks for a free worker up to ctx's deadline; if the
// pool is already saturated and nothing frees up it returns
// ErrPoolSaturated so callers can shed load per §5.
func (p *Pool) Dispatch(ctx context.Context, executionID string, req Request) (Outcome, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return Outcome{}, ErrPoolClosed
	}
	p.mu.Unlock()

	if req.Limits.Wall == 0 {
		req.Limits.Wall = p.cfg.WallTimeout
	}
	if req.Limits.MemBytes == 0 {
		req.Limits.MemBytes = p.cfg.MemoryLimitBytes
	}
	if req.Limits.OutBytes == 0 {
		req.Limits.OutBytes = p.cfg.OutputLimitBytes
	}

	w, err := p.acquire(ctx)
	if err != nil {
		return Outcome{}, err
	}

	p.mu.Lock()
	p.inFlight[executionID] = w
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.Dispatched.Inc()
	}

	outcome := w.dispatch(ctx, req)

	p.mu.Lock()
	delete(p.inFlight, executionID)
	p.mu.Unlock()

	p.recordOutcomeMetrics(outcome)
	p.returnOrRetire(ctx, w)
	return outcome, nil
}

func (p *Pool) recordOutcomeMetrics(outcome Outcome) {
	if p.metrics == nil {
		return
	}
	var crashed *WorkerCrashed
	var exceeded *ResourceExceeded
	switch {
	case asError(outcome.Err, &crashed):
		p.metrics.Crashed.Inc()
	case asError(outcome.Err, &exceeded):
		p.metrics.ResourceExceeded.WithLabelValues(string(exceeded.Dimension)).Inc()
	}
}

func asError[T error](err error, target *T) bool {
	if err == nil {
		return false
	}
	if v, ok := err.(T); ok {
		*target = v
		return true
	}
	return false
}

// returnOrRetire puts w back on the free list, unless it crashed (state
// is already StateExited) or has served past its retirement threshold,
// in which case a replacement is pre-spawned before w is retired so the
// next dispatch never pays cold-start latency.
func (p *Pool) returnOrRetire(ctx context.Context, w *worker) {
	if w.State() == StateExited {
		p.retire(w)
		p.mu.Lock()
		below := len(p.workers) < p.cfg.MinWorkers
		p.mu.Unlock()
		if below {
			go func() {
				if _, err := p.spawnAndRegister(p.shutdownCtx); err != nil {
					p.logger.Warn("replacement spawn failed", slog.String("error", err.Error()))
				}
			}()
		}
		return
	}

	if p.needsRetirement(w) {
		go func() {
			if _, err := p.spawnAndRegister(ctx); err != nil {
				p.logger.Warn("pre-spawn replacement failed", slog.String("error", err.Error()))
			}
			p.retire(w)
		}()
		return
	}

	p.free <- w
}

// acquire waits for a free worker, spawning a new one immediately if the
// pool has not reached MaxWorkers and none is idle.
func (p *Pool) acquire(ctx context.Context) (*worker, error) {
	select {
	case w := <-p.free:
		if w.State() == StateExited {
			return p.acquire(ctx)
		}
		return w, nil
	default:
	}

	p.mu.Lock()
	underMax := len(p.workers) < p.cfg.MaxWorkers
	p.mu.Unlock()
	if underMax {
		if w, err := p.spawnAndRegister(ctx); err == nil {
			select {
			case got := <-p.free:
				if got.id == w.id {
					return got, nil
				}
				// Another caller grabbed ours; put it back and keep waiting.
				p.free <- got
			default:
			}
		}
	}

	select {
	case w := <-p.free:
		if w.State() == StateExited {
			return p.acquire(ctx)
		}
		return w, nil
	case <-ctx.Done():
		if !underMax {
			return nil, ErrPoolSaturated
		}
		return nil, ctx.Err()
	case <-p.shutdownCtx.Done():
		return nil, ErrPoolClosed
	}
}

// Cancel asks the worker serving executionID to abort, killing it if it
// does not reply within CancelGrace.
func (p *Pool) Cancel(executionID string) error {
	p.mu.Lock()
	w, ok := p.inFlight[executionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("executor: no in-flight execution %s", executionID)
	}

	corrID := w.currentCorrelationID()
	if corrID == 0 {
		return nil
	}
	w.cancel(corrID, p.cfg.CancelGrace)
	if w.State() != StateIdle {
		w.kill()
	}
	return nil
}

// heartbeatLoop retires any worker silent for 3x the configured
// heartbeat interval (spec.md §4.2 "Heartbeat" liveness rule).
func (p *Pool) heartbeatLoop() {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdownCtx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			stale := make([]*worker, 0)
			for _, w := range p.workers {
				w.mu.Lock()
				silent := time.Since(w.lastHeartbeat)
				busy := w.state == StateBusy
				w.mu.Unlock()
				if !busy && silent > 3*interval {
					stale = append(stale, w)
				}
			}
			p.mu.Unlock()
			for _, w := range stale {
				p.logger.Warn("worker heartbeat silent, retiring", slog.String("worker_id", w.id))
				p.retire(w)
			}
		}
	}
}

// Shutdown stops accepting new dispatches and kills every worker at once;
// it does not wait for in-flight dispatches to finish first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.running = false
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	p.shutdown()

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.kill()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LiveWorkers reports the number of worker slots currently tracked,
// for tests and health sampling.
func (p *Pool) LiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
