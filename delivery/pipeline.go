package delivery

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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/taskforge/internal/kvstore"
	"github.com/c360studio/taskforge/store"
)

const (
	bucketSinks    = "SINKS"
	bucketAttempts = "DELIVERY_ATTEMPTS"
)

// DispatchConfig tunes the pipeline's dispatch concurrency (spec.md §6.4
// delivery.* option group).
type DispatchConfig struct {
	WorkerCount             int
	DefaultRetryMaxAttempts int
}

// DefaultConfig returns spec.md's stated defaults.
func DefaultConfig() DispatchConfig {
	return DispatchConfig{WorkerCount: 4, DefaultRetryMaxAttempts: 5}
}

// Metrics holds the Prometheus instruments the pipeline updates.
type Metrics struct {
	Delivered prometheus.Counter
	Failed    *prometheus.CounterVec
}

// NewMetrics builds a Metrics set registered against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskforge", Subsystem: "delivery", Name: "delivered_total",
			Help: "Total delivery attempts that succeeded.",
		}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge", Subsystem: "delivery", Name: "failed_total",
			Help: "Total delivery attempts that failed, by terminal outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.Delivered, m.Failed)
	return m
}

// ExecutionGetter loads the execution row a delivery attempt targets.
// Satisfied by *store.Store.Get; kept as a function type so the pipeline
// only depends on this one read path, not store's full surface.
type ExecutionGetter func(ctx context.Context, id string) (*store.Execution, error)

// Pipeline fans out completed Executions to configured sinks and drives
// each DeliveryAttempt's independent retry state machine (spec.md §4.6).
// Lifecycle fields follow the same running/mu/cancel shape as every
// other long-lived subsystem in this repository (executor.Pool,
// scheduler.Scheduler), generalized from the teacher's NATS-consumer
// loop to a polling worker pool over the DELIVERY_ATTEMPTS bucket.
type Pipeline struct {
	cfg      DispatchConfig
	logger   *slog.Logger
	js       jetstream.JetStream
	sinks    jetstream.KeyValue
	attempts jetstream.KeyValue
	metrics  *Metrics
	getter   ExecutionGetter

	mu          sync.Mutex
	sinkConfigs map[string]Config
	liveSinks   map[string]Sink

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type sinkRecord struct {
	Config Config
}

// New creates (or reattaches to) the SINKS and DELIVERY_ATTEMPTS buckets.
func New(ctx context.Context, js jetstream.JetStream, cfg DispatchConfig, metrics *Metrics, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	sinks, err := kvstore.GetOrCreate(ctx, js, kvstore.BucketSpec{Name: bucketSinks, Description: "Taskforge delivery sinks", History: 5})
	if err != nil {
		return nil, fmt.Errorf("get or create %s: %w", bucketSinks, err)
	}
	attempts, err := kvstore.GetOrCreate(ctx, js, kvstore.BucketSpec{Name: bucketAttempts, Description: "Taskforge delivery attempts", History: 3})
	if err != nil {
		return nil, fmt.Errorf("get or create %s: %w", bucketAttempts, err)
	}

	p := &Pipeline{
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "delivery")),
		js:          js,
		sinks:       sinks,
		attempts:    attempts,
		metrics:     metrics,
		sinkConfigs: make(map[string]Config),
		liveSinks:   make(map[string]Sink),
	}
	if err := p.loadSinks(ctx); err != nil {
		return nil, fmt.Errorf("load sinks: %w", err)
	}
	return p, nil
}

// SetExecutionGetter wires the pipeline to the Execution Store so
// dispatch workers can load the row a pending attempt targets. Must be
// called before Start.
func (p *Pipeline) SetExecutionGetter(g ExecutionGetter) {
	p.getter = g
}

func (p *Pipeline) loadSinks(ctx context.Context) error {
	keys, err := p.sinks.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return err
	}
	for _, key := range keys {
		entry, err := p.sinks.Get(ctx, key)
		if err != nil {
			continue
		}
		var sc sinkRecord
		if err := json.Unmarshal(entry.Value(), &sc); err != nil {
			p.logger.Warn("skipping malformed sink", slog.String("sink_id", key), slog.String("error", err.Error()))
			continue
		}
		if err := p.instantiate(ctx, sc.Config); err != nil {
			p.logger.Warn("skipping sink that failed to instantiate", slog.String("sink_id", key), slog.String("error", err.Error()))
			continue
		}
		p.sinkConfigs[sc.Config.ID] = sc.Config
	}
	return nil
}

func (p *Pipeline) instantiate(ctx context.Context, cfg Config) error {
	switch cfg.Kind {
	case SinkKindFile:
		if cfg.File == nil {
			return errors.New("file sink requires file params")
		}
		p.liveSinks[cfg.ID] = newFileSink(cfg.ID, *cfg.File)
	case SinkKindWebhook:
		if cfg.Webhook == nil {
			return errors.New("webhook sink requires webhook params")
		}
		p.liveSinks[cfg.ID] = newWebhookSink(cfg.ID, *cfg.Webhook)
	case SinkKindDatabase:
		if cfg.Database == nil {
			return errors.New("database sink requires database params")
		}
		s, err := newDatabaseSink(ctx, p.js, cfg.ID, *cfg.Database)
		if err != nil {
			return err
		}
		p.liveSinks[cfg.ID] = s
	default:
		return fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
	return nil
}

// PutSink registers or updates a sink.
func (p *Pipeline) PutSink(ctx context.Context, cfg Config) (Config, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = p.cfg.DefaultRetryMaxAttempts
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = 30 * time.Second
	}
	if cfg.Retry.Max <= 0 {
		cfg.Retry.Max = time.Hour
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.instantiate(ctx, cfg); err != nil {
		return Config{}, fmt.Errorf("instantiate sink: %w", err)
	}

	data, err := json.Marshal(sinkRecord{Config: cfg})
	if err != nil {
		return Config{}, fmt.Errorf("marshal sink: %w", err)
	}
	if _, err := p.sinks.Put(ctx, cfg.ID, data); err != nil {
		return Config{}, fmt.Errorf("persist sink: %w", err)
	}
	p.sinkConfigs[cfg.ID] = cfg
	return cfg, nil
}

// DeleteSink removes a registered sink.
func (p *Pipeline) DeleteSink(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sinkConfigs[id]; !ok {
		return errors.New("delivery: sink not found")
	}
	if err := p.sinks.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete sink %s: %w", id, err)
	}
	delete(p.sinkConfigs, id)
	delete(p.liveSinks, id)
	return nil
}

// ListSinks returns every registered sink's configuration.
func (p *Pipeline) ListSinks() []Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Config, 0, len(p.sinkConfigs))
	for _, c := range p.sinkConfigs {
		out = append(out, c)
	}
	return out
}

// EnumerateAndAttempt creates one pending DeliveryAttempt per enabled
// sink whose filter matches e (spec.md §4.6 "Flow per execution" steps
// 1-2), called by the coordinator when an execution reaches a terminal
// state.
func (p *Pipeline) EnumerateAndAttempt(ctx context.Context, e *store.Execution) error {
	p.mu.Lock()
	matching := make([]Config, 0)
	for _, c := range p.sinkConfigs {
		if c.Enabled && c.Filter.Matches(e) {
			matching = append(matching, c)
		}
	}
	p.mu.Unlock()

	for _, c := range matching {
		a := &Attempt{
			ID:          uuid.NewString(),
			ExecutionID: e.ID,
			SinkID:      c.ID,
			Attempt:     0,
			State:       AttemptPending,
			CreatedAt:   time.Now(),
		}
		if err := p.persistAttempt(ctx, a); err != nil {
			return fmt.Errorf("create delivery attempt for sink %s: %w", c.ID, err)
		}
	}
	return nil
}

func (p *Pipeline) persistAttempt(ctx context.Context, a *Attempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	var rev uint64
	if a.rev == 0 {
		rev, err = p.attempts.Create(ctx, a.ID, data)
	} else {
		rev, err = p.attempts.Update(ctx, a.ID, data, a.rev)
	}
	if err != nil {
		return err
	}
	a.rev = rev
	return nil
}

// ListAttempts returns every attempt recorded for an execution, in
// creation order (spec.md §4.6 "Ordering").
func (p *Pipeline) ListAttempts(ctx context.Context, executionID string) ([]*Attempt, error) {
	keys, err := p.attempts.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list attempt keys: %w", err)
	}
	var out []*Attempt
	for _, key := range keys {
		entry, err := p.attempts.Get(ctx, key)
		if err != nil {
			continue
		}
		var a Attempt
		if err := json.Unmarshal(entry.Value(), &a); err != nil {
			continue
		}
		if a.ExecutionID != executionID {
			continue
		}
		a.rev = entry.Revision()
		out = append(out, &a)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// Start launches cfg.WorkerCount dispatch workers that poll for pending
// or retry-ready attempts and execute them.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("delivery: pipeline already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.dispatchLoop(runCtx)
	}
	return nil
}

// Stop cancels all dispatch workers and waits for them to exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Pipeline) dispatchLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.dispatchOneReady(ctx)
		}
	}
}

// dispatchOneReady finds and executes at most one ready attempt per
// call, a simple scan that is fine at this system's single-coordinator
// scale (§5), mirroring queue.Queue.Claim's same tradeoff.
func (p *Pipeline) dispatchOneReady(ctx context.Context) {
	keys, err := p.attempts.Keys(ctx)
	if err != nil {
		return
	}
	now := time.Now()
	for _, key := range keys {
		entry, err := p.attempts.Get(ctx, key)
		if err != nil {
			continue
		}
		var a Attempt
		if err := json.Unmarshal(entry.Value(), &a); err != nil {
			continue
		}
		ready := a.State == AttemptPending || (a.State == AttemptFailedRetryable && !a.NextRetryAt.After(now))
		if !ready {
			continue
		}
		a.rev = entry.Revision()
		p.execute(ctx, &a)
		return
	}
}

func (p *Pipeline) execute(ctx context.Context, a *Attempt) {
	p.mu.Lock()
	sink, okSink := p.liveSinks[a.SinkID]
	cfg, okCfg := p.sinkConfigs[a.SinkID]
	p.mu.Unlock()
	if !okSink || !okCfg {
		return
	}

	a.State = AttemptInFlight
	if err := p.persistAttempt(ctx, a); err != nil {
		p.logger.Warn("mark attempt in_flight failed", slog.String("attempt_id", a.ID), slog.String("error", err.Error()))
		return
	}

	if p.getter == nil {
		p.logger.Error("delivery pipeline has no execution getter wired")
		return
	}
	e, err := p.getter(ctx, a.ExecutionID)
	if err != nil {
		p.finishAttempt(ctx, a, cfg, fmt.Errorf("load execution %s: %w", a.ExecutionID, err))
		return
	}

	deliverErr := sink.Deliver(ctx, e)
	p.finishAttempt(ctx, a, cfg, deliverErr)
}

func (p *Pipeline) finishAttempt(ctx context.Context, a *Attempt, cfg Config, err error) {
	if err == nil {
		a.State = AttemptDelivered
		a.LastError = ""
		if p.metrics != nil {
			p.metrics.Delivered.Inc()
		}
		if persistErr := p.persistAttempt(ctx, a); persistErr != nil {
			p.logger.Warn("persist delivered attempt failed", slog.String("attempt_id", a.ID), slog.String("error", persistErr.Error()))
		}
		return
	}

	a.Attempt++
	a.LastError = err.Error()
	maxAttempts := cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.DefaultRetryMaxAttempts
	}

	if errors.Is(err, ErrDeliveryDead) || a.Attempt >= maxAttempts {
		a.State = AttemptFailedDead
		if p.metrics != nil {
			p.metrics.Failed.WithLabelValues("dead").Inc()
		}
	} else {
		a.State = AttemptFailedRetryable
		a.NextRetryAt = time.Now().Add(delayForAttempt(cfg.Retry, a.Attempt))
		if p.metrics != nil {
			p.metrics.Failed.WithLabelValues("retryable").Inc()
		}
	}
	if persistErr := p.persistAttempt(ctx, a); persistErr != nil {
		p.logger.Warn("persist failed attempt failed", slog.String("attempt_id", a.ID), slog.String("error", persistErr.Error()))
	}
}
