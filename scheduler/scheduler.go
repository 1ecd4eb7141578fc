package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskforge/internal/kvstore"
	"github.com/c360studio/taskforge/queue"
)

const bucketSchedules = "SCHEDULES"

// Config tunes the scheduler loop, mirroring the §6.4 scheduler.* option
// group.
type Config struct {
	Tick          time.Duration
	CatchUpWindow time.Duration
}

// DefaultConfig returns spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{Tick: time.Second, CatchUpWindow: time.Hour}
}

// Enqueuer is the subset of queue.Queue the scheduler needs, so tests can
// substitute a recording fake without standing up a whole Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskRef string, input any, opts queue.EnqueueOptions) (string, error)
}

// InputRenderer renders a schedule's input_template against the current
// fire time, producing the Job input. The zero value renders nothing
// (nil input), which is sufficient for schedules with no template.
type InputRenderer func(template string, fireTime time.Time) (any, error)

// Scheduler materializes enabled Schedules into Jobs on an Enqueuer on a
// fixed tick, applying spec.md §4.4's catch-up and idempotency rules.
// Lifecycle fields (running/mu/cancel) follow the same shape as the
// teacher's processor component lifecycle, generalized from a NATS
// consumer loop to a time.Ticker loop.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	enqueuer Enqueuer
	render   InputRenderer
	bucket   jetstream.KeyValue

	mu        sync.Mutex
	schedules map[string]*Schedule
	cronCache map[string]cronSchedule

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// cronSchedule is the subset of cron.Schedule the scheduler uses.
type cronSchedule interface {
	Next(time.Time) time.Time
}

// New creates (or reattaches to) the SCHEDULES bucket and rebuilds the
// in-memory schedule map from whatever is already durable.
func New(ctx context.Context, js jetstream.JetStream, cfg Config, enqueuer Enqueuer, render InputRenderer, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if render == nil {
		render = func(string, time.Time) (any, error) { return nil, nil }
	}
	bucket, err := kvstore.GetOrCreate(ctx, js, kvstore.BucketSpec{
		Name:        bucketSchedules,
		Description: "Taskforge cron schedules",
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("get or create %s: %w", bucketSchedules, err)
	}

	s := &Scheduler{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "scheduler")),
		enqueuer:  enqueuer,
		render:    render,
		bucket:    bucket,
		schedules: make(map[string]*Schedule),
		cronCache: make(map[string]cronSchedule),
	}
	if err := s.loadFromBucket(ctx); err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	return s, nil
}

func (s *Scheduler) loadFromBucket(ctx context.Context) error {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return err
	}
	for _, key := range keys {
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			s.logger.Warn("skipping unreadable schedule", slog.String("schedule_id", key), slog.String("error", err.Error()))
			continue
		}
		var sch Schedule
		if err := json.Unmarshal(entry.Value(), &sch); err != nil {
			s.logger.Warn("skipping malformed schedule", slog.String("schedule_id", key), slog.String("error", err.Error()))
			continue
		}
		sch.rev = entry.Revision()
		cs, err := parseCron(sch.CronExpr)
		if err != nil {
			s.logger.Warn("skipping schedule with invalid cron", slog.String("schedule_id", key), slog.String("error", err.Error()))
			continue
		}
		s.schedules[sch.ID] = &sch
		s.cronCache[sch.ID] = cs
	}
	return nil
}

func (s *Scheduler) persist(ctx context.Context, sch *Schedule) error {
	data, err := json.Marshal(sch)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	var rev uint64
	if sch.rev == 0 {
		rev, err = s.bucket.Create(ctx, sch.ID, data)
	} else {
		rev, err = s.bucket.Update(ctx, sch.ID, data, sch.rev)
	}
	if err != nil {
		return fmt.Errorf("persist schedule %s: %w", sch.ID, err)
	}
	sch.rev = rev
	return nil
}

// Put creates or updates a schedule. New schedules get an id if one
// isn't supplied and their next_fire_at computed from the cron
// expression starting now.
func (s *Scheduler) Put(ctx context.Context, sch Schedule) (Schedule, error) {
	cs, err := parseCron(sch.CronExpr)
	if err != nil {
		return Schedule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.schedules[sch.ID]
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	} else if ok {
		sch.rev = existing.rev
	}

	// Resuming a paused schedule skips catch-up for the paused interval
	// (spec.md §9 Open Question, resolved in DESIGN.md): materialization
	// restarts from now rather than replaying everything missed while
	// disabled.
	resuming := ok && !existing.Enabled && sch.Enabled
	if sch.NextFireAt.IsZero() || resuming {
		sch.NextFireAt = cs.Next(time.Now())
	}

	if err := s.persist(ctx, &sch); err != nil {
		return Schedule{}, err
	}
	stored := sch
	s.schedules[sch.ID] = &stored
	s.cronCache[sch.ID] = cs
	return stored, nil
}

// Delete removes a schedule.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return ErrNotFound
	}
	if err := s.bucket.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	delete(s.schedules, id)
	delete(s.cronCache, id)
	return nil
}

// Get returns a copy of one schedule.
func (s *Scheduler) Get(id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return *sch, nil
}

// List returns copies of every configured schedule.
func (s *Scheduler) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		out = append(out, *sch)
	}
	return out
}

// Start runs the tick loop on cfg.Tick until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(runCtx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	// Run one tick immediately so catch-up fires happen without waiting
	// a full interval after Start (spec.md §4.4 "On startup...").
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop cancels the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// tick materializes every enabled, due schedule. Exported as Tick for
// tests that want deterministic control over when a tick happens.
func (s *Scheduler) tick(ctx context.Context) {
	s.Tick(ctx, time.Now())
}

// Tick runs one materialization pass as of now. It is exported so tests
// can drive the scheduler without a live ticker.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*Schedule, 0)
	for _, sch := range s.schedules {
		if sch.Enabled && !sch.NextFireAt.After(now) {
			due = append(due, sch)
		}
	}
	s.mu.Unlock()

	for _, sch := range due {
		s.materialize(ctx, sch, now)
	}
}

// materialize fires every missed interval for sch up to cfg.CatchUpWindow,
// coalescing anything older into one fire at the window floor, per
// spec.md §4.4's catch-up policy.
func (s *Scheduler) materialize(ctx context.Context, sch *Schedule, now time.Time) {
	s.mu.Lock()
	cs, ok := s.cronCache[sch.ID]
	s.mu.Unlock()
	if !ok {
		return
	}

	windowFloor := now.Add(-s.cfg.CatchUpWindow)
	var fireTimes []time.Time
	t := sch.NextFireAt
	const safetyCap = 100000
	for i := 0; i < safetyCap && !t.After(now); i++ {
		fireTimes = append(fireTimes, t)
		t = cs.Next(t)
	}
	if len(fireTimes) == 0 {
		return
	}

	var toFire []time.Time
	coalescedOld := false
	for _, ft := range fireTimes {
		if ft.Before(windowFloor) {
			coalescedOld = true
			continue
		}
		toFire = append(toFire, ft)
	}
	if coalescedOld {
		toFire = append([]time.Time{windowFloor}, toFire...)
	}

	lastFired := sch.LastMaterializedAt
	for _, ft := range toFire {
		if err := s.fireOne(ctx, sch, ft); err != nil {
			s.logger.Error("materialize schedule fire failed",
				slog.String("schedule_id", sch.ID), slog.Time("fire_time", ft), slog.String("error", err.Error()))
			continue
		}
		lastFired = ft
	}

	s.mu.Lock()
	sch.LastMaterializedAt = lastFired
	sch.NextFireAt = cs.Next(maxTime(lastFired, windowFloor))
	err := s.persist(ctx, sch)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("persist schedule after materialize failed",
			slog.String("schedule_id", sch.ID), slog.String("error", err.Error()))
	}
}

// fireOne enqueues a single job for one fire time, deduplicated by
// spec.md's idempotency key scheme (schedule_id:fire_time).
func (s *Scheduler) fireOne(ctx context.Context, sch *Schedule, fireTime time.Time) error {
	input, err := s.render(sch.InputTemplate, fireTime)
	if err != nil {
		return fmt.Errorf("render input_template: %w", err)
	}
	idempotencyKey := sch.ID + ":" + strconv.FormatInt(fireTime.Unix(), 10)
	_, err = s.enqueuer.Enqueue(ctx, sch.TaskRef, input, queue.EnqueueOptions{
		Trigger:        queue.TriggerSchedule,
		IdempotencyKey: idempotencyKey,
	})
	return err
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
