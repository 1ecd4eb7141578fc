package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskforge/internal/kvstore"
)

const (
	streamName  = "JOBS"
	indexBucket = "JOBS_INDEX"
)

// Config tunes queue behavior per spec.md §6.4's queue.* options.
type Config struct {
	BackpressureHighWatermark int
	Backoff                   BackoffConfig
	DefaultMaxAttempts        int
	DefaultClaimLease         time.Duration
}

// DefaultConfig returns spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		BackpressureHighWatermark: 10000,
		Backoff:                   DefaultBackoffConfig(),
		DefaultMaxAttempts:        5,
		DefaultClaimLease:         30 * time.Second,
	}
}

// Queue is a durable FIFO-with-priority job queue backed by a JetStream
// KV bucket (the queryable index and source of truth) and a JetStream
// stream (an append-only transition journal for audit/replay), following
// the teacher's getOrCreateBucket idiom generalized to need an ordered
// in-memory index on top of the KV for claim's priority scan.
type Queue struct {
	cfg    Config
	logger *slog.Logger
	js     jetstream.JetStream
	index  jetstream.KeyValue
	stream jetstream.Stream

	mu            sync.Mutex
	jobs          map[string]*Job
	pending       jobHeap
	byIdempotency map[string]string
}

// New creates (or reattaches to) the JOBS stream and JOBS_INDEX bucket
// and rebuilds the in-memory priority index from whatever is already
// durable, so a restarted Queue recovers in-flight and queued jobs.
func New(ctx context.Context, js jetstream.JetStream, cfg Config, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	index, err := kvstore.GetOrCreate(ctx, js, kvstore.BucketSpec{
		Name:        indexBucket,
		Description: "Taskforge job queue index",
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("get or create %s: %w", indexBucket, err)
	}

	stream, err := ensureStream(ctx, js, streamName, []string{"jobs.>"})
	if err != nil {
		return nil, fmt.Errorf("ensure %s stream: %w", streamName, err)
	}

	q := &Queue{
		cfg:           cfg,
		logger:        logger.With(slog.String("component", "queue")),
		js:            js,
		index:         index,
		stream:        stream,
		jobs:          make(map[string]*Job),
		byIdempotency: make(map[string]string),
	}
	if err := q.loadFromIndex(ctx); err != nil {
		return nil, fmt.Errorf("load job index: %w", err)
	}
	return q, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, name string, subjects []string) (jetstream.Stream, error) {
	s, err := js.Stream(ctx, name)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, err
	}
	return js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
	})
}

func (q *Queue) loadFromIndex(ctx context.Context) error {
	keys, err := q.index.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return err
	}

	for _, key := range keys {
		entry, err := q.index.Get(ctx, key)
		if err != nil {
			q.logger.Warn("skipping unreadable job entry", slog.String("job_id", key), slog.String("error", err.Error()))
			continue
		}
		var j Job
		if err := json.Unmarshal(entry.Value(), &j); err != nil {
			q.logger.Warn("skipping malformed job entry", slog.String("job_id", key), slog.String("error", err.Error()))
			continue
		}
		j.rev = entry.Revision()
		q.jobs[j.ID] = &j
		if j.State == StateQueued {
			heap.Push(&q.pending, &j)
		}
		if j.IdempotencyKey != "" && !j.State.terminal() {
			q.byIdempotency[j.IdempotencyKey] = j.ID
		}
	}
	return nil
}

func (q *Queue) persist(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	var rev uint64
	if j.rev == 0 {
		rev, err = q.index.Create(ctx, j.ID, data)
	} else {
		rev, err = q.index.Update(ctx, j.ID, data, j.rev)
	}
	if err != nil {
		return fmt.Errorf("persist job %s: %w", j.ID, err)
	}
	j.rev = rev

	subject := fmt.Sprintf("jobs.%s.transition", j.ID)
	if _, err := q.js.Publish(ctx, subject, data); err != nil {
		q.logger.Warn("journal publish failed", slog.String("job_id", j.ID), slog.String("error", err.Error()))
	}
	return nil
}

// nonTerminalCount reports how many jobs are not yet in a terminal
// state, for the backpressure check. Caller must hold q.mu.
func (q *Queue) nonTerminalCount() int {
	n := 0
	for _, j := range q.jobs {
		if !j.State.terminal() {
			n++
		}
	}
	return n
}

// Enqueue records a new Job, or returns the existing job id if opts.IdempotencyKey
// matches a non-terminal job already enqueued.
func (q *Queue) Enqueue(ctx context.Context, taskRef string, input any, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.IdempotencyKey != "" {
		if existing, ok := q.byIdempotency[opts.IdempotencyKey]; ok {
			return existing, nil
		}
	}

	if q.nonTerminalCount() >= q.cfg.BackpressureHighWatermark {
		return "", ErrQueueFull{}
	}

	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}

	now := time.Now()
	j := &Job{
		ID:             uuid.NewString(),
		TaskRef:        taskRef,
		Input:          input,
		Priority:       priority,
		MaxAttempts:    maxAttempts,
		Attempt:        0,
		NextRunAt:      now.Add(opts.Delay),
		State:          StateQueued,
		Trigger:        trigger,
		IdempotencyKey: opts.IdempotencyKey,
		EnqueuedAt:     now,
	}

	if err := q.persist(ctx, j); err != nil {
		return "", err
	}
	q.jobs[j.ID] = j
	heap.Push(&q.pending, j)
	if j.IdempotencyKey != "" {
		q.byIdempotency[j.IdempotencyKey] = j.ID
	}
	return j.ID, nil
}

// Claim returns up to maxN queued-and-ready jobs, atomically marking
// them claimed with the given lease. Jobs are popped in
// (priority_rank DESC, enqueued_at ASC) order; jobs whose NextRunAt has
// not yet arrived are set aside and returned to the heap before Claim
// returns. Worst case this scans every pending job once per call — fine
// at this system's single-coordinator scale (§5).
func (q *Queue) Claim(ctx context.Context, workerID string, maxN int, lease time.Duration) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	claimed := make([]Job, 0, maxN)
	var notReady []*Job

	for len(claimed) < maxN && q.pending.Len() > 0 {
		j := heap.Pop(&q.pending).(*Job)
		if j.State != StateQueued {
			continue // stale heap entry; the job moved on elsewhere
		}
		if j.NextRunAt.After(now) {
			notReady = append(notReady, j)
			continue
		}

		prevState, prevClaimedBy, prevExpires := j.State, j.ClaimedBy, j.ClaimExpiresAt
		j.State = StateClaimed
		j.ClaimedBy = workerID
		j.ClaimExpiresAt = now.Add(lease)
		if err := q.persist(ctx, j); err != nil {
			j.State, j.ClaimedBy, j.ClaimExpiresAt = prevState, prevClaimedBy, prevExpires
			heap.Push(&q.pending, j)
			for _, r := range notReady {
				heap.Push(&q.pending, r)
			}
			return claimed, err
		}
		claimed = append(claimed, *j)
	}

	for _, j := range notReady {
		heap.Push(&q.pending, j)
	}
	return claimed, nil
}

// SetRunning transitions a claimed job to running, called once the pool
// has actually dispatched it to a worker.
func (q *Queue) SetRunning(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound{JobID: jobID}
	}
	if j.State != StateClaimed {
		return ErrTerminalState{JobID: jobID, State: j.State}
	}
	j.State = StateRunning
	return q.persist(ctx, j)
}

// Ack records the outcome of a claimed job's attempt: success moves it
// to succeeded; a retryable failure re-queues with backoff or moves to
// failed_dead once max_attempts is exhausted; cancellation is terminal.
func (q *Queue) Ack(ctx context.Context, jobID string, outcome Outcome, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound{JobID: jobID}
	}
	if j.State.terminal() {
		return ErrTerminalState{JobID: jobID, State: j.State}
	}

	switch outcome {
	case OutcomeSucceeded:
		j.State = StateSucceeded
		j.ClaimedBy = ""
	case OutcomeCancelled:
		j.State = StateCancelled
		j.ClaimedBy = ""
	case OutcomeRetryable:
		j.Attempt++
		j.LastError = lastErr
		if j.Attempt >= j.MaxAttempts {
			j.State = StateFailedDead
			j.ClaimedBy = ""
		} else {
			j.State = StateQueued
			j.ClaimedBy = ""
			j.ClaimExpiresAt = time.Time{}
			j.NextRunAt = time.Now().Add(delayForAttempt(q.cfg.Backoff, j.Attempt))
		}
	}

	if err := q.persist(ctx, j); err != nil {
		return err
	}
	if j.State == StateQueued {
		heap.Push(&q.pending, j)
	}
	if j.State.terminal() && j.IdempotencyKey != "" {
		delete(q.byIdempotency, j.IdempotencyKey)
	}
	return nil
}

// Release returns a claimed job to queued without incrementing attempt,
// used for clean coordinator shutdown (spec.md §5).
func (q *Queue) Release(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound{JobID: jobID}
	}
	if j.State != StateClaimed && j.State != StateRunning {
		return ErrTerminalState{JobID: jobID, State: j.State}
	}
	j.State = StateQueued
	j.ClaimedBy = ""
	j.ClaimExpiresAt = time.Time{}

	if err := q.persist(ctx, j); err != nil {
		return err
	}
	heap.Push(&q.pending, j)
	return nil
}

// Cancel transitions a not-yet-claimed job directly to cancelled.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound{JobID: jobID}
	}
	if j.State != StateQueued {
		return ErrTerminalState{JobID: jobID, State: j.State}
	}
	j.State = StateCancelled
	if err := q.persist(ctx, j); err != nil {
		return err
	}
	if j.IdempotencyKey != "" {
		delete(q.byIdempotency, j.IdempotencyKey)
	}
	return nil
}

// ReapExpiredClaims scans for claimed jobs whose lease has expired and
// returns them to queued, leaving attempt unchanged.
func (q *Queue) ReapExpiredClaims(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	n := 0
	for _, j := range q.jobs {
		if j.State != StateClaimed || !now.After(j.ClaimExpiresAt) {
			continue
		}
		j.State = StateQueued
		j.ClaimedBy = ""
		j.ClaimExpiresAt = time.Time{}
		if err := q.persist(ctx, j); err != nil {
			return n, err
		}
		heap.Push(&q.pending, j)
		n++
	}
	return n, nil
}

// Get returns a copy of the job record for jobID.
func (q *Queue) Get(jobID string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound{JobID: jobID}
	}
	return *j, nil
}

// Filter narrows List's results; zero-value fields are wildcards.
type Filter struct {
	State   State
	TaskRef string
}

// List returns copies of all jobs matching filter.
func (q *Queue) List(filter Filter) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if filter.State != "" && j.State != filter.State {
			continue
		}
		if filter.TaskRef != "" && j.TaskRef != filter.TaskRef {
			continue
		}
		out = append(out, *j)
	}
	return out
}
