package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskforge/internal/natstest"
	"github.com/c360studio/taskforge/queue"
)

// recordingEnqueuer captures every Enqueue call so tests can assert on
// fire count and idempotency key uniqueness without a real Queue.
type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []queue.EnqueueOptions
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, taskRef string, input any, opts queue.EnqueueOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if opts.IdempotencyKey != "" && c.IdempotencyKey == opts.IdempotencyKey {
			return "dedup", nil // mirror queue.Queue's idempotent re-enqueue
		}
	}
	r.calls = append(r.calls, opts)
	return "job", nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(t *testing.T, enq Enqueuer, cfg Config) *Scheduler {
	t.Helper()
	js := natstest.JetStream(t)
	s, err := New(context.Background(), js, cfg, enq, nil, nil)
	require.NoError(t, err)
	return s
}

func TestPutComputesNextFireAt(t *testing.T) {
	enq := &recordingEnqueuer{}
	s := newTestScheduler(t, enq, DefaultConfig())

	sch, err := s.Put(context.Background(), Schedule{TaskRef: "beat", CronExpr: "* * * * *", Enabled: true})
	require.NoError(t, err)
	require.NotEmpty(t, sch.ID)
	require.False(t, sch.NextFireAt.IsZero())
}

func TestPutRejectsInvalidCron(t *testing.T) {
	enq := &recordingEnqueuer{}
	s := newTestScheduler(t, enq, DefaultConfig())

	_, err := s.Put(context.Background(), Schedule{TaskRef: "beat", CronExpr: "not a cron", Enabled: true})
	require.ErrorIs(t, err, ErrInvalidCron)
}

func TestTickFiresDueScheduleExactlyOnce(t *testing.T) {
	enq := &recordingEnqueuer{}
	s := newTestScheduler(t, enq, DefaultConfig())

	now := time.Now()
	sch, err := s.Put(context.Background(), Schedule{
		TaskRef: "beat", CronExpr: "* * * * *", Enabled: true, NextFireAt: now.Add(-time.Second),
	})
	require.NoError(t, err)

	s.Tick(context.Background(), now)
	require.Equal(t, 1, enq.count())

	// A second tick at the same instant must not re-fire: NextFireAt has
	// already advanced past now.
	s.Tick(context.Background(), now)
	require.Equal(t, 1, enq.count())

	updated, err := s.Get(sch.ID)
	require.NoError(t, err)
	require.True(t, updated.NextFireAt.After(now))
}

func TestTickCatchesUpMissedIntervals(t *testing.T) {
	enq := &recordingEnqueuer{}
	s := newTestScheduler(t, enq, Config{Tick: time.Second, CatchUpWindow: 10 * time.Minute})

	base := time.Now().Truncate(time.Minute)
	now := base.Add(30 * time.Second)
	// First missed fire at base-4m: base-4m..base are the five minutes
	// due by now, all inside the catch-up window.
	missedSince := base.Add(-4 * time.Minute)
	_, err := s.Put(context.Background(), Schedule{
		TaskRef: "beat", CronExpr: "* * * * *", Enabled: true, NextFireAt: missedSince,
	})
	require.NoError(t, err)

	s.Tick(context.Background(), now)
	require.Equal(t, 5, enq.count())

	keys := make(map[string]bool)
	for _, c := range enq.calls {
		require.False(t, keys[c.IdempotencyKey], "duplicate idempotency key %s", c.IdempotencyKey)
		keys[c.IdempotencyKey] = true
	}
}

func TestTickCoalescesMissesOlderThanCatchUpWindow(t *testing.T) {
	enq := &recordingEnqueuer{}
	s := newTestScheduler(t, enq, Config{Tick: time.Second, CatchUpWindow: time.Minute})

	base := time.Now().Truncate(time.Minute)
	now := base.Add(30 * time.Second)
	missedSince := base.Add(-20 * time.Minute)
	_, err := s.Put(context.Background(), Schedule{
		TaskRef: "beat", CronExpr: "* * * * *", Enabled: true, NextFireAt: missedSince,
	})
	require.NoError(t, err)

	s.Tick(context.Background(), now)
	// 20 missed minutes with a 1-minute catch-up window: everything
	// older than the window floor coalesces into one fire, leaving the
	// single most recent minute plus the coalesced fire.
	require.Equal(t, 2, enq.count())
}

func TestDisabledScheduleDoesNotFire(t *testing.T) {
	enq := &recordingEnqueuer{}
	s := newTestScheduler(t, enq, DefaultConfig())

	now := time.Now()
	_, err := s.Put(context.Background(), Schedule{
		TaskRef: "beat", CronExpr: "* * * * *", Enabled: false, NextFireAt: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	s.Tick(context.Background(), now)
	require.Equal(t, 0, enq.count())
}

func TestResumeSkipsCatchUp(t *testing.T) {
	enq := &recordingEnqueuer{}
	s := newTestScheduler(t, enq, DefaultConfig())

	now := time.Now()
	sch, err := s.Put(context.Background(), Schedule{
		TaskRef: "beat", CronExpr: "* * * * *", Enabled: false, NextFireAt: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	sch.Enabled = true
	sch.NextFireAt = time.Time{} // let Put recompute from now
	resumed, err := s.Put(context.Background(), sch)
	require.NoError(t, err)
	require.True(t, resumed.NextFireAt.After(now.Add(-time.Minute)))

	s.Tick(context.Background(), now)
	require.Equal(t, 0, enq.count())
}

func TestStartStop(t *testing.T) {
	enq := &recordingEnqueuer{}
	s := newTestScheduler(t, enq, Config{Tick: 10 * time.Millisecond, CatchUpWindow: time.Hour})

	_, err := s.Put(context.Background(), Schedule{TaskRef: "beat", CronExpr: "@every 1s", Enabled: true, NextFireAt: time.Now().Add(-time.Second)})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return enq.count() >= 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
}
