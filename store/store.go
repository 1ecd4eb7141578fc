package store

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

	"github.com/c360studio/taskforge/internal/kvstore"
)

const (
	bucketExecutions = "EXECUTIONS"
	bucketArchive    = "EXECUTIONS_ARCHIVE"
)

// RetentionConfig sets a TTL per terminal state after which a row is
// archived (or deleted, if Archive is false) by Sweep. A zero duration
// means "retain forever" for that state.
type RetentionConfig struct {
	TTL     map[State]time.Duration
	Archive bool
}

// DefaultRetentionConfig archives terminal rows after 30 days, same for
// every terminal state.
func DefaultRetentionConfig() RetentionConfig {
	ttl := 30 * 24 * time.Hour
	return RetentionConfig{
		Archive: true,
		TTL: map[State]time.Duration{
			StateCompleted: ttl,
			StateFailed:    ttl,
			StateCancelled: ttl,
			StateTimedOut:  ttl,
		},
	}
}

// Filter narrows List's results; zero-value fields are wildcards.
type Filter struct {
	State           State
	TaskFingerprint string
}

// Page bounds a List call.
type Page struct {
	Offset int
	Limit  int
}

// Store persists Execution rows in a JetStream KV bucket (the
// single-writer-per-id design of spec.md §4.5), directly modeled on
// storage.Store's bucket/Create/Get/Put shape.
type Store struct {
	logger  *slog.Logger
	js      jetstream.JetStream
	bucket  jetstream.KeyValue
	archive jetstream.KeyValue
	retain  RetentionConfig

	// progressGate coalesces append_progress writes to a minimum 100ms
	// interval per execution id (spec.md §4.5 "Progress updates are
	// coalesced at 100 ms minimum interval").
	progressMu   sync.Mutex
	progressGate map[string]time.Time
}

// New creates (or reattaches to) the EXECUTIONS bucket, and the archive
// bucket if retention archiving is enabled.
func New(ctx context.Context, js jetstream.JetStream, retain RetentionConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bucket, err := kvstore.GetOrCreate(ctx, js, kvstore.BucketSpec{
		Name:        bucketExecutions,
		Description: "Taskforge execution rows",
		History:     3,
	})
	if err != nil {
		return nil, fmt.Errorf("get or create %s: %w", bucketExecutions, err)
	}

	var archive jetstream.KeyValue
	if retain.Archive {
		archive, err = kvstore.GetOrCreate(ctx, js, kvstore.BucketSpec{
			Name:        bucketArchive,
			Description: "Taskforge archived execution rows",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("get or create %s: %w", bucketArchive, err)
		}
	}

	return &Store{
		logger:       logger.With(slog.String("component", "store")),
		js:           js,
		bucket:       bucket,
		archive:      archive,
		retain:       retain,
		progressGate: make(map[string]time.Time),
	}, nil
}

// Create inserts a new Execution row in state=pending and returns its id.
func (s *Store) Create(ctx context.Context, taskFingerprint string, input any, jobID string) (string, error) {
	now := time.Now()
	e := &Execution{
		ID:              uuid.NewString(),
		JobID:           jobID,
		TaskFingerprint: taskFingerprint,
		Input:           input,
		State:           StatePending,
		Timings:         Timings{QueuedAt: now},
	}

	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal execution: %w", err)
	}
	if _, err := s.bucket.Create(ctx, e.ID, data); err != nil {
		return "", fmt.Errorf("store execution: %w", err)
	}
	return e.ID, nil
}

// Get retrieves an execution row by id.
func (s *Store) Get(ctx context.Context, id string) (*Execution, error) {
	entry, err := s.bucket.Get(ctx, id)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	var e Execution
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	e.rev = entry.Revision()
	return &e, nil
}

// Transition applies a compare-and-swap state change: the row's current
// state must equal from, and from→to must be a legal edge of the state
// machine, or ErrConflictingState is returned. patch mutates the row
// under the same lock-equivalent CAS before it's persisted, letting the
// caller set Output/Error/Timings alongside the state change.
func (s *Store) Transition(ctx context.Context, id string, from, to State, patch func(*Execution)) error {
	entry, err := s.bucket.Get(ctx, id)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("get execution %s: %w", id, err)
	}
	var e Execution
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return fmt.Errorf("unmarshal execution %s: %w", id, err)
	}

	if e.State != from {
		return fmt.Errorf("%w: execution %s is %s, not %s", ErrConflictingState, id, e.State, from)
	}
	if e.State.terminal() {
		return fmt.Errorf("%w: execution %s already terminal (%s)", ErrConflictingState, id, e.State)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s is not a legal transition", ErrConflictingState, from, to)
	}

	e.State = to
	if patch != nil {
		patch(&e)
	}

	data, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", id, err)
	}
	if _, err := s.bucket.Update(ctx, id, data, entry.Revision()); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%w: execution %s changed concurrently", ErrConflictingState, id)
		}
		return fmt.Errorf("persist execution %s: %w", id, err)
	}
	return nil
}

// AppendProgress updates an execution's progress field, last-write-wins,
// coalesced to at most one write per 100ms per execution id.
func (s *Store) AppendProgress(ctx context.Context, id string, p Progress) error {
	const minInterval = 100 * time.Millisecond

	s.progressMu.Lock()
	last, seen := s.progressGate[id]
	now := time.Now()
	if seen && now.Sub(last) < minInterval {
		s.progressMu.Unlock()
		return nil
	}
	s.progressGate[id] = now
	s.progressMu.Unlock()

	entry, err := s.bucket.Get(ctx, id)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("get execution %s: %w", id, err)
	}
	var e Execution
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	if e.State.terminal() {
		return nil // result already landed; drop stale progress
	}
	p.UpdatedAt = now
	e.Progress = &p

	data, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", id, err)
	}
	if _, err := s.bucket.Update(ctx, id, data, entry.Revision()); err != nil {
		return fmt.Errorf("persist progress for %s: %w", id, err)
	}
	return nil
}

// List returns executions matching filter, ordered by QueuedAt ascending,
// paginated by page.
func (s *Store) List(ctx context.Context, filter Filter, page Page) ([]*Execution, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list execution keys: %w", err)
	}

	matched := make([]*Execution, 0, len(keys))
	for _, key := range keys {
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		var e Execution
		if err := json.Unmarshal(entry.Value(), &e); err != nil {
			continue
		}
		if filter.State != "" && e.State != filter.State {
			continue
		}
		if filter.TaskFingerprint != "" && e.TaskFingerprint != filter.TaskFingerprint {
			continue
		}
		matched = append(matched, &e)
	}

	sortByQueuedAt(matched)

	limit := page.Limit
	if limit <= 0 {
		limit = len(matched)
	}
	offset := page.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func sortByQueuedAt(rows []*Execution) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].Timings.QueuedAt.Before(rows[j-1].Timings.QueuedAt); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

// Sweep archives (or deletes) terminal rows whose retention TTL has
// elapsed, per spec.md §4.5 "Retention". Returns the count processed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("list execution keys: %w", err)
	}

	now := time.Now()
	n := 0
	for _, key := range keys {
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		var e Execution
		if err := json.Unmarshal(entry.Value(), &e); err != nil {
			continue
		}
		if !e.State.terminal() || e.Timings.FinishedAt == nil {
			continue
		}
		ttl, configured := s.retain.TTL[e.State]
		if !configured || ttl <= 0 {
			continue
		}
		if now.Sub(*e.Timings.FinishedAt) < ttl {
			continue
		}

		if s.retain.Archive && s.archive != nil {
			if _, err := s.archive.Put(ctx, key, entry.Value()); err != nil {
				s.logger.Warn("archive execution failed", slog.String("execution_id", key), slog.String("error", err.Error()))
				continue
			}
		}
		if err := s.bucket.Delete(ctx, key); err != nil {
			s.logger.Warn("expire execution failed", slog.String("execution_id", key), slog.String("error", err.Error()))
			continue
		}
		n++
	}
	return n, nil
}
