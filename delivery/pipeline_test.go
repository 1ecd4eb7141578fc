package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskforge/internal/natstest"
	"github.com/c360studio/taskforge/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, map[string]*store.Execution) {
	t.Helper()
	js := natstest.JetStream(t)
	p, err := New(context.Background(), js, DefaultConfig(), nil, nil)
	require.NoError(t, err)

	rows := make(map[string]*store.Execution)
	p.SetExecutionGetter(func(ctx context.Context, id string) (*store.Execution, error) {
		e, ok := rows[id]
		if !ok {
			return nil, store.ErrNotFound
		}
		return e, nil
	})
	return p, rows
}

func TestFileSinkDeliversOnce(t *testing.T) {
	dir := t.TempDir()
	p, rows := newTestPipeline(t)
	ctx := context.Background()

	path := filepath.Join(dir, "{{.ID}}.json")
	_, err := p.PutSink(ctx, Config{
		Kind:    SinkKindFile,
		File:    &FileParams{PathTemplate: path},
		Enabled: true,
		Filter:  Filter{States: []store.State{store.StateCompleted}},
	})
	require.NoError(t, err)

	e := &store.Execution{ID: "exec-1", State: store.StateCompleted, Output: map[string]any{"x": 1.0}}
	rows[e.ID] = e

	require.NoError(t, p.EnumerateAndAttempt(ctx, e))
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.Eventually(t, func() bool {
		attempts, err := p.ListAttempts(ctx, e.ID)
		return err == nil && len(attempts) == 1 && attempts[0].State == AttemptDelivered
	}, 2*time.Second, 10*time.Millisecond)

	written, err := os.ReadFile(filepath.Join(dir, "exec-1.json"))
	require.NoError(t, err)
	var decoded store.Execution
	require.NoError(t, json.Unmarshal(written, &decoded))
	require.Equal(t, "exec-1", decoded.ID)
}

func TestFilterExcludesNonMatchingState(t *testing.T) {
	dir := t.TempDir()
	p, rows := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.PutSink(ctx, Config{
		Kind:    SinkKindFile,
		File:    &FileParams{PathTemplate: filepath.Join(dir, "{{.ID}}.json")},
		Enabled: true,
		Filter:  Filter{States: []store.State{store.StateCompleted}},
	})
	require.NoError(t, err)

	e := &store.Execution{ID: "exec-2", State: store.StateFailed}
	rows[e.ID] = e
	require.NoError(t, p.EnumerateAndAttempt(ctx, e))

	attempts, err := p.ListAttempts(ctx, e.ID)
	require.NoError(t, err)
	require.Empty(t, attempts)
}

func TestWebhookSinkRetriesThenDies(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, rows := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.PutSink(ctx, Config{
		Kind:    SinkKindWebhook,
		Webhook: &WebhookParams{URL: srv.URL, Timeout: time.Second},
		Enabled: true,
		Retry:   RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	e := &store.Execution{ID: "exec-3", State: store.StateCompleted}
	rows[e.ID] = e
	require.NoError(t, p.EnumerateAndAttempt(ctx, e))
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.Eventually(t, func() bool {
		attempts, err := p.ListAttempts(ctx, e.ID)
		return err == nil && len(attempts) == 1 && attempts[0].State == AttemptFailedDead
	}, 3*time.Second, 10*time.Millisecond)

	attempts, err := p.ListAttempts(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, 3, attempts[0].Attempt)
	require.Equal(t, 3, calls)
}

func TestWebhookSinkDeadOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p, rows := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.PutSink(ctx, Config{
		Kind:    SinkKindWebhook,
		Webhook: &WebhookParams{URL: srv.URL, Timeout: time.Second},
		Enabled: true,
		Retry:   RetryPolicy{MaxAttempts: 5, Base: time.Millisecond, Max: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	e := &store.Execution{ID: "exec-4", State: store.StateCompleted}
	rows[e.ID] = e
	require.NoError(t, p.EnumerateAndAttempt(ctx, e))
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.Eventually(t, func() bool {
		attempts, err := p.ListAttempts(ctx, e.ID)
		return err == nil && len(attempts) == 1 && attempts[0].State == AttemptFailedDead
	}, 2*time.Second, 10*time.Millisecond)

	attempts, err := p.ListAttempts(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, 1, attempts[0].Attempt) // dead on first 4xx, no retries burned
}
