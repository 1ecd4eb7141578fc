package coordinator

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskforge/delivery"
	"github.com/c360studio/taskforge/executor"
	"github.com/c360studio/taskforge/internal/natstest"
	"github.com/c360studio/taskforge/queue"
	"github.com/c360studio/taskforge/registry"
	"github.com/c360studio/taskforge/scheduler"
	"github.com/c360studio/taskforge/store"
)

// workerBinPath is set up by TestMain, which builds the reference
// cmd/worker binary once so every test in this package dispatches to a
// real subprocess instead of a mocked executor.Pool.
var workerBinPath string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "taskforge-coordinator-worker-bin")
	if err != nil {
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	workerBinPath = filepath.Join(dir, "worker")
	build := exec.Command("go", "build", "-o", workerBinPath, "github.com/c360studio/taskforge/cmd/worker")
	build.Stdout = os.Stderr
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// writeTaskBundle drops a task.json + source file under dir/name so a
// registry.LocalSource can discover it, in the task.json-plus-source-file
// bundle layout LocalSource reads.
func writeTaskBundle(t *testing.T, root, name, version, sourceCode string, inputSchema, outputSchema map[string]any) {
	t.Helper()
	bundleDir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(bundleDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "source.tmpl"), []byte(sourceCode), 0o644))

	manifest := map[string]any{
		"name":          name,
		"version":       version,
		"source_file":   "source.tmpl",
		"source_kind":   "template",
		"input_schema":  inputSchema,
		"output_schema": outputSchema,
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "task.json"), raw, 0o644))
}

// renderInputTemplate is the InputRenderer these tests use: the template
// is decoded as a plain JSON literal and the fire time is ignored, which
// is enough for a schedule that doesn't need the fire time in its
// payload. An empty template yields an empty object.
func renderInputTemplate(tmpl string, fireTime time.Time) (any, error) {
	if tmpl == "" {
		return map[string]any{}, nil
	}
	var out any
	if err := json.Unmarshal([]byte(tmpl), &out); err != nil {
		return nil, err
	}
	return out, nil
}

type harness struct {
	coord *Coordinator
	reg   *registry.Registry
}

func newHarness(t *testing.T, taskDir string) *harness {
	t.Helper()
	ctx := context.Background()
	js := natstest.JetStream(t)

	src := registry.NewLocalSource("local", taskDir, 0, 0, nil)
	reg := registry.New(nil, []registry.Source{src})
	require.NoError(t, reg.Refresh(ctx))

	q, err := queue.New(ctx, js, queue.DefaultConfig(), nil)
	require.NoError(t, err)

	st, err := store.New(ctx, js, store.DefaultRetentionConfig(), nil)
	require.NoError(t, err)

	sched, err := scheduler.New(ctx, js, scheduler.DefaultConfig(), q, renderInputTemplate, nil)
	require.NoError(t, err)

	pipeline, err := delivery.New(ctx, js, delivery.DefaultConfig(), nil, nil)
	require.NoError(t, err)

	poolCfg := executor.Config{
		WorkerBinary:      workerBinPath,
		MinWorkers:        1,
		MaxWorkers:        2,
		WallTimeout:       2 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		CancelGrace:       200 * time.Millisecond,
	}
	pool := executor.New(poolCfg, nil, nil)

	cfg := DefaultConfig()
	cfg.DispatchPollInterval = 20 * time.Millisecond
	cfg.ReapInterval = 50 * time.Millisecond
	cfg.ShutdownDrain = 2 * time.Second

	coord := New(nil, reg, pool, q, sched, st, pipeline, cfg)
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(func() { _ = coord.Stop(context.Background()) })

	return &harness{coord: coord, reg: reg}
}

func TestCoordinatorHappyPathExecution(t *testing.T) {
	dir := t.TempDir()
	writeTaskBundle(t, dir, "greet", "1.0.0", "hello {{.name}}",
		map[string]any{"type": "object"}, map[string]any{"type": "string"})

	h := newHarness(t, dir)
	ctx := context.Background()

	e, err := h.coord.ExecuteSync(ctx, "greet", map[string]any{"name": "world"}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, store.StateCompleted, e.State)
	require.Equal(t, "hello world", e.Output)
}

func TestCoordinatorInputValidationRejected(t *testing.T) {
	dir := t.TempDir()
	writeTaskBundle(t, dir, "strict", "1.0.0", "{{.name}}",
		map[string]any{
			"type":     "object",
			"required": []any{"name"},
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
		}, map[string]any{"type": "string"})

	h := newHarness(t, dir)
	ctx := context.Background()

	_, err := h.coord.SubmitJob(ctx, "strict", map[string]any{}, queue.EnqueueOptions{Trigger: queue.TriggerAPI})
	require.Error(t, err)
	var verr *InputValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "strict", verr.TaskRef)
}

func TestCoordinatorExecutionErrorMarksJobFailed(t *testing.T) {
	dir := t.TempDir()
	// The template body dereferences a field that doesn't exist on the
	// supplied input, producing a worker-side RuntimeError that
	// classifyOutcome maps to an ExecutionError failure.
	writeTaskBundle(t, dir, "broken", "1.0.0", "{{.missing.nested.field}}",
		map[string]any{"type": "object"}, map[string]any{"type": "string"})

	h := newHarness(t, dir)
	ctx := context.Background()

	jobID, err := h.coord.SubmitJob(ctx, "broken", map[string]any{}, queue.EnqueueOptions{
		Trigger: queue.TriggerAPI, MaxAttempts: 1,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := h.coord.GetJob(jobID)
		if err != nil {
			return false
		}
		return j.State == queue.StateFailedDead || j.State == queue.StateFailedRetryable
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCoordinatorTaskNotFound(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	ctx := context.Background()

	_, err := h.coord.SubmitJob(ctx, "does-not-exist", map[string]any{}, queue.EnqueueOptions{Trigger: queue.TriggerAPI})
	require.ErrorIs(t, err, registry.ErrTaskNotFound)
}

func TestCoordinatorDeliversCompletedExecutions(t *testing.T) {
	dir := t.TempDir()
	writeTaskBundle(t, dir, "greet", "1.0.0", "hello {{.name}}",
		map[string]any{"type": "object"}, map[string]any{"type": "string"})

	h := newHarness(t, dir)
	ctx := context.Background()

	outDir := t.TempDir()
	_, err := h.coord.PutSink(ctx, delivery.Config{
		Kind:    delivery.SinkKindFile,
		File:    &delivery.FileParams{PathTemplate: filepath.Join(outDir, "{{.ID}}.json")},
		Enabled: true,
		Filter:  delivery.Filter{States: []store.State{store.StateCompleted}},
	})
	require.NoError(t, err)

	e, err := h.coord.ExecuteSync(ctx, "greet", map[string]any{"name": "world"}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, store.StateCompleted, e.State)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(outDir, e.ID+".json"))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCoordinatorListAndGetTask(t *testing.T) {
	dir := t.TempDir()
	writeTaskBundle(t, dir, "echo", "1.0.0", "{{.v}}",
		map[string]any{"type": "object"}, map[string]any{"type": "string"})

	h := newHarness(t, dir)

	tasks := h.coord.ListTasks(registry.ListFilter{})
	require.Len(t, tasks, 1)
	require.Equal(t, "echo", tasks[0].Name)

	full, err := h.coord.GetTask("echo")
	require.NoError(t, err)
	require.Equal(t, "echo", full.Name)
}
