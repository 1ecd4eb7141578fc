package executor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// workerBinPath is set up by TestMain, which builds the reference
// cmd/worker binary once so every test in this package can spawn real
// subprocesses instead of mocking the IPC boundary.
var workerBinPath string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "taskforge-worker-bin")
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

func testConfig() Config {
	return Config{
		WorkerBinary:      workerBinPath,
		MinWorkers:        1,
		MaxWorkers:        2,
		MaxRequests:       0,
		MaxAge:            0,
		WallTimeout:       5 * time.Second,
		MemoryLimitBytes:  0,
		OutputLimitBytes:  0,
		HandshakeTimeout:  5 * time.Second,
		HeartbeatInterval: 0,
		CancelGrace:       200 * time.Millisecond,
	}
}

func TestPoolDispatchEcho(t *testing.T) {
	p := New(testConfig(), nil, nil)
	require.NoError(t, p.Start(context.Background()))
	defer func() { _ = p.Shutdown(context.Background()) }()

	outcome, err := p.Dispatch(context.Background(), "exec-1", Request{
		Fingerprint: "f1",
		SourceCode:  "hello {{.name}}",
		Input:       map[string]any{"name": "world"},
		Limits:      Limits{Wall: 2 * time.Second},
	})
	require.NoError(t, err)
	require.NoError(t, outcome.Err)
	require.Equal(t, "hello world", outcome.Output)
}

func TestPoolDispatchTaskError(t *testing.T) {
	p := New(testConfig(), nil, nil)
	require.NoError(t, p.Start(context.Background()))
	defer func() { _ = p.Shutdown(context.Background()) }()

	outcome, err := p.Dispatch(context.Background(), "exec-2", Request{
		Fingerprint: "f2",
		SourceCode:  "{{.missing.field}}",
		Input:       map[string]any{},
		Limits:      Limits{Wall: 2 * time.Second},
	})
	require.NoError(t, err)
	require.Error(t, outcome.Err)
	var execErr *ExecutionError
	require.ErrorAs(t, outcome.Err, &execErr)
}

func TestPoolDispatchWallTimeout(t *testing.T) {
	p := New(testConfig(), nil, nil)
	require.NoError(t, p.Start(context.Background()))
	defer func() { _ = p.Shutdown(context.Background()) }()

	// A 1ns wall limit expires before the worker can send any Result, so
	// the dispatch is reported as timed out.
	outcome, err := p.Dispatch(context.Background(), "exec-3", Request{
		Fingerprint: "f3",
		SourceCode:  "{{.name}}",
		Input:       map[string]any{"name": "world"},
		Limits:      Limits{Wall: 1 * time.Nanosecond},
	})
	require.NoError(t, err)
	require.ErrorIs(t, outcome.Err, ErrTimedOut)
}

func TestPoolGrowsUpToMax(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 2
	p := New(cfg, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	defer func() { _ = p.Shutdown(context.Background()) }()

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			_, _ = p.Dispatch(context.Background(), "exec-parallel", Request{
				Fingerprint: "f4",
				SourceCode:  "{{.name}}",
				Input:       map[string]any{"name": "x"},
				Limits:      Limits{Wall: 2 * time.Second},
			})
			done <- struct{}{}
		}(i)
	}
	<-done
	<-done

	require.LessOrEqual(t, p.LiveWorkers(), cfg.MaxWorkers)
}
