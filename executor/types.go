// Package executor spawns worker subprocesses, multiplexes execute
// requests to them over the workerproto wire protocol, enforces resource
// limits, and detects and recovers from crashes (spec.md §4.2).
package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/taskforge/executor/workerproto"
)

// WorkerState is a position in the worker lifecycle state machine:
// spawning → idle → busy → idle → … → draining → exited.
type WorkerState string

const (
	StateSpawning WorkerState = "spawning"
	StateIdle     WorkerState = "idle"
	StateBusy     WorkerState = "busy"
	StateDraining WorkerState = "draining"
	StateExited   WorkerState = "exited"
)

// Limits are the resource caps the pool enforces on one execution, from
// either a task's declared defaults or the coordinator's configuration.
type Limits struct {
	Wall     time.Duration
	MemBytes int64
	OutBytes int64
}

func (l Limits) toWire() workerproto.Limits {
	return workerproto.Limits{
		WallMS:      l.Wall.Milliseconds(),
		MemBytes:    l.MemBytes,
		OutputBytes: l.OutBytes,
	}
}

// Request is one dispatch: a task body plus an input to run it against.
type Request struct {
	Fingerprint  string
	SourceCode   string
	InputSchema  map[string]any
	OutputSchema map[string]any
	Input        any
	Limits       Limits
	Trace        bool
}

// ProgressEvent mirrors a workerproto.Progress frame, timestamped on
// receipt by the parent.
type ProgressEvent struct {
	Phase     string
	Pct       float64
	Message   string
	UpdatedAt time.Time
}

// LogEvent mirrors a workerproto.LogRecord frame.
type LogEvent struct {
	Level  string
	Fields map[string]any
}

// Outcome is the terminal result of one dispatched Request.
type Outcome struct {
	Output    any
	Err       error
	Progress  []ProgressEvent
	Logs      []LogEvent
	StartedAt time.Time
	EndedAt   time.Time
}

// ExecutionError is the structured error a task body itself returned
// (error taxonomy kind ExecutionError), preserved across the IPC
// boundary with a stable Code.
type ExecutionError struct {
	Code    string
	Message string
	Data    any
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error %s: %s", e.Code, e.Message)
}

// ResourceDimension names which resource cap a ResourceExceeded error
// reports.
type ResourceDimension string

const (
	DimensionMemory  ResourceDimension = "memory"
	DimensionOutput  ResourceDimension = "output"
	DimensionCPU     ResourceDimension = "cpu"
	DimensionProcess ResourceDimension = "process"
)

// ResourceExceeded reports a worker killed for breaching a resource cap.
type ResourceExceeded struct {
	Dimension ResourceDimension
}

func (e *ResourceExceeded) Error() string {
	return fmt.Sprintf("resource exceeded: %s", e.Dimension)
}

// ErrTimedOut is returned when a dispatch exceeds its wall-clock limit.
var ErrTimedOut = errors.New("execution timed out")

// ErrCancelled is returned when an execution was cancelled by the caller.
var ErrCancelled = errors.New("execution cancelled")

// WorkerCrashed reports a worker that exited while a request was
// in-flight without producing a Result frame.
type WorkerCrashed struct {
	StderrTail string
	Signal     string
}

func (e *WorkerCrashed) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("worker crashed (signal %s): %s", e.Signal, e.StderrTail)
	}
	return fmt.Sprintf("worker crashed: %s", e.StderrTail)
}

// ProtocolViolation reports a malformed or out-of-sequence worker
// message; the worker is killed when this occurs.
type ProtocolViolation struct {
	Detail string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Detail)
}

// ErrPoolSaturated is returned by Dispatch when every worker is busy and
// the pool is already at max_workers, so callers can shed load (§5
// backpressure policy).
var ErrPoolSaturated = errors.New("executor: pool saturated")

// ErrPoolClosed is returned by Dispatch after Shutdown has been called.
var ErrPoolClosed = errors.New("executor: pool closed")
