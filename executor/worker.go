package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/taskforge/executor/workerproto"
)

// ringBuffer keeps the last maxBytes of stderr output as a diagnostic
// tail, following the bounded-capture shape used for subprocess output
// elsewhere in the teacher's tool executors.
type ringBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	maxSize int
}

func newRingBuffer(maxSize int) *ringBuffer {
	return &ringBuffer{maxSize: maxSize}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(p)
	if over := r.buf.Len() - r.maxSize; over > 0 {
		r.buf.Next(over)
	}
	return len(p), nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

// worker wraps one spawned subprocess: its framed IPC channel, its
// stderr tail, and the lifecycle bookkeeping the pool needs to decide
// whether to keep dispatching to it.
type worker struct {
	id     string
	slot   int
	logger *slog.Logger

	cmd       *exec.Cmd
	w         *workerproto.Writer
	stdin     io.WriteCloser
	stderrTl  *ringBuffer
	limiter   *resourceLimiter
	frames    chan frame
	readErrCh chan error

	exited   chan struct{} // closed once the read loop observes stdout close
	waitDone chan struct{} // closed once cmd.Wait has reaped the process

	mu             sync.Mutex
	state          WorkerState
	requestsServed int
	spawnedAt      time.Time
	lastHeartbeat  time.Time
	exitCode       int
	exitSignaled   bool
	exitSignal     string

	correlationSeq atomic.Uint64
	currentCorrID  atomic.Uint64
}

type frame struct {
	kind workerproto.Kind
	raw  []byte
}

// spawnWorker starts the worker binary, performs the hello/hello_ack
// handshake within handshakeTimeout, and leaves the worker in StateIdle.
func spawnWorker(ctx context.Context, logger *slog.Logger, binary string, slot int, handshakeTimeout time.Duration, limiter *resourceLimiter) (*worker, error) {
	cmd := exec.CommandContext(ctx, binary)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrTail := newRingBuffer(4096)
	cmd.Stderr = stderrTail

	limiter.prepare(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	limiter.applyPostStart(cmd.Process.Pid)

	w := &worker{
		id:        fmt.Sprintf("slot-%d-%d", slot, cmd.Process.Pid),
		slot:      slot,
		logger:    logger.With(slog.String("worker_id", fmt.Sprintf("slot-%d-%d", slot, cmd.Process.Pid))),
		cmd:       cmd,
		w:         workerproto.NewWriter(stdin),
		stdin:     stdin,
		stderrTl:  stderrTail,
		limiter:   limiter,
		frames:    make(chan frame, 16),
		readErrCh: make(chan error, 1),
		exited:    make(chan struct{}),
		waitDone:  make(chan struct{}),
		state:     StateSpawning,
		spawnedAt: time.Now(),
	}

	go w.readLoop(workerproto.NewReader(stdout))
	go w.reap()

	if err := w.handshake(ctx, handshakeTimeout); err != nil {
		w.kill()
		return nil, err
	}

	w.setState(StateIdle)
	return w, nil
}

func (w *worker) readLoop(r *workerproto.Reader) {
	for {
		raw, err := r.ReadMessage()
		if err != nil {
			close(w.exited)
			w.readErrCh <- err
			close(w.frames)
			return
		}
		kind, err := workerproto.PeekKind(raw)
		if err != nil {
			close(w.exited)
			w.readErrCh <- err
			close(w.frames)
			return
		}
		w.frames <- frame{kind: kind, raw: raw}
	}
}

func (w *worker) handshake(ctx context.Context, timeout time.Duration) error {
	hello := workerproto.Hello{
		Kind:            workerproto.KindHello,
		ProtocolVersion: workerproto.ProtocolVersion,
		Capabilities:    []string{"json-schema"},
	}
	if err := w.w.WriteMessage(hello); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	select {
	case f, ok := <-w.frames:
		if !ok {
			return &WorkerCrashed{StderrTail: w.stderrTl.String()}
		}
		if f.kind != workerproto.KindHelloAck {
			return &ProtocolViolation{Detail: fmt.Sprintf("expected hello_ack, got %s", f.kind)}
		}
		var ack workerproto.HelloAck
		if err := json.Unmarshal(f.raw, &ack); err != nil {
			return &ProtocolViolation{Detail: "malformed hello_ack"}
		}
		w.id = ack.WorkerID
		w.lastHeartbeat = time.Now()
		return nil
	case err := <-w.readErrCh:
		return fmt.Errorf("handshake read: %w", err)
	case <-time.After(timeout):
		return fmt.Errorf("handshake timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *worker) kill() {
	w.setState(StateExited)
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.stdin.Close()
	w.limiter.cleanup()
}

// reap waits for the read loop to observe stdout close (the process has
// exited or is about to) and then calls cmd.Wait, collecting its exit
// status so killed and retired workers don't leak zombies. crashOutcome
// blocks on waitDone, bounded, to classify the exit.
func (w *worker) reap() {
	<-w.exited
	_ = w.cmd.Wait()
	if state := w.cmd.ProcessState; state != nil {
		code, signaled, sig := processExitInfo(state)
		w.mu.Lock()
		w.exitCode = code
		w.exitSignaled = signaled
		w.exitSignal = sig
		w.mu.Unlock()
	}
	close(w.waitDone)
}

// dispatch sends one Execute frame and blocks until the matching Result,
// a wall-clock timeout, resource breach, crash, or context cancellation.
func (w *worker) dispatch(ctx context.Context, req Request) Outcome {
	w.setState(StateBusy)
	defer func() {
		w.mu.Lock()
		if w.state != StateExited {
			w.state = StateIdle
		}
		w.mu.Unlock()
	}()

	correlationID := w.correlationSeq.Add(1)
	w.currentCorrID.Store(correlationID)
	defer w.currentCorrID.Store(0)
	started := time.Now()

	wallCtx := ctx
	var cancel context.CancelFunc
	if req.Limits.Wall > 0 {
		wallCtx, cancel = context.WithTimeout(ctx, req.Limits.Wall)
		defer cancel()
	}

	execMsg := workerproto.Execute{
		Kind:          workerproto.KindExecute,
		CorrelationID: correlationID,
		Task: workerproto.TaskDescriptor{
			Fingerprint:  req.Fingerprint,
			SourceCode:   req.SourceCode,
			InputSchema:  req.InputSchema,
			OutputSchema: req.OutputSchema,
		},
		Input:  req.Input,
		Limits: req.Limits.toWire(),
		Trace:  req.Trace,
	}
	if err := w.w.WriteMessage(execMsg); err != nil {
		return Outcome{Err: fmt.Errorf("write execute: %w", err), StartedAt: started, EndedAt: time.Now()}
	}

	var progress []ProgressEvent
	var logs []LogEvent

	for {
		select {
		case f, ok := <-w.frames:
			if !ok {
				err := <-w.readErrCh
				return w.crashOutcome(started, err)
			}
			switch f.kind {
			case workerproto.KindProgress:
				var p workerproto.Progress
				if err := json.Unmarshal(f.raw, &p); err != nil {
					continue
				}
				if p.CorrelationID != correlationID {
					continue
				}
				progress = append(progress, ProgressEvent{Phase: p.Phase, Pct: p.Pct, Message: p.Message, UpdatedAt: time.Now()})
			case workerproto.KindLog:
				var l workerproto.LogRecord
				if err := json.Unmarshal(f.raw, &l); err != nil {
					continue
				}
				logs = append(logs, LogEvent{Level: l.Level, Fields: l.Fields})
			case workerproto.KindHeartbeat:
				w.mu.Lock()
				w.lastHeartbeat = time.Now()
				w.mu.Unlock()
			case workerproto.KindResult:
				if req.Limits.OutBytes > 0 && int64(len(f.raw)) > req.Limits.OutBytes {
					w.kill()
					return Outcome{Err: &ResourceExceeded{Dimension: DimensionOutput}, Progress: progress, Logs: logs, StartedAt: started, EndedAt: time.Now()}
				}
				var res workerproto.Result
				if err := json.Unmarshal(f.raw, &res); err != nil {
					continue
				}
				if res.CorrelationID != correlationID {
					// stale reply from a superseded dispatch; discard per §4.2.
					continue
				}
				w.mu.Lock()
				w.requestsServed++
				w.mu.Unlock()
				return w.resultOutcome(res, progress, logs, started)
			default:
				// unexpected frame kind during an in-flight execute; the
				// protocol treats this as a violation and the worker is
				// retired by the pool.
				w.kill()
				return Outcome{Err: &ProtocolViolation{Detail: string(f.kind)}, Progress: progress, Logs: logs, StartedAt: started, EndedAt: time.Now()}
			}
		case err := <-w.readErrCh:
			return w.crashOutcome(started, err)
		case <-wallCtx.Done():
			w.kill()
			if ctx.Err() == context.Canceled {
				return Outcome{Err: ErrCancelled, Progress: progress, Logs: logs, StartedAt: started, EndedAt: time.Now()}
			}
			return Outcome{Err: ErrTimedOut, Progress: progress, Logs: logs, StartedAt: started, EndedAt: time.Now()}
		}
	}
}

// crashOutcome classifies a worker exit observed outside the normal
// timeout/cancel paths, per spec.md §4.2's crash-recovery order: exit
// code first, then a stderr OOM marker, else a plain crash. It waits
// (bounded) for reap to collect the process's exit status; readErr is
// the read-loop's own I/O error, already implied by reaching this path
// and carried only for logging by callers, not for classification.
func (w *worker) crashOutcome(started time.Time, readErr error) Outcome {
	_ = readErr
	select {
	case <-w.waitDone:
	case <-time.After(2 * time.Second):
	}

	w.mu.Lock()
	signaled, sig := w.exitSignaled, w.exitSignal
	w.mu.Unlock()

	tail := w.stderrTl.String()
	var err error
	switch {
	case signaled:
		// A signaled exit on this pool only ever comes from the resource
		// limiter's own kill (cgroup OOM or the RSS-polling fallback in
		// limits.go) — a voluntary wall timeout or cancellation never
		// reaches crashOutcome, it's classified in dispatch's wallCtx
		// branch instead.
		err = &ResourceExceeded{Dimension: DimensionMemory}
	case looksLikeOOM(tail):
		err = &ResourceExceeded{Dimension: DimensionMemory}
	default:
		err = &WorkerCrashed{StderrTail: tail, Signal: sig}
	}
	w.setState(StateExited)
	return Outcome{Err: err, StartedAt: started, EndedAt: time.Now()}
}

func (w *worker) resultOutcome(res workerproto.Result, progress []ProgressEvent, logs []LogEvent, started time.Time) Outcome {
	out := Outcome{Progress: progress, Logs: logs, StartedAt: started, EndedAt: time.Now()}
	if res.Err != nil {
		out.Err = &ExecutionError{Code: res.Err.Code, Message: res.Err.Message, Data: res.Err.Data}
		return out
	}
	out.Output = res.OK
	return out
}

// currentCorrelationID returns the correlation id of the request this
// worker is presently busy with, or 0 if idle.
func (w *worker) currentCorrelationID() uint64 {
	return w.currentCorrID.Load()
}

// cancel sends a Cancel frame and then sleeps for the whole grace period,
// after which the caller decides whether the worker must be killed.
func (w *worker) cancel(correlationID uint64, grace time.Duration) {
	_ = w.w.WriteMessage(workerproto.Cancel{Kind: workerproto.KindCancel, CorrelationID: correlationID})
	time.Sleep(grace)
}

// looksLikeOOM checks stderr for markers common OOM killers leave behind.
func looksLikeOOM(tail string) bool {
	markers := []string{"Out of memory", "Killed process", "oom-kill", "OutOfMemoryError", "cannot allocate memory"}
	for _, m := range markers {
		if bytes.Contains([]byte(tail), []byte(m)) {
			return true
		}
	}
	return false
}
