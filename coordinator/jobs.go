package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/taskforge/queue"
	"github.com/c360studio/taskforge/registry"
	"github.com/c360studio/taskforge/store"
)

// SubmitJob resolves task_ref, validates input against its input_schema,
// and enqueues a Job (spec.md §6.1 "submit_job"). Returns
// *InputValidationError or registry.ErrTaskNotFound for the immediate
// structured errors the spec requires; queue.ErrQueueFull propagates
// unchanged for backpressure.
func (c *Coordinator) SubmitJob(ctx context.Context, taskRef string, input any, opts queue.EnqueueOptions) (string, error) {
	task, err := c.registry.Resolve(taskRef)
	if err != nil {
		return "", err
	}
	if err := registry.ValidateInput(task, input); err != nil {
		return "", &InputValidationError{TaskRef: taskRef, Reason: err.Error()}
	}
	return c.queue.Enqueue(ctx, taskRef, input, opts)
}

// GetJob returns the current state of a submitted job.
func (c *Coordinator) GetJob(jobID string) (queue.Job, error) {
	return c.queue.Get(jobID)
}

// CancelJob cancels job_id. A still-queued job is cancelled directly;
// a claimed or running job's execution is sent a Cancel and the normal
// dispatch flow (runJob/classifyOutcome) transitions both the
// Execution and the Job to cancelled once the worker acknowledges.
func (c *Coordinator) CancelJob(ctx context.Context, jobID string) error {
	job, err := c.queue.Get(jobID)
	if err != nil {
		return err
	}

	switch job.State {
	case queue.StateQueued:
		return c.queue.Cancel(ctx, jobID)
	case queue.StateClaimed, queue.StateRunning:
		c.inFlightMu.Lock()
		executionID, ok := c.inFlight[jobID]
		c.inFlightMu.Unlock()
		if !ok {
			return fmt.Errorf("coordinator: job %s claimed but not yet dispatched, retry cancel shortly", jobID)
		}
		return c.pool.Cancel(executionID)
	default:
		return queue.ErrTerminalState{JobID: jobID, State: job.State}
	}
}

// ExecuteSync submits task_ref/input and blocks until the resulting
// Execution reaches a terminal state or timeout elapses (spec.md §6.1
// "execute_sync": convenience wrapper around submit + wait).
func (c *Coordinator) ExecuteSync(ctx context.Context, taskRef string, input any, timeout time.Duration) (*store.Execution, error) {
	jobID, err := c.SubmitJob(ctx, taskRef, input, queue.EnqueueOptions{Trigger: queue.TriggerAPI})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e, err := c.findExecutionByJobID(ctx, jobID); err == nil && isTerminal(e.State) {
			return e, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SubscribeExecution delivers the current Execution immediately, then
// every subsequent state or progress change, unsubscribing automatically
// once a terminal state is observed or ctx is cancelled (spec.md §6.1
// "subscribe_execution").
func (c *Coordinator) SubscribeExecution(ctx context.Context, executionID string, callback func(*store.Execution)) error {
	e, err := c.store.Get(ctx, executionID)
	if err != nil {
		return err
	}
	callback(e)
	if isTerminal(e.State) {
		return nil
	}

	go func() {
		lastState := e.State
		var lastProgressAt time.Time
		if e.Progress != nil {
			lastProgressAt = e.Progress.UpdatedAt
		}

		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur, err := c.store.Get(ctx, executionID)
				if err != nil {
					return
				}
				changed := cur.State != lastState
				if cur.Progress != nil && cur.Progress.UpdatedAt != lastProgressAt {
					changed = true
					lastProgressAt = cur.Progress.UpdatedAt
				}
				if changed {
					callback(cur)
					lastState = cur.State
				}
				if isTerminal(cur.State) {
					return
				}
			}
		}
	}()
	return nil
}

func (c *Coordinator) findExecutionByJobID(ctx context.Context, jobID string) (*store.Execution, error) {
	rows, err := c.store.List(ctx, store.Filter{}, store.Page{})
	if err != nil {
		return nil, err
	}
	for _, e := range rows {
		if e.JobID == jobID {
			return e, nil
		}
	}
	return nil, store.ErrNotFound
}

func isTerminal(s store.State) bool {
	switch s {
	case store.StateCompleted, store.StateFailed, store.StateCancelled, store.StateTimedOut:
		return true
	}
	return false
}
