package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/c360studio/taskforge/executor"
	"github.com/c360studio/taskforge/queue"
	"github.com/c360studio/taskforge/store"
)

// dispatchLoop claims ready jobs off the queue on a fixed poll interval
// and spawns one goroutine per claimed job, bounded by c.sem, mirroring
// the teacher's semaphore-bounded dispatch pattern generalized from a
// JetStream consumer pull loop to queue.Queue.Claim.
func (c *Coordinator) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.DispatchPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.claimAndDispatch(ctx)
		}
	}
}

func (c *Coordinator) claimAndDispatch(ctx context.Context) {
	jobs, err := c.queue.Claim(ctx, c.workerID, c.cfg.ClaimBatchSize, c.cfg.ClaimLease)
	if err != nil {
		c.logger.Warn("claim failed", slog.String("error", err.Error()))
		return
	}
	for _, j := range jobs {
		j := j
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer func() { <-c.sem }()
			c.runJob(c.workCtx, j)
		}()
	}
}

// runJob carries one claimed Job through a single Execution attempt:
// resolve the task, create the execution row, dispatch to the worker
// pool, classify the outcome into an Execution terminal state and a
// Job ack decision, fan the result out to delivery, and ack the job.
func (c *Coordinator) runJob(ctx context.Context, j queue.Job) {
	if err := c.queue.SetRunning(ctx, j.ID); err != nil {
		c.logger.Warn("mark job running failed", slog.String("job_id", j.ID), slog.String("error", err.Error()))
		return
	}

	task, err := c.registry.Resolve(j.TaskRef)
	if err != nil {
		c.logger.Error("dispatched job references unresolvable task",
			slog.String("job_id", j.ID), slog.String("task_ref", j.TaskRef), slog.String("error", err.Error()))
		_ = c.queue.Ack(ctx, j.ID, queue.OutcomeRetryable, "task_ref no longer resolves: "+err.Error())
		return
	}
	c.registry.Acquire(task.Fingerprint)
	defer c.registry.Release(task.Fingerprint)

	executionID, err := c.store.Create(ctx, task.Fingerprint, j.Input, j.ID)
	if err != nil {
		c.logger.Error("create execution row failed", slog.String("job_id", j.ID), slog.String("error", err.Error()))
		_ = c.queue.Ack(ctx, j.ID, queue.OutcomeRetryable, "create execution: "+err.Error())
		return
	}

	c.inFlightMu.Lock()
	c.inFlight[j.ID] = executionID
	c.inFlightMu.Unlock()
	defer func() {
		c.inFlightMu.Lock()
		delete(c.inFlight, j.ID)
		c.inFlightMu.Unlock()
	}()

	startedAt := time.Now()
	if err := c.store.Transition(ctx, executionID, store.StatePending, store.StateRunning, func(e *store.Execution) {
		e.Timings.StartedAt = &startedAt
	}); err != nil {
		c.logger.Warn("transition execution to running failed", slog.String("execution_id", executionID), slog.String("error", err.Error()))
	}

	outcome, dispatchErr := c.pool.Dispatch(ctx, executionID, executor.Request{
		Fingerprint:  task.Fingerprint,
		SourceCode:   task.SourceCode,
		InputSchema:  task.InputSchema,
		OutputSchema: task.OutputSchema,
		Input:        j.Input,
	})

	finishedAt := time.Now()
	durationMS := finishedAt.Sub(startedAt).Milliseconds()

	var toState store.State
	var structErr *store.StructuredError
	var queueOutcome queue.Outcome
	var lastError string

	if dispatchErr != nil {
		// The pool itself refused the dispatch (saturated/closed); treat
		// as a transient infrastructure failure, retryable by the job.
		toState = store.StateFailed
		structErr = &store.StructuredError{Code: "TransientInfra", Message: dispatchErr.Error()}
		queueOutcome = queue.OutcomeRetryable
		lastError = dispatchErr.Error()
	} else {
		toState, structErr, queueOutcome = classifyOutcome(outcome)
		if structErr != nil {
			lastError = structErr.Message
		}
	}

	patch := func(e *store.Execution) {
		e.Timings.FinishedAt = &finishedAt
		e.Timings.DurationMS = &durationMS
		if toState == store.StateCompleted {
			e.Output = outcome.Output
		}
		if structErr != nil {
			e.Error = structErr
		}
	}
	if err := c.store.Transition(ctx, executionID, store.StateRunning, toState, patch); err != nil {
		c.logger.Error("transition execution to terminal state failed",
			slog.String("execution_id", executionID), slog.String("to", string(toState)), slog.String("error", err.Error()))
	}

	if e, err := c.store.Get(ctx, executionID); err == nil {
		if err := c.delivery.EnumerateAndAttempt(ctx, e); err != nil {
			c.logger.Warn("enumerate delivery attempts failed", slog.String("execution_id", executionID), slog.String("error", err.Error()))
		}
	}

	if err := c.queue.Ack(ctx, j.ID, queueOutcome, lastError); err != nil {
		c.logger.Warn("ack job failed", slog.String("job_id", j.ID), slog.String("error", err.Error()))
	}
}

// classifyOutcome maps an executor.Outcome's error (spec.md §4.2's
// resource/crash/timeout taxonomy, spec.md §7's error taxonomy) to the
// Execution terminal state it produces and the ack decision the owning
// Job gets.
func classifyOutcome(outcome executor.Outcome) (store.State, *store.StructuredError, queue.Outcome) {
	err := outcome.Err
	if err == nil {
		return store.StateCompleted, nil, queue.OutcomeSucceeded
	}

	switch {
	case errors.Is(err, executor.ErrTimedOut):
		return store.StateTimedOut, &store.StructuredError{Code: "Timeout", Message: err.Error()}, queue.OutcomeRetryable
	case errors.Is(err, executor.ErrCancelled):
		return store.StateCancelled, nil, queue.OutcomeCancelled
	}

	var resourceErr *executor.ResourceExceeded
	if errors.As(err, &resourceErr) {
		return store.StateFailed, &store.StructuredError{
			Code: "ResourceExceeded", Message: err.Error(), Data: map[string]any{"dimension": string(resourceErr.Dimension)},
		}, queue.OutcomeRetryable
	}

	var crashErr *executor.WorkerCrashed
	if errors.As(err, &crashErr) {
		return store.StateFailed, &store.StructuredError{Code: "WorkerCrashed", Message: err.Error()}, queue.OutcomeRetryable
	}

	var protoErr *executor.ProtocolViolation
	if errors.As(err, &protoErr) {
		return store.StateFailed, &store.StructuredError{Code: "ProtocolViolation", Message: err.Error()}, queue.OutcomeRetryable
	}

	var execErr *executor.ExecutionError
	if errors.As(err, &execErr) {
		return store.StateFailed, &store.StructuredError{
			Code: execErr.Code, Message: execErr.Message, Data: execErr.Data,
		}, queue.OutcomeRetryable
	}

	return store.StateFailed, &store.StructuredError{Code: "TransientInfra", Message: err.Error()}, queue.OutcomeRetryable
}
