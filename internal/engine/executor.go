package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// Execute implements api.Engine. It drives the instance to a terminal
// state, applying instance-level retry on failure, and returns the final
// snapshot. Control flow for one instance is serialized: only one wave
// advances at a time.
func (e *Engine) Execute(ctx context.Context, instanceID string) (api.InstanceSnapshot, error) {
	e.mu.RLock()
	inst, ok := e.instances[instanceID]
	closed := e.closed
	e.mu.RUnlock()
	if !ok {
		return api.InstanceSnapshot{}, api.Errorf(api.KindUnknownInstance, "instance %s not found", instanceID)
	}
	if closed {
		return inst.snapshot(), api.Errorf(api.KindClosed, "engine is closed")
	}

	inst.mu.Lock()
	switch {
	case inst.status.Terminal():
		inst.mu.Unlock()
		return inst.snapshot(), api.Errorf(api.KindAlreadyTerminal, "instance %s is %s", instanceID, inst.status)
	case inst.status != api.StatusCreated:
		inst.mu.Unlock()
		return inst.snapshot(), api.Errorf(api.KindNotRunning, "instance %s is already %s", instanceID, inst.status)
	}
	inst.mu.Unlock()

	if !e.sem.TryAcquire(1) {
		return inst.snapshot(), api.Errorf(api.KindCapacityExceeded,
			"no execution slots free (max %d)", e.cfg.MaxConcurrentInstances)
	}
	defer e.sem.Release(1)

	e.wg.Add(1)
	defer e.wg.Done()

	retry := e.retryPolicy(inst.tpl)
	attempt := 0

	for {
		err := e.runOnce(ctx, inst)
		if err == nil {
			return e.finish(ctx, inst, nil), nil
		}

		inst.mu.Lock()
		cancelled := inst.cancelled
		inst.mu.Unlock()
		if cancelled {
			return e.finish(ctx, inst, err), nil
		}

		if retry == nil || attempt >= retry.MaxRetries {
			return e.finish(ctx, inst, err), nil
		}

		attempt++
		delay := backoffDelay(retry.BaseDelay, attempt, e.cfg.RetryJitter)
		e.log.Info("retrying workflow",
			slog.String("instance_id", inst.id),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)

		if !e.sleep(ctx, delay) {
			return e.finish(ctx, inst, api.Wrap(api.KindTimeout, ctx.Err(), "retry wait interrupted")), nil
		}

		inst.prepareRetry(attempt)
	}
}

// retryPolicy resolves the effective policy: template override first,
// then engine config. Nil means no retry.
func (e *Engine) retryPolicy(tpl api.Template) *api.RetryPolicy {
	if tpl.Retry != nil {
		return tpl.Retry
	}
	if !e.cfg.EnableRetry || e.cfg.MaxRetries <= 0 {
		return nil
	}
	return &api.RetryPolicy{MaxRetries: e.cfg.MaxRetries, BaseDelay: e.cfg.BaseRetryDelay}
}

// backoffDelay is base × 2^attempt with ±jitter applied.
func backoffDelay(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = api.DefaultEngineConfig().BaseRetryDelay
	}
	d := base << uint(attempt)
	if jitter > 0 {
		spread := 1 + jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * spread)
	}
	return d
}

// sleep waits out d, honoring ctx and engine shutdown. Returns false if
// interrupted.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-e.shutdown:
		return false
	}
}

// prepareRetry resets non-checkpointed steps to pending for a full
// restart. Completed checkpoint steps keep their results and are not
// re-executed.
func (inst *instance) prepareRetry(attempt int) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	checkpointed := make(map[string]bool, len(inst.tpl.Steps))
	for _, s := range inst.tpl.Steps {
		checkpointed[s.ID] = s.Checkpoint
	}
	for id, st := range inst.steps {
		if st.status == api.StepCompleted && checkpointed[id] {
			continue
		}
		st.status = api.StepPending
		st.result = nil
		st.err = nil
		st.started = time.Time{}
		st.ended = time.Time{}
	}
	inst.status = api.StatusCreated
	inst.err = nil
	inst.retries = attempt
}

// runOnce executes the full DAG once: waves of ready steps run
// concurrently, completed steps unblock their successors.
func (e *Engine) runOnce(ctx context.Context, inst *instance) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inst.mu.Lock()
	inst.status = api.StatusRunning
	inst.cancel = cancel
	if inst.started.IsZero() {
		inst.started = time.Now()
	}
	done := make(map[string]bool, len(inst.steps))
	for id, st := range inst.steps {
		if st.status == api.StepCompleted {
			done[id] = true
		}
	}
	inst.mu.Unlock()

	snap := inst.snapshot()
	e.obs.OnWorkflowStart(ctx, snap)
	e.emit(api.TopicWorkflowStarted, inst.id, map[string]any{
		"workflow_id": inst.id,
		"template":    inst.tpl.Name,
		"retries":     snap.Retries,
	})
	e.runHook(ctx, inst, api.PhaseOnStart)

	dag := newDAGState(inst.tpl.Steps, done)
	failFast := inst.tpl.FailFast == nil || *inst.tpl.FailFast
	var firstFailure error

	for dag.remaining > 0 {
		if err := e.gate(runCtx, inst); err != nil {
			inst.markRemaining(api.StepCancelled)
			return err
		}

		wave := dag.wave()
		if len(wave) == 0 {
			// Validation guarantees acyclicity, so an empty ready set
			// with unfinished steps means failed predecessors blocked
			// the rest (fail_fast off) or a scheduling bug.
			if firstFailure != nil {
				inst.markRemaining(api.StepSkipped)
				return firstFailure
			}
			return api.Errorf(api.KindStuckWorkflow,
				"instance %s has %d unfinished steps but nothing ready", inst.id, dag.remaining)
		}

		results := e.runWave(runCtx, inst, wave)

		for _, r := range results {
			if r.err == nil {
				dag.complete(r.stepID)
				continue
			}
			dag.fail(r.stepID)
			if firstFailure == nil {
				firstFailure = r.err
			}
		}

		if firstFailure != nil && failFast {
			inst.markRemaining(api.StepSkipped)
			return firstFailure
		}
	}

	return firstFailure
}

// gate blocks while the instance is paused and surfaces cancellation.
func (e *Engine) gate(ctx context.Context, inst *instance) error {
	for {
		inst.mu.Lock()
		if inst.cancelled {
			inst.mu.Unlock()
			return api.Errorf(api.KindNotRunning, "instance %s cancelled", inst.id)
		}
		if inst.status != api.StatusPaused {
			inst.mu.Unlock()
			return nil
		}
		resume := inst.resume
		inst.mu.Unlock()

		select {
		case <-resume:
		case <-ctx.Done():
			return api.Wrap(api.KindTimeout, ctx.Err(), "instance %s interrupted while paused", inst.id)
		case <-e.shutdown:
			return api.Errorf(api.KindClosed, "engine shutting down")
		}
	}
}

type waveResult struct {
	stepID string
	err    error
}

// runWave runs all ready steps concurrently and waits for the wave.
func (e *Engine) runWave(ctx context.Context, inst *instance, wave []string) []waveResult {
	results := make([]waveResult, len(wave))
	var wg sync.WaitGroup
	wg.Add(len(wave))
	for i, stepID := range wave {
		i, stepID := i, stepID
		go func() {
			defer wg.Done()
			results[i] = waveResult{stepID: stepID, err: e.executeStep(ctx, inst, stepID)}
		}()
	}
	wg.Wait()
	return results
}

// executeStep runs one step action under the step timeout, recording the
// terminal state exactly once and publishing the step lifecycle event.
func (e *Engine) executeStep(ctx context.Context, inst *instance, stepID string) error {
	var step api.Step
	for _, s := range inst.tpl.Steps {
		if s.ID == stepID {
			step = s
			break
		}
	}

	inst.mu.Lock()
	st := inst.steps[stepID]
	st.status = api.StepRunning
	st.started = time.Now()
	st.attempts++
	req := api.ActionRequest{
		WorkflowID: inst.id,
		StepID:     stepID,
		Params:     mergeParams(inst.tpl.Params, inst.params, step.Params),
		Results:    make(map[string]map[string]any, len(step.DependsOn)),
	}
	for _, dep := range step.DependsOn {
		if ds := inst.steps[dep]; ds.status == api.StepCompleted {
			req.Results[dep] = copyMap(ds.result)
		}
	}
	inst.mu.Unlock()

	e.obs.OnStepStart(ctx, inst.id, stepID)
	start := time.Now()

	result, err := e.invokeAction(ctx, inst, step, req)

	elapsed := time.Since(start)
	e.obs.OnStepFinished(ctx, inst.id, stepID, err, elapsed)

	inst.mu.Lock()
	st.ended = time.Now()
	if err == nil {
		st.status = api.StepCompleted
		st.result = result
	} else if inst.cancelled {
		st.status = api.StepCancelled
		st.err = err
	} else {
		st.status = api.StepFailed
		st.err = err
	}
	inst.mu.Unlock()

	if err == nil {
		e.emit(api.TopicWorkflowStepCompleted, inst.id, map[string]any{
			"workflow_id": inst.id,
			"step_id":     stepID,
			"duration_ms": elapsed.Milliseconds(),
		})
	} else {
		e.emit(api.TopicWorkflowStepFailed, inst.id, map[string]any{
			"workflow_id": inst.id,
			"step_id":     stepID,
			"error":       err.Error(),
			"duration_ms": elapsed.Milliseconds(),
		})
	}
	return err
}

// invokeAction dispatches to the registered action with the step timeout
// applied. A step that ignores cancellation past the grace window is
// orphaned; its eventual result is discarded.
func (e *Engine) invokeAction(ctx context.Context, inst *instance, step api.Step, req api.ActionRequest) (map[string]any, error) {
	action, ok := e.action(step.Action)
	if !ok {
		return nil, api.Errorf(api.KindHandlerError, "no action registered for %q", step.Action)
	}

	stepCtx, cancel := context.WithTimeout(ctx, inst.timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: api.Errorf(api.KindHandlerError, "action %s panic: %v", step.Action, r)}
			}
		}()
		result, err := action.Execute(stepCtx, req)
		if err != nil && api.KindOf(err) == api.KindHandlerError {
			err = api.Wrap(api.KindHandlerError, err, "action %s", step.Action)
		}
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-stepCtx.Done():
		// Give the action a grace window to honor the cancellation,
		// then abandon it.
		select {
		case <-ch:
		case <-time.After(e.cfg.CancelGrace):
			e.log.Warn("orphaning step that ignored cancellation",
				slog.String("instance_id", inst.id),
				slog.String("step", step.ID),
			)
		}
		if stepCtx.Err() == context.DeadlineExceeded {
			return nil, api.Errorf(api.KindTimeout, "step %s exceeded %s", step.ID, inst.timeout)
		}
		return nil, api.Wrap(api.KindTimeout, stepCtx.Err(), "step %s cancelled", step.ID)
	}
}

// markRemaining moves every still-pending step into the given terminal
// state.
func (inst *instance) markRemaining(status api.StepStatus) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for _, st := range inst.steps {
		if st.status == api.StepPending {
			st.status = status
		}
	}
}

// finish records the terminal status, runs the matching hooks and
// publishes the terminal lifecycle event.
func (e *Engine) finish(ctx context.Context, inst *instance, err error) api.InstanceSnapshot {
	inst.mu.Lock()
	inst.ended = time.Now()
	inst.err = err
	cancelled := inst.cancelled
	switch {
	case cancelled:
		inst.status = api.StatusCancelled
	case err != nil:
		inst.status = api.StatusFailed
	default:
		inst.status = api.StatusCompleted
	}
	inst.cancel = nil
	duration := inst.ended.Sub(inst.started)
	inst.mu.Unlock()

	snap := inst.snapshot()
	e.obs.OnWorkflowFinished(ctx, snap, err)

	switch snap.Status {
	case api.StatusCompleted:
		e.runHook(ctx, inst, api.PhaseOnComplete)
		e.emit(api.TopicWorkflowCompleted, inst.id, map[string]any{
			"workflow_id": inst.id,
			"template":    inst.tpl.Name,
			"duration_ms": duration.Milliseconds(),
		})
	case api.StatusCancelled:
		e.runHook(ctx, inst, api.PhaseOnError)
		e.emit(api.TopicWorkflowCancelled, inst.id, map[string]any{
			"workflow_id": inst.id,
			"template":    inst.tpl.Name,
		})
	default:
		e.runHook(ctx, inst, api.PhaseOnError)
		e.emit(api.TopicWorkflowFailed, inst.id, map[string]any{
			"workflow_id": inst.id,
			"template":    inst.tpl.Name,
			"error":       snap.Error,
			"duration_ms": duration.Milliseconds(),
		})
	}
	return snap
}

// runHook invokes a lifecycle hook if the template declares one. Hook
// panics are contained; hooks cannot change the instance outcome.
func (e *Engine) runHook(ctx context.Context, inst *instance, phase api.Phase) {
	hook, ok := inst.tpl.Hooks[phase]
	if !ok || hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("lifecycle hook panic",
				slog.String("instance_id", inst.id),
				slog.String("phase", string(phase)),
				slog.Any("panic", r),
			)
		}
	}()
	hook(ctx, inst.snapshot())
}
