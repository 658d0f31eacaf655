package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/approval"
	"github.com/meridianhq/axis/pkg/circuit"
	"github.com/meridianhq/axis/pkg/config"
	"github.com/meridianhq/axis/pkg/dag"
	"github.com/meridianhq/axis/pkg/events"
	"github.com/meridianhq/axis/pkg/idempotency"
	"github.com/meridianhq/axis/pkg/ident"
	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/queue"
	"github.com/meridianhq/axis/pkg/router"
	"github.com/meridianhq/axis/pkg/storage"
	"github.com/meridianhq/axis/pkg/types"
)

// Orchestrator drives a claimed job through its lifecycle. It owns the
// planning, validation, verdict routing, DAG execution and reflection
// phases; the queue owns the legality of every transition it requests.
type Orchestrator struct {
	queue    *queue.Queue
	router   *router.Router
	store    storage.Store
	approval *approval.Coordinator
	idem     *idempotency.Log
	breaker  *circuit.Breaker
	events   *events.Broker
	executor *dag.Executor
	limits   config.Limits
	logger   zerolog.Logger
}

// New creates an orchestrator. The DAG executor consults the breaker
// before entering any step bound for a gear.
func New(q *queue.Queue, r *router.Router, store storage.Store, coord *approval.Coordinator, idem *idempotency.Log, breaker *circuit.Breaker, broker *events.Broker, limits config.Limits) *Orchestrator {
	return &Orchestrator{
		queue:    q,
		router:   r,
		store:    store,
		approval: coord,
		idem:     idem,
		breaker:  breaker,
		events:   broker,
		executor: dag.NewExecutor(limits.MaxConcurrentSteps, func(gear string) bool {
			return !breaker.Allow(gear)
		}),
		limits: limits,
		logger: log.WithComponent("orchestrator"),
	}
}

// Process takes a freshly claimed job (already in planning) to a parked or
// terminal state. It is the worker pool's processor.
func (o *Orchestrator) Process(ctx context.Context, job *types.Job) {
	ctx, cancel := context.WithTimeout(ctx, o.limits.JobTimeout)
	defer cancel()

	jobID := job.ID

	for {
		plan, planErr := o.plan(ctx, job)
		if planErr != nil {
			o.fail(job.ID, types.JobStatusPlanning, planErr.Kind, planErr.Message)
			return
		}

		var err error
		job, err = o.queue.Transition(job.ID, types.JobStatusPlanning, types.JobStatusValidating, func(j *types.Job) {
			j.Plan = plan
		})
		if err != nil {
			o.logger.Warn().Err(err).Str("job_id", jobID).Msg("job moved out from under planning")
			return
		}

		validation, valErr := o.validate(ctx, job)
		if valErr != nil {
			o.fail(job.ID, types.JobStatusValidating, valErr.Kind, valErr.Message)
			return
		}
		// The verdict is persisted inside the next transition's patch so a
		// concurrent cancel can never be overwritten by a stale row.
		job.Validation = validation

		switch validation.Verdict {
		case types.VerdictApproved:
			job, err = o.queue.Transition(job.ID, types.JobStatusValidating, types.JobStatusExecuting, func(j *types.Job) {
				j.Validation = validation
			})
			if err != nil {
				o.logger.Warn().Err(err).Str("job_id", jobID).Msg("job moved out from under validating")
				return
			}
			o.runToCompletion(ctx, job)
			return

		case types.VerdictNeedsApproval:
			outcome, gateErr := o.approval.Gate(job)
			if gateErr != nil {
				o.fail(job.ID, types.JobStatusValidating, errorKind(gateErr), gateErr.Error())
				return
			}
			if outcome == approval.OutcomeAwaiting {
				// Parked. Resume picks it up after the user decides.
				return
			}
			job, err = o.queue.Get(job.ID)
			if err != nil {
				o.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to reload bypassed job")
				return
			}
			o.runToCompletion(ctx, job)
			return

		case types.VerdictRevise:
			if job.RevisionCount >= o.limits.MaxRevisionCount {
				_, err = o.queue.Transition(job.ID, types.JobStatusValidating, types.JobStatusRejected, func(j *types.Job) {
					j.Validation = validation
					j.Error = &types.JobError{
						Kind:    types.ErrPlanRejected,
						Message: fmt.Sprintf("plan still not approvable after %d revisions", j.RevisionCount),
					}
				})
				if err != nil {
					o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to reject exhausted job")
				}
				return
			}
			job, err = o.queue.Transition(job.ID, types.JobStatusValidating, types.JobStatusPlanning, func(j *types.Job) {
				j.Validation = validation
				j.RevisionCount++
			})
			if err != nil {
				o.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to send job back for revision")
				return
			}
			continue

		default: // rejected
			_, err = o.queue.Transition(job.ID, types.JobStatusValidating, types.JobStatusRejected, func(j *types.Job) {
				j.Validation = validation
				j.Error = &types.JobError{
					Kind:    types.ErrPlanRejected,
					Message: rejectionReason(validation),
				}
			})
			if err != nil {
				o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to reject job")
			}
			return
		}
	}
}

// Resume continues a job that was approved while parked in
// awaiting_approval. The approval coordinator has already moved it to
// executing; this runs the remaining phases.
func (o *Orchestrator) Resume(jobID string) {
	job, err := o.queue.Get(jobID)
	if err != nil {
		o.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to load job for resume")
		return
	}
	if job.Status != types.JobStatusExecuting {
		o.logger.Warn().Str("job_id", jobID).Str("status", string(job.Status)).Msg("resume called on non-executing job")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.limits.JobTimeout)
	defer cancel()
	o.runToCompletion(ctx, job)
}

// runToCompletion executes the plan and reflects, starting from executing.
func (o *Orchestrator) runToCompletion(ctx context.Context, job *types.Job) {
	jobID := job.ID
	result, err := o.executePlan(ctx, job)
	if err != nil {
		o.fail(job.ID, types.JobStatusExecuting, errorKind(err), err.Error())
		return
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		o.fail(job.ID, types.JobStatusExecuting, types.ErrTimeout,
			fmt.Sprintf("job exceeded its %s budget", o.limits.JobTimeout))
		return
	}
	if ctx.Err() != nil {
		// Cancelled externally; the cancel path owns the status.
		o.logger.Info().Str("job_id", job.ID).Msg("execution interrupted by cancellation")
		return
	}

	raw, merr := json.Marshal(result)
	if merr != nil {
		o.fail(job.ID, types.JobStatusExecuting, types.ErrInternal, merr.Error())
		return
	}

	if result.Status == dag.StatusFailed {
		kind, msg := failureOf(result)
		_, terr := o.queue.Transition(job.ID, types.JobStatusExecuting, types.JobStatusFailed, func(j *types.Job) {
			j.Result = raw
			j.Error = &types.JobError{Kind: kind, Message: msg}
		})
		if terr != nil {
			o.logger.Warn().Err(terr).Str("job_id", job.ID).Msg("failed to mark job failed")
		}
		o.publish(events.EventError, job.ID, map[string]any{"kind": string(kind), "error": msg})
		return
	}

	job, err = o.queue.Transition(job.ID, types.JobStatusExecuting, types.JobStatusReflecting, func(j *types.Job) {
		j.Result = raw
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("job_id", jobID).Msg("job moved out from under executing")
		return
	}

	o.reflect(ctx, job, result)

	_, err = o.queue.Transition(job.ID, types.JobStatusReflecting, types.JobStatusCompleted, nil)
	if err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to complete job")
		return
	}

	o.publish(events.EventResult, job.ID, map[string]any{
		"status":  string(result.Status),
		"steps":   len(result.StepResults),
		"elapsed": result.DurationMs,
	})
	o.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(result.Status)).
		Msg("job completed")
}

// plan asks the scout for an execution plan.
func (o *Orchestrator) plan(ctx context.Context, job *types.Job) (*types.ExecutionPlan, *types.JobError) {
	pctx, cancel := context.WithTimeout(ctx, o.limits.PlanningTimeout)
	defer cancel()

	payload, err := json.Marshal(planRequest{
		JobID:         job.ID,
		Content:       job.Content,
		RevisionCount: job.RevisionCount,
	})
	if err != nil {
		return nil, &types.JobError{Kind: types.ErrInternal, Message: err.Error()}
	}

	resp, err := o.router.Dispatch(pctx, &router.Message{
		From:    ComponentOrchestrator,
		To:      ComponentScout,
		Type:    "plan.request",
		JobID:   job.ID,
		Payload: payload,
	})
	if err != nil {
		return nil, &types.JobError{Kind: types.ErrInternal, Message: err.Error()}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var plan types.ExecutionPlan
	if err := json.Unmarshal(resp.Payload, &plan); err != nil {
		return nil, &types.JobError{Kind: types.ErrInternal, Message: "scout returned an unreadable plan: " + err.Error()}
	}
	if len(plan.Steps) == 0 {
		return nil, &types.JobError{Kind: types.ErrInternal, Message: "scout returned an empty plan"}
	}
	if plan.ID == "" {
		plan.ID = ident.NewID()
	}
	plan.JobID = job.ID
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	return &plan, nil
}

// validate sends the plan to the sentinel and returns its assessment.
func (o *Orchestrator) validate(ctx context.Context, job *types.Job) (*types.ValidationResult, *types.JobError) {
	vctx, cancel := context.WithTimeout(ctx, o.limits.ValidationTimeout)
	defer cancel()

	payload, err := json.Marshal(validateRequest{Plan: job.Plan})
	if err != nil {
		return nil, &types.JobError{Kind: types.ErrInternal, Message: err.Error()}
	}

	resp, err := o.router.Dispatch(vctx, &router.Message{
		From:    ComponentOrchestrator,
		To:      ComponentSentinel,
		Type:    "validate.request",
		JobID:   job.ID,
		Payload: payload,
	})
	if err != nil {
		return nil, &types.JobError{Kind: types.ErrInternal, Message: err.Error()}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result types.ValidationResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return nil, &types.JobError{Kind: types.ErrInternal, Message: "sentinel returned an unreadable verdict: " + err.Error()}
	}
	return &result, nil
}

// executePlan runs the job's plan through the DAG executor with the
// idempotency guard wrapped around every step.
func (o *Orchestrator) executePlan(ctx context.Context, job *types.Job) (*dag.Result, error) {
	total := len(job.Plan.Steps)
	var completed atomic.Int32

	return o.executor.Execute(ctx, job.Plan.Steps, func(ctx context.Context, step *types.PlanStep) (any, error) {
		check, err := o.idem.CheckIdempotency(job.ID, step.ID)
		if err != nil {
			return nil, err
		}
		if check.Outcome == idempotency.OutcomeCached {
			var value any
			if err := json.Unmarshal(check.Result, &value); err != nil {
				return nil, fmt.Errorf("cached result for step %s is unreadable: %w", step.ID, err)
			}
			o.reportProgress(job.ID, step.ID, int(completed.Add(1)), total)
			return value, nil
		}

		var lastErr error
		for attempt := 1; attempt <= max(o.limits.MaxStepAttempts, 1); attempt++ {
			value, err := o.dispatchStep(ctx, job, step)
			if err == nil {
				raw, merr := json.Marshal(value)
				if merr != nil {
					raw = nil
				}
				if rerr := o.idem.RecordCompletion(check.ExecutionID, raw); rerr != nil {
					o.logger.Error().Err(rerr).Str("step_id", step.ID).Msg("failed to record step completion")
				}
				o.breaker.RecordSuccess(step.Gear)
				o.reportProgress(job.ID, step.ID, int(completed.Add(1)), total)
				return value, nil
			}

			lastErr = err
			o.breaker.RecordFailure(step.Gear)
			if ctx.Err() != nil {
				break
			}
			select {
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			case <-ctx.Done():
			}
		}

		if rerr := o.idem.RecordFailure(check.ExecutionID); rerr != nil {
			o.logger.Error().Err(rerr).Str("step_id", step.ID).Msg("failed to record step failure")
		}
		return nil, lastErr
	})
}

// dispatchStep routes one step to its gear with the step timeout applied.
func (o *Orchestrator) dispatchStep(ctx context.Context, job *types.Job, step *types.PlanStep) (any, error) {
	sctx, cancel := context.WithTimeout(ctx, o.limits.StepTimeout)
	defer cancel()

	payload, err := json.Marshal(stepRequest{
		JobID:      job.ID,
		StepID:     step.ID,
		Action:     step.Action,
		Parameters: step.Parameters,
	})
	if err != nil {
		return nil, err
	}

	resp, err := o.router.Dispatch(sctx, &router.Message{
		From:    ComponentOrchestrator,
		To:      GearPrefix + step.Gear,
		Type:    "step.execute",
		JobID:   job.ID,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var value any
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &value); err != nil {
			return nil, fmt.Errorf("gear %s returned an unreadable result: %w", step.Gear, err)
		}
	}
	return value, nil
}

// reflect asks the journal to record the outcome. Failures are logged and
// swallowed; reflection never blocks completion.
func (o *Orchestrator) reflect(ctx context.Context, job *types.Job, result *dag.Result) {
	rctx, cancel := context.WithTimeout(ctx, o.limits.StepTimeout)
	defer cancel()

	payload, err := json.Marshal(reflectRequest{
		JobID:   job.ID,
		Status:  string(result.Status),
		Summary: job.Content,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to build reflection request")
		return
	}

	resp, err := o.router.Dispatch(rctx, &router.Message{
		From:    ComponentOrchestrator,
		To:      ComponentJournal,
		Type:    "reflect.request",
		JobID:   job.ID,
		Payload: payload,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("reflection dispatch failed")
		return
	}
	if resp.Error != nil {
		o.logger.Warn().
			Str("job_id", job.ID).
			Str("error_kind", string(resp.Error.Kind)).
			Msg("reflection declined")
	}
}

func (o *Orchestrator) fail(jobID string, from types.JobStatus, kind types.ErrorKind, msg string) {
	_, err := o.queue.Transition(jobID, from, types.JobStatusFailed, func(j *types.Job) {
		j.Error = &types.JobError{Kind: kind, Message: msg}
	})
	if err != nil {
		o.logger.Warn().
			Err(err).
			Str("job_id", jobID).
			Str("from", string(from)).
			Msg("failed to mark job failed")
		return
	}
	o.publish(events.EventError, jobID, map[string]any{"kind": string(kind), "message": msg})
}

func (o *Orchestrator) reportProgress(jobID, stepID string, completed, total int) {
	percent := 0
	if total > 0 {
		percent = completed * 100 / total
	}
	o.publish(events.EventProgress, jobID, map[string]any{
		"stepId":    stepID,
		"completed": completed,
		"total":     total,
		"percent":   percent,
	})
}

func (o *Orchestrator) publish(typ events.EventType, jobID string, payload map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Publish(&events.Event{
		ID:      ident.NewID(),
		Type:    typ,
		JobID:   jobID,
		Payload: payload,
	})
}

// rejectionReason picks the reasoning of the first rejected step.
func rejectionReason(v *types.ValidationResult) string {
	for _, sr := range v.StepResults {
		if sr.Verdict == types.VerdictRejected {
			return fmt.Sprintf("step %s: %s", sr.StepID, sr.Reasoning)
		}
	}
	return "plan rejected by policy"
}

// failureOf summarizes a failed run. With no failed step the run was lost
// entirely to skips; an open circuit among them is the cause worth naming.
func failureOf(result *dag.Result) (types.ErrorKind, string) {
	for _, sr := range result.StepResults {
		if sr.State == dag.StepFailed {
			return types.ErrInternal, fmt.Sprintf("step %s failed: %s", sr.StepID, sr.Error)
		}
	}
	for _, sr := range result.StepResults {
		if sr.SkipReason == dag.SkipCircuitOpen {
			return types.ErrCircuitOpen, fmt.Sprintf("step %s skipped: gear circuit open", sr.StepID)
		}
	}
	return types.ErrInternal, "plan execution failed"
}

func errorKind(err error) types.ErrorKind {
	var je *types.JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return types.ErrInternal
}
