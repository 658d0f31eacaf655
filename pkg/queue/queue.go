package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/audit"
	"github.com/meridianhq/axis/pkg/events"
	"github.com/meridianhq/axis/pkg/ident"
	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/metrics"
	"github.com/meridianhq/axis/pkg/storage"
	"github.com/meridianhq/axis/pkg/types"
)

// allowed is the exhaustive transition table. Anything absent is illegal.
var allowed = map[types.JobStatus][]types.JobStatus{
	types.JobStatusPending:          {types.JobStatusPlanning, types.JobStatusCancelled},
	types.JobStatusPlanning:         {types.JobStatusValidating, types.JobStatusFailed, types.JobStatusCancelled},
	types.JobStatusValidating:       {types.JobStatusAwaitingApproval, types.JobStatusExecuting, types.JobStatusRejected, types.JobStatusPlanning, types.JobStatusFailed, types.JobStatusCancelled},
	types.JobStatusAwaitingApproval: {types.JobStatusExecuting, types.JobStatusRejected, types.JobStatusCancelled},
	types.JobStatusExecuting:        {types.JobStatusReflecting, types.JobStatusFailed, types.JobStatusCancelled},
	types.JobStatusReflecting:       {types.JobStatusCompleted, types.JobStatusFailed},
}

// Allowed reports whether (from, to) is a declared transition.
func Allowed(from, to types.JobStatus) bool {
	for _, t := range allowed[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CreateOptions carries the caller-supplied fields of a new job.
type CreateOptions struct {
	ConversationID string
	Source         types.JobSource
	Content        string
	Metadata       map[string]string
}

// Queue is the durable job queue. All status changes are compare-and-set
// transactions in the store, so a job's transitions are totally ordered.
type Queue struct {
	store  storage.Store
	events *events.Broker
	audit  audit.Writer
	logger zerolog.Logger

	// pressure is consulted before admitting a new job. Nil means no
	// backpressure; a non-nil error refuses creation.
	pressure func() error
}

// New creates a queue over the given store.
func New(store storage.Store, broker *events.Broker, auditWriter audit.Writer) *Queue {
	return &Queue{
		store:  store,
		events: broker,
		audit:  auditWriter,
		logger: log.WithComponent("queue"),
	}
}

// SetPressureCheck installs the admission check run by CreateJob. The
// resource monitor wires this up at startup.
func (q *Queue) SetPressureCheck(check func() error) {
	q.pressure = check
}

// CreateJob persists a new pending job. Creation is refused while disk
// pressure is active; in-flight jobs are unaffected.
func (q *Queue) CreateJob(opts CreateOptions) (*types.Job, error) {
	if q.pressure != nil {
		if err := q.pressure(); err != nil {
			q.logger.Warn().Err(err).Msg("refusing job creation under resource pressure")
			return nil, err
		}
	}
	if opts.Source == "" {
		opts.Source = types.JobSourceUser
	}

	now := time.Now().UTC()
	job := &types.Job{
		ID:             ident.NewID(),
		ConversationID: opts.ConversationID,
		Source:         opts.Source,
		Status:         types.JobStatusPending,
		Content:        opts.Content,
		Metadata:       opts.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if err := q.audit.Record("queue", "job.create", job.ID, string(job.Source)); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to audit job creation")
	}
	q.publishStatus(job, "")

	q.logger.Info().
		Str("job_id", job.ID).
		Str("source", string(job.Source)).
		Msg("created job")
	return job, nil
}

// Get returns one job.
func (q *Queue) Get(id string) (*types.Job, error) {
	return q.store.GetJob(id)
}

// List returns all jobs.
func (q *Queue) List() ([]*types.Job, error) {
	return q.store.ListJobs()
}

// ListByStatus returns all jobs in one status.
func (q *Queue) ListByStatus(status types.JobStatus) ([]*types.Job, error) {
	return q.store.ListJobsByStatus(status)
}

// Transition moves a job from expectedFrom to to, applying patch in the
// same transaction. It fails with ILLEGAL_TRANSITION when the pair is not
// in the table or the row is no longer in expectedFrom.
func (q *Queue) Transition(id string, expectedFrom, to types.JobStatus, patch func(*types.Job)) (*types.Job, error) {
	if !Allowed(expectedFrom, to) {
		return nil, &types.JobError{
			Kind:    types.ErrIllegalTransition,
			Message: fmt.Sprintf("transition %s → %s is not permitted", expectedFrom, to),
		}
	}

	job, err := q.store.TransitionJob(id, expectedFrom, to, func(j *types.Job) {
		if patch != nil {
			patch(j)
		}
		if to.Terminal() {
			j.CompletedAt = time.Now().UTC()
		}
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil, &types.JobError{
			Kind:    types.ErrIllegalTransition,
			Message: fmt.Sprintf("job %s is not in %s", id, expectedFrom),
		}
	}
	if err != nil {
		return nil, err
	}

	metrics.JobTransitions.WithLabelValues(string(expectedFrom), string(to)).Inc()
	if err := q.audit.Record("queue", "job.transition", id, fmt.Sprintf("%s→%s", expectedFrom, to)); err != nil {
		q.logger.Error().Err(err).Str("job_id", id).Msg("failed to audit transition")
	}
	q.publishStatus(job, expectedFrom)

	q.logger.Debug().
		Str("job_id", id).
		Str("from", string(expectedFrom)).
		Str("to", string(to)).
		Msg("job transitioned")
	return job, nil
}

// Claim hands the oldest pending job to a worker, moving it to planning in
// one transaction. Returns (nil, nil) when the queue is empty.
func (q *Queue) Claim(workerID string) (*types.Job, error) {
	job, err := q.store.ClaimOldestPending(workerID, time.Now().UTC())
	if err != nil || job == nil {
		return nil, err
	}

	metrics.WorkerClaims.Inc()
	metrics.JobTransitions.WithLabelValues(string(types.JobStatusPending), string(types.JobStatusPlanning)).Inc()
	q.publishStatus(job, types.JobStatusPending)

	q.logger.Debug().
		Str("job_id", job.ID).
		Str("worker_id", workerID).
		Msg("job claimed")
	return job, nil
}

// Cancel moves any non-terminal job to cancelled.
func (q *Queue) Cancel(id string) (*types.Job, error) {
	job, err := q.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, &types.JobError{
			Kind:    types.ErrIllegalTransition,
			Message: fmt.Sprintf("job %s already %s", id, job.Status),
		}
	}
	return q.Transition(id, job.Status, types.JobStatusCancelled, nil)
}

// inFlight are the states recovery may revert. Pending needs no recovery
// and awaiting_approval is deliberately left alone so a restart never
// discards an issued approval request.
var inFlight = []types.JobStatus{
	types.JobStatusPlanning,
	types.JobStatusValidating,
	types.JobStatusExecuting,
	types.JobStatusReflecting,
}

// Recover reverts in-flight jobs left behind by a crash. Rows stale beyond
// the grace period go back to pending with attempts incremented, or to
// failed with EXCEEDED_ATTEMPTS once attempts exceed maxAttempts.
// Recovery bypasses the transition table; it is the one caller allowed to.
func (q *Queue) Recover(grace time.Duration, maxAttempts int) (int, error) {
	cutoff := time.Now().UTC().Add(-grace)
	recovered := 0

	for _, status := range inFlight {
		jobs, err := q.store.ListJobsByStatus(status)
		if err != nil {
			return recovered, err
		}
		for _, job := range jobs {
			if job.UpdatedAt.After(cutoff) {
				continue
			}

			if job.Attempts+1 > maxAttempts {
				_, err = q.store.TransitionJob(job.ID, status, types.JobStatusFailed, func(j *types.Job) {
					j.Attempts++
					j.Error = &types.JobError{
						Kind:    types.ErrExceededAttempts,
						Message: fmt.Sprintf("gave up after %d attempts", j.Attempts),
					}
					j.CompletedAt = time.Now().UTC()
				})
			} else {
				_, err = q.store.TransitionJob(job.ID, status, types.JobStatusPending, func(j *types.Job) {
					j.Attempts++
					j.WorkerID = ""
				})
			}
			if errors.Is(err, storage.ErrStatusConflict) {
				// Someone moved it since we listed; leave it be.
				continue
			}
			if err != nil {
				return recovered, err
			}

			recovered++
			metrics.JobsRecovered.Inc()
			q.logger.Warn().
				Str("job_id", job.ID).
				Str("stale_status", string(status)).
				Int("attempts", job.Attempts+1).
				Msg("recovered stale job")
		}
	}
	return recovered, nil
}

func (q *Queue) publishStatus(job *types.Job, from types.JobStatus) {
	if q.events == nil {
		return
	}
	payload := map[string]any{"status": string(job.Status)}
	if from != "" {
		payload["previous"] = string(from)
	}
	if job.Error != nil {
		payload["error"] = job.Error
	}
	q.events.Publish(&events.Event{
		ID:      ident.NewID(),
		Type:    events.EventStatusUpdate,
		JobID:   job.ID,
		Payload: payload,
	})
}
