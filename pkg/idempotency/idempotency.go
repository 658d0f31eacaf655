package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/ident"
	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/metrics"
	"github.com/meridianhq/axis/pkg/storage"
	"github.com/meridianhq/axis/pkg/types"
)

// Outcome tells the executor whether to run the step or reuse a result.
type Outcome string

const (
	OutcomeExecute Outcome = "execute"
	OutcomeCached  Outcome = "cached"
)

// Check is the decision for one (job, step) pair.
type Check struct {
	Outcome     Outcome
	ExecutionID string
	// Result holds the stored step result when Outcome is cached. An empty
	// JSON object stands in when the completed row stored nothing.
	Result json.RawMessage
}

// Log is the durable execution log keyed by deterministic execution ids,
// giving step execution at-most-once completion across crashes.
type Log struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewLog creates an idempotency log over the store.
func NewLog(store storage.Store) *Log {
	return &Log{store: store, logger: log.WithComponent("idempotency")}
}

// CheckIdempotency decides whether a step must run. A missing, started or
// failed row yields execute and (re)marks the row started now; started rows
// of any age are treated as resumable after a crash. A completed row is
// terminal and yields cached.
func (l *Log) CheckIdempotency(jobID, stepID string) (*Check, error) {
	execID := ident.ExecutionID(jobID, stepID)

	entry, err := l.store.GetExecution(execID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to read execution log: %w", err)
	}

	if entry != nil && entry.Status == types.ExecutionCompleted {
		metrics.IdempotencyCacheHits.Inc()
		result := entry.Result
		if len(result) == 0 {
			result = json.RawMessage(`{}`)
		}
		l.logger.Debug().
			Str("job_id", jobID).
			Str("step_id", stepID).
			Msg("step already completed, serving cached result")
		return &Check{Outcome: OutcomeCached, ExecutionID: execID, Result: result}, nil
	}

	now := time.Now().UTC()
	row := &types.ExecutionLogEntry{
		ExecutionID: execID,
		JobID:       jobID,
		StepID:      stepID,
		Status:      types.ExecutionStarted,
		StartedAt:   now,
	}
	if entry != nil {
		// started or failed: reset in place, same execution id.
		l.logger.Debug().
			Str("job_id", jobID).
			Str("step_id", stepID).
			Str("previous", string(entry.Status)).
			Msg("resuming step execution")
	}
	if err := l.store.PutExecution(row); err != nil {
		return nil, fmt.Errorf("failed to mark execution started: %w", err)
	}
	return &Check{Outcome: OutcomeExecute, ExecutionID: execID}, nil
}

// RecordCompletion marks the execution completed and stores its result.
// Completed is terminal for an execution id.
func (l *Log) RecordCompletion(executionID string, result json.RawMessage) error {
	entry, err := l.store.GetExecution(executionID)
	if err != nil {
		return fmt.Errorf("failed to read execution %s: %w", executionID, err)
	}

	entry.Status = types.ExecutionCompleted
	entry.CompletedAt = time.Now().UTC()
	entry.Result = result
	return l.store.PutExecution(entry)
}

// RecordFailure marks the execution failed so the next check re-executes.
func (l *Log) RecordFailure(executionID string) error {
	entry, err := l.store.GetExecution(executionID)
	if err != nil {
		return fmt.Errorf("failed to read execution %s: %w", executionID, err)
	}

	entry.Status = types.ExecutionFailed
	entry.CompletedAt = time.Now().UTC()
	entry.Result = nil
	return l.store.PutExecution(entry)
}
