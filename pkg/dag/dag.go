package dag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/metrics"
	"github.com/meridianhq/axis/pkg/types"
)

// StepState is the terminal state of one step.
type StepState string

const (
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// SkipReason says why a skipped step never ran.
type SkipReason string

const (
	SkipDependencyFailed SkipReason = "DEPENDENCY_FAILED"
	SkipCircuitOpen      SkipReason = "CIRCUIT_OPEN"
	SkipConditionFalse   SkipReason = "CONDITION_FALSE"
	SkipCancelled        SkipReason = "CANCELLED"
)

// StepResult is the tagged outcome of one step: exactly one of Value,
// Error or SkipReason is meaningful, selected by State.
type StepResult struct {
	StepID     string     `json:"stepId"`
	State      StepState  `json:"state"`
	Value      any        `json:"value,omitempty"`
	Error      string     `json:"error,omitempty"`
	SkipReason SkipReason `json:"skipReason,omitempty"`
	DurationMs int64      `json:"durationMs"`
}

// Status is the aggregate outcome of a plan run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Result is the outcome of executing a plan.
type Result struct {
	Status      Status        `json:"status"`
	StepResults []*StepResult `json:"stepResults"`
	DurationMs  int64         `json:"durationMs"`
}

// StepExecutor runs one step with its references already resolved.
type StepExecutor func(ctx context.Context, step *types.PlanStep) (any, error)

// CircuitPredicate reports whether the gear's circuit is open.
type CircuitPredicate func(gear string) bool

// Executor runs plan steps in dependency order: Kahn layering, bounded
// concurrency inside a layer, skip propagation across layers.
type Executor struct {
	maxConcurrency int
	circuitOpen    CircuitPredicate
	logger         zerolog.Logger
}

// NewExecutor creates an executor. circuitOpen may be nil.
func NewExecutor(maxConcurrency int, circuitOpen CircuitPredicate) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Executor{
		maxConcurrency: maxConcurrency,
		circuitOpen:    circuitOpen,
		logger:         log.WithComponent("dag"),
	}
}

// Execute runs the steps. Validation failures (self-dependency, unknown
// dependency, cycle) return an error before anything runs; execution
// failures land in the per-step results instead.
func (e *Executor) Execute(ctx context.Context, steps []*types.PlanStep, run StepExecutor) (*Result, error) {
	started := time.Now()

	byID, err := indexSteps(steps)
	if err != nil {
		return nil, err
	}
	layers, err := layer(steps, byID)
	if err != nil {
		return nil, err
	}
	reverse := reverseDeps(steps)

	state := &runState{results: make(map[string]*StepResult, len(steps))}

layers:
	for _, lay := range layers {
		if ctx.Err() != nil {
			break layers
		}

		// Pre-pass: settle everything that must not run.
		var runnable []*types.PlanStep
		for _, step := range lay {
			if state.get(step.ID) != nil {
				continue // skip-propagated by an earlier layer
			}
			if e.circuitOpen != nil && e.circuitOpen(step.Gear) {
				e.logger.Warn().Str("step_id", step.ID).Str("gear", step.Gear).Msg("skipping step, circuit open")
				state.put(&StepResult{StepID: step.ID, State: StepSkipped, SkipReason: SkipCircuitOpen})
				propagateSkips(step.ID, reverse, state)
				continue
			}
			if step.Condition != nil && !EvaluateCondition(step.Condition, state.snapshot()) {
				e.logger.Debug().Str("step_id", step.ID).Msg("skipping step, condition false")
				state.put(&StepResult{StepID: step.ID, State: StepSkipped, SkipReason: SkipConditionFalse})
				continue
			}
			runnable = append(runnable, step)
		}

		// Chunked execution: at most maxConcurrency in flight, every chunk
		// settles before the next starts.
		for start := 0; start < len(runnable); start += e.maxConcurrency {
			if ctx.Err() != nil {
				break layers
			}
			end := start + e.maxConcurrency
			if end > len(runnable) {
				end = len(runnable)
			}

			var wg sync.WaitGroup
			for _, step := range runnable[start:end] {
				wg.Add(1)
				go func(step *types.PlanStep) {
					defer wg.Done()
					e.runStep(ctx, step, run, state)
				}(step)
			}
			wg.Wait()

			for _, step := range runnable[start:end] {
				if sr := state.get(step.ID); sr != nil && sr.State == StepFailed {
					propagateSkips(step.ID, reverse, state)
				}
			}
		}
	}

	// Anything never entered was cut off by cancellation.
	for _, step := range steps {
		if state.get(step.ID) == nil {
			state.put(&StepResult{StepID: step.ID, State: StepSkipped, SkipReason: SkipCancelled})
		}
	}

	ordered := make([]*StepResult, 0, len(steps))
	for _, step := range steps {
		sr := state.get(step.ID)
		ordered = append(ordered, sr)
		metrics.StepsExecuted.WithLabelValues(string(sr.State)).Inc()
	}

	return &Result{
		Status:      aggregate(ordered),
		StepResults: ordered,
		DurationMs:  time.Since(started).Milliseconds(),
	}, nil
}

func (e *Executor) runStep(ctx context.Context, step *types.PlanStep, run StepExecutor, state *runState) {
	resolved := *step
	resolved.Parameters = e.ResolveReferences(step.Parameters, state.snapshot())

	timer := metrics.NewTimer()
	value, err := safeRun(ctx, &resolved, run)
	durationMs := timer.Duration().Milliseconds()
	timer.ObserveDuration(metrics.StepDuration.WithLabelValues(step.Gear))

	if err != nil {
		e.logger.Warn().Str("step_id", step.ID).Err(err).Msg("step failed")
		state.put(&StepResult{StepID: step.ID, State: StepFailed, Error: err.Error(), DurationMs: durationMs})
		return
	}
	state.put(&StepResult{StepID: step.ID, State: StepCompleted, Value: value, DurationMs: durationMs})
}

// safeRun turns executor panics into failed step results.
func safeRun(ctx context.Context, step *types.PlanStep, run StepExecutor) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step executor panic: %v", rec)
		}
	}()
	return run(ctx, step)
}

// runState is the shared result map; guarded because chunk goroutines
// write concurrently.
type runState struct {
	mu      sync.Mutex
	results map[string]*StepResult
}

func (s *runState) get(id string) *StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[id]
}

func (s *runState) put(r *StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.StepID] = r
}

func (s *runState) snapshot() map[string]*StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]*StepResult, len(s.results))
	for k, v := range s.results {
		snap[k] = v
	}
	return snap
}

func indexSteps(steps []*types.PlanStep) (map[string]*types.PlanStep, error) {
	byID := make(map[string]*types.PlanStep, len(steps))
	for _, step := range steps {
		if _, dup := byID[step.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", step.ID)
		}
		byID[step.ID] = step
	}

	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return nil, &types.JobError{
					Kind:    types.ErrSelfDep,
					Message: fmt.Sprintf("step %q depends on itself", step.ID),
				}
			}
			if _, ok := byID[dep]; !ok {
				return nil, &types.JobError{
					Kind:    types.ErrUnknownDep,
					Message: fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep),
				}
			}
		}
	}
	return byID, nil
}

// layer computes Kahn layers. Residual nodes after the drain form a cycle
// and are named in the error.
func layer(steps []*types.PlanStep, byID map[string]*types.PlanStep) ([][]*types.PlanStep, error) {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		inDegree[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var layers [][]*types.PlanStep
	processed := 0
	current := make([]*types.PlanStep, 0)
	for _, step := range steps {
		if inDegree[step.ID] == 0 {
			current = append(current, step)
		}
	}

	for len(current) > 0 {
		layers = append(layers, current)
		processed += len(current)

		nextIDs := make(map[string]bool)
		for _, step := range current {
			for _, dep := range dependents[step.ID] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					nextIDs[dep] = true
				}
			}
		}

		// Preserve plan order inside the layer.
		next := make([]*types.PlanStep, 0, len(nextIDs))
		for _, step := range steps {
			if nextIDs[step.ID] {
				next = append(next, step)
			}
		}
		current = next
	}

	if processed < len(steps) {
		var residual []string
		for _, step := range steps {
			if inDegree[step.ID] > 0 {
				residual = append(residual, step.ID)
			}
		}
		sort.Strings(residual)
		return nil, &types.JobError{
			Kind:    types.ErrCycleDetected,
			Message: "dependency cycle among steps: " + strings.Join(residual, ", "),
		}
	}
	return layers, nil
}

func reverseDeps(steps []*types.PlanStep) map[string][]string {
	reverse := make(map[string][]string, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			reverse[dep] = append(reverse[dep], step.ID)
		}
	}
	return reverse
}

// propagateSkips marks every transitive dependent of root as skipped with
// DEPENDENCY_FAILED. Already-settled steps are left alone.
func propagateSkips(root string, reverse map[string][]string, state *runState) {
	queue := append([]string(nil), reverse[root]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if state.get(id) != nil {
			continue
		}
		state.put(&StepResult{StepID: id, State: StepSkipped, SkipReason: SkipDependencyFailed})
		queue = append(queue, reverse[id]...)
	}
}

// aggregate folds step results into the run status. Condition-false skips
// are benign and leave a run completed; failures and involuntary skips
// (failed dependency, open circuit, cancellation) downgrade to partial
// while anything else completed and to failed when nothing did.
func aggregate(results []*StepResult) Status {
	completed, failed, lost := 0, 0, 0
	for _, r := range results {
		switch r.State {
		case StepCompleted:
			completed++
		case StepFailed:
			failed++
		case StepSkipped:
			switch r.SkipReason {
			case SkipDependencyFailed, SkipCircuitOpen, SkipCancelled:
				lost++
			}
		}
	}

	switch {
	case failed == 0 && lost == 0:
		return StatusCompleted
	case completed > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}
