package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/axis/pkg/approval"
	"github.com/meridianhq/axis/pkg/audit"
	"github.com/meridianhq/axis/pkg/circuit"
	"github.com/meridianhq/axis/pkg/config"
	"github.com/meridianhq/axis/pkg/dag"
	"github.com/meridianhq/axis/pkg/events"
	"github.com/meridianhq/axis/pkg/idempotency"
	"github.com/meridianhq/axis/pkg/ident"
	"github.com/meridianhq/axis/pkg/queue"
	"github.com/meridianhq/axis/pkg/router"
	"github.com/meridianhq/axis/pkg/rules"
	"github.com/meridianhq/axis/pkg/storage"
	"github.com/meridianhq/axis/pkg/types"
	"github.com/meridianhq/axis/pkg/validator"
)

type fixture struct {
	store   storage.Store
	queue   *queue.Queue
	router  *router.Router
	rules   *rules.Engine
	coord   *approval.Coordinator
	broker  *events.Broker
	breaker *circuit.Breaker
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	r := router.New(router.Config{
		MaxMessageSizeBytes: 1 << 20,
		DispatchTimeout:     5 * time.Second,
	}, audit.NoOpWriter{})

	q := queue.New(store, broker, audit.NoOpWriter{})
	engine := rules.NewEngine(store)
	coord := approval.New(store, q, engine, broker, audit.NoOpWriter{}, time.Hour, 3)

	limits := config.Default().Limits
	limits.JobTimeout = 10 * time.Second
	limits.PlanningTimeout = 2 * time.Second
	limits.ValidationTimeout = 2 * time.Second
	limits.StepTimeout = 2 * time.Second

	breaker := circuit.New(circuit.DefaultConfig())
	orch := New(q, r, store, coord, idempotency.NewLog(store), breaker, broker, limits)

	require.NoError(t, RegisterSentinel(r, validator.New(config.Default().Policy), store))
	require.NoError(t, RegisterJournal(r, store))

	return &fixture{store: store, queue: q, router: r, rules: engine, coord: coord, broker: broker, breaker: breaker, orch: orch}
}

// registerScout makes the scout return a fixed plan for every request.
func (f *fixture) registerScout(t *testing.T, steps []*types.PlanStep) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	err := f.router.Register(ComponentScout, func(ctx context.Context, msg *router.Message) (*router.Message, error) {
		calls.Add(1)
		var req planRequest
		require.NoError(t, json.Unmarshal(msg.Payload, &req))

		payload, err := json.Marshal(&types.ExecutionPlan{
			ID:    ident.NewID(),
			JobID: req.JobID,
			Steps: steps,
		})
		require.NoError(t, err)
		return &router.Message{Type: "plan.response", Payload: payload}, nil
	})
	require.NoError(t, err)
	return &calls
}

// registerGear wires a gear handler that answers every step with run's
// result.
func (f *fixture) registerGear(t *testing.T, gear string, run func(req stepRequest) (any, error)) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	err := f.router.Register(GearPrefix+gear, func(ctx context.Context, msg *router.Message) (*router.Message, error) {
		calls.Add(1)
		var req stepRequest
		require.NoError(t, json.Unmarshal(msg.Payload, &req))

		value, err := run(req)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(value)
		require.NoError(t, err)
		return &router.Message{Type: "step.response", Payload: payload}, nil
	})
	require.NoError(t, err)
	return &calls
}

func (f *fixture) claimedJob(t *testing.T, content string) *types.Job {
	t.Helper()
	job, err := f.queue.CreateJob(queue.CreateOptions{Content: content})
	require.NoError(t, err)
	claimed, err := f.queue.Claim("worker-0")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.ID, claimed.ID)
	return claimed
}

func (f *fixture) jobStatus(t *testing.T, id string) types.JobStatus {
	t.Helper()
	job, err := f.queue.Get(id)
	require.NoError(t, err)
	return job.Status
}

func dagResult(t *testing.T, job *types.Job) *dag.Result {
	t.Helper()
	var result dag.Result
	require.NoError(t, json.Unmarshal(job.Result, &result))
	return &result
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t)

	f.registerScout(t, []*types.PlanStep{
		{ID: "read", Gear: "files", Action: "read", Parameters: map[string]any{"path": "notes.txt"}, RiskLevel: types.RiskLow},
		{ID: "summarize", Gear: "files", Action: "list", DependsOn: []string{"read"}, RiskLevel: types.RiskLow},
	})
	f.registerGear(t, "files", func(req stepRequest) (any, error) {
		return map[string]any{"step": req.StepID, "ok": true}, nil
	})

	sub := f.broker.Subscribe()
	defer f.broker.Unsubscribe(sub)

	job := f.claimedJob(t, "read my notes")
	f.orch.Process(context.Background(), job)

	final, err := f.queue.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, final.Status)
	assert.NotZero(t, final.CompletedAt)

	// The verdict travels with the executing transition.
	require.NotNil(t, final.Validation)
	assert.Equal(t, types.VerdictApproved, final.Validation.Verdict)

	result := dagResult(t, final)
	assert.Equal(t, dag.StatusCompleted, result.Status)
	assert.Len(t, result.StepResults, 2)

	// The sentinel recorded its verdict and reflection left an episode.
	decisions, err := f.store.ListDecisions()
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, types.VerdictApproved, decisions[0].Verdict)

	episodes, err := f.store.ListEpisodes()
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, job.ID, episodes[0].JobID)

	// Progress and result events reached subscribers, and progress
	// carries a running percentage.
	seen := map[events.EventType]bool{}
	var percents []int
	deadline := time.After(2 * time.Second)
	for !seen[events.EventResult] {
		select {
		case evt := <-sub:
			seen[evt.Type] = true
			if evt.Type == events.EventProgress {
				p, ok := evt.Payload["percent"].(int)
				require.True(t, ok)
				percents = append(percents, p)
			}
		case <-deadline:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
	require.True(t, seen[events.EventProgress])
	assert.Contains(t, percents, 100)
}

func TestBuiltinScoutRoundTrip(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RegisterBuiltinScout(f.router))
	require.NoError(t, RegisterAssistantGear(f.router))

	job := f.claimedJob(t, "hello there")
	f.orch.Process(context.Background(), job)

	final, err := f.queue.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusCompleted, final.Status)

	result := dagResult(t, final)
	require.Len(t, result.StepResults, 1)
	value, ok := result.StepResults[0].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello there", value["message"])
}

func TestRejectedPlan(t *testing.T) {
	f := newFixture(t)

	// Shell execution without a reviewable command is rejected outright.
	f.registerScout(t, []*types.PlanStep{
		{ID: "danger", Gear: "shell", Action: "exec", RiskLevel: types.RiskHigh},
	})

	job := f.claimedJob(t, "run something")
	f.orch.Process(context.Background(), job)

	final, err := f.queue.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRejected, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, types.ErrPlanRejected, final.Error.Kind)
	assert.Contains(t, final.Error.Message, "danger")
}

func TestApprovalFlowParksAndResumes(t *testing.T) {
	f := newFixture(t)

	f.registerScout(t, []*types.PlanStep{
		{ID: "ls", Gear: "shell", Action: "exec", Parameters: map[string]any{"command": "ls"}, RiskLevel: types.RiskMedium},
	})
	gearCalls := f.registerGear(t, "shell", func(req stepRequest) (any, error) {
		return map[string]any{"stdout": "notes.txt"}, nil
	})

	job := f.claimedJob(t, "list my files")
	f.orch.Process(context.Background(), job)

	assert.Equal(t, types.JobStatusAwaitingApproval, f.jobStatus(t, job.ID))
	assert.Zero(t, gearCalls.Load())

	// The parked row kept the verdict that sent it to the gate.
	parked, err := f.queue.Get(job.ID)
	require.NoError(t, err)
	require.NotNil(t, parked.Validation)
	assert.Equal(t, types.VerdictNeedsApproval, parked.Validation.Verdict)

	nonce, err := f.store.GetNonce(job.ID)
	require.NoError(t, err)

	require.NoError(t, f.coord.Approve(job.ID, nonce.Value))
	f.orch.Resume(job.ID)

	final, err := f.queue.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, final.Status)
	assert.Equal(t, int32(1), gearCalls.Load())
}

func TestStandingRuleBypassesApproval(t *testing.T) {
	f := newFixture(t)

	_, err := f.rules.Add("shell:*", "", types.RuleApprove, 0)
	require.NoError(t, err)

	f.registerScout(t, []*types.PlanStep{
		{ID: "ls", Gear: "shell", Action: "exec", Parameters: map[string]any{"command": "ls"}, RiskLevel: types.RiskMedium},
	})
	f.registerGear(t, "shell", func(req stepRequest) (any, error) {
		return map[string]any{"stdout": ""}, nil
	})

	job := f.claimedJob(t, "list my files")
	f.orch.Process(context.Background(), job)

	assert.Equal(t, types.JobStatusCompleted, f.jobStatus(t, job.ID))
	_, err = f.store.GetNonce(job.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReviseLoopExhaustsIntoRejection(t *testing.T) {
	f := newFixture(t)

	scoutCalls := f.registerScout(t, []*types.PlanStep{
		{ID: "step", Gear: "files", Action: "read", RiskLevel: types.RiskLow},
	})

	// Replace the sentinel with one that always demands revision.
	f.router.Unregister(ComponentSentinel)
	err := f.router.Register(ComponentSentinel, func(ctx context.Context, msg *router.Message) (*router.Message, error) {
		payload, _ := json.Marshal(&types.ValidationResult{
			ID:      ident.NewID(),
			Verdict: types.VerdictRevise,
		})
		return &router.Message{Type: "validate.response", Payload: payload}, nil
	})
	require.NoError(t, err)

	job := f.claimedJob(t, "impossible ask")
	f.orch.Process(context.Background(), job)

	final, err := f.queue.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRejected, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, types.ErrPlanRejected, final.Error.Kind)

	// One initial pass plus one per allowed revision.
	maxRevisions := config.Default().Limits.MaxRevisionCount
	assert.Equal(t, maxRevisions, final.RevisionCount)
	assert.Equal(t, int32(maxRevisions+1), scoutCalls.Load())
}

func TestStepFailureRetriesThenFailsJob(t *testing.T) {
	f := newFixture(t)

	f.registerScout(t, []*types.PlanStep{
		{ID: "flaky", Gear: "files", Action: "read", RiskLevel: types.RiskLow},
	})
	gearCalls := f.registerGear(t, "files", func(req stepRequest) (any, error) {
		return nil, fmt.Errorf("backend unavailable")
	})

	job := f.claimedJob(t, "read my notes")
	f.orch.Process(context.Background(), job)

	final, err := f.queue.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, final.Error.Message, "flaky")

	// Every configured attempt was spent before giving up.
	assert.Equal(t, int32(config.Default().Limits.MaxStepAttempts), gearCalls.Load())

	entry, err := f.store.GetExecution(ident.ExecutionID(job.ID, "flaky"))
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, entry.Status)
}

func TestCachedStepNeverReachesGear(t *testing.T) {
	f := newFixture(t)

	f.registerScout(t, []*types.PlanStep{
		{ID: "once", Gear: "files", Action: "read", RiskLevel: types.RiskLow},
	})
	gearCalls := f.registerGear(t, "files", func(req stepRequest) (any, error) {
		return map[string]any{"fresh": true}, nil
	})

	job := f.claimedJob(t, "read my notes")

	// A previous run already completed this step.
	require.NoError(t, f.store.PutExecution(&types.ExecutionLogEntry{
		ExecutionID: ident.ExecutionID(job.ID, "once"),
		JobID:       job.ID,
		StepID:      "once",
		Status:      types.ExecutionCompleted,
		StartedAt:   time.Now().UTC(),
		CompletedAt: time.Now().UTC(),
		Result:      json.RawMessage(`{"cached":true}`),
	}))

	f.orch.Process(context.Background(), job)

	final, err := f.queue.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, final.Status)
	assert.Zero(t, gearCalls.Load())

	result := dagResult(t, final)
	require.Len(t, result.StepResults, 1)
	value, ok := result.StepResults[0].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, value["cached"])
}

func TestCancelDuringValidationWins(t *testing.T) {
	f := newFixture(t)

	f.registerScout(t, []*types.PlanStep{
		{ID: "read", Gear: "files", Action: "read", RiskLevel: types.RiskLow},
	})
	gearCalls := f.registerGear(t, "files", func(req stepRequest) (any, error) {
		return map[string]any{"ok": true}, nil
	})

	// The user cancels while the sentinel still holds the job; its verdict
	// must not resurrect the row.
	f.router.Unregister(ComponentSentinel)
	err := f.router.Register(ComponentSentinel, func(ctx context.Context, msg *router.Message) (*router.Message, error) {
		var req validateRequest
		require.NoError(t, json.Unmarshal(msg.Payload, &req))
		_, cerr := f.queue.Cancel(req.Plan.JobID)
		require.NoError(t, cerr)

		payload, _ := json.Marshal(&types.ValidationResult{
			ID:      ident.NewID(),
			Verdict: types.VerdictApproved,
		})
		return &router.Message{Type: "validate.response", Payload: payload}, nil
	})
	require.NoError(t, err)

	job := f.claimedJob(t, "read my notes")
	f.orch.Process(context.Background(), job)

	final, err := f.queue.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, final.Status)
	assert.Zero(t, gearCalls.Load())
}

func TestOpenCircuitFailsJobAsCircuitOpen(t *testing.T) {
	f := newFixture(t)

	f.registerScout(t, []*types.PlanStep{
		{ID: "read", Gear: "files", Action: "read", RiskLevel: types.RiskLow},
		{ID: "list", Gear: "files", Action: "list", DependsOn: []string{"read"}, RiskLevel: types.RiskLow},
	})
	gearCalls := f.registerGear(t, "files", func(req stepRequest) (any, error) {
		return map[string]any{"ok": true}, nil
	})

	// Earlier jobs already tripped the gear's breaker.
	for i := 0; i < circuit.DefaultConfig().FailureThreshold; i++ {
		f.breaker.RecordFailure("files")
	}

	job := f.claimedJob(t, "read my notes")
	f.orch.Process(context.Background(), job)

	final, err := f.queue.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, types.ErrCircuitOpen, final.Error.Kind)
	assert.Zero(t, gearCalls.Load())

	result := dagResult(t, final)
	assert.Equal(t, dag.StatusFailed, result.Status)
	assert.Equal(t, dag.SkipCircuitOpen, result.StepResults[0].SkipReason)
}

func TestMissingPlannerFailsJob(t *testing.T) {
	f := newFixture(t)

	job := f.claimedJob(t, "anything")
	f.orch.Process(context.Background(), job)

	final, err := f.queue.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, types.ErrNoHandler, final.Error.Kind)
}
