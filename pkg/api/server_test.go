package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/axis/pkg/approval"
	"github.com/meridianhq/axis/pkg/audit"
	"github.com/meridianhq/axis/pkg/circuit"
	"github.com/meridianhq/axis/pkg/config"
	"github.com/meridianhq/axis/pkg/events"
	"github.com/meridianhq/axis/pkg/idempotency"
	"github.com/meridianhq/axis/pkg/orchestrator"
	"github.com/meridianhq/axis/pkg/queue"
	"github.com/meridianhq/axis/pkg/router"
	"github.com/meridianhq/axis/pkg/rules"
	"github.com/meridianhq/axis/pkg/storage"
	"github.com/meridianhq/axis/pkg/types"
	"github.com/meridianhq/axis/pkg/validator"
)

type testAPI struct {
	srv    *httptest.Server
	store  storage.Store
	queue  *queue.Queue
	router *router.Router
	coord  *approval.Coordinator
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	r := router.New(router.Config{MaxMessageSizeBytes: 1 << 20, DispatchTimeout: 5 * time.Second}, audit.NoOpWriter{})
	q := queue.New(store, broker, audit.NoOpWriter{})
	engine := rules.NewEngine(store)
	coord := approval.New(store, q, engine, broker, audit.NoOpWriter{}, time.Hour, 3)

	limits := config.Default().Limits
	limits.JobTimeout = 10 * time.Second
	limits.StepTimeout = 2 * time.Second
	orch := orchestrator.New(q, r, store, coord, idempotency.NewLog(store), circuit.New(circuit.DefaultConfig()), broker, limits)

	require.NoError(t, orchestrator.RegisterSentinel(r, validator.New(config.Default().Policy), store))
	require.NoError(t, orchestrator.RegisterJournal(r, store))

	server := NewServer("127.0.0.1:0", Deps{
		Queue:        q,
		Approvals:    coord,
		Rules:        engine,
		Orchestrator: orch,
		Router:       r,
		Broker:       broker,
	})

	srv := httptest.NewServer(server.http.Handler)
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, store: store, queue: q, router: r, coord: coord}
}

func (a *testAPI) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(a.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (a *testAPI) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(a.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// parkedJob drives a job to awaiting_approval and returns it with its
// nonce.
func (a *testAPI) parkedJob(t *testing.T) (*types.Job, string) {
	t.Helper()

	job, err := a.queue.CreateJob(queue.CreateOptions{Content: "do the thing"})
	require.NoError(t, err)
	claimed, err := a.queue.Claim("worker-0")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	plan := &types.ExecutionPlan{
		ID:    "plan-1",
		JobID: job.ID,
		Steps: []*types.PlanStep{{ID: "s1", Gear: "shell", Action: "exec", Parameters: map[string]any{"command": "ls"}}},
	}
	job, err = a.queue.Transition(job.ID, types.JobStatusPlanning, types.JobStatusValidating, func(j *types.Job) {
		j.Plan = plan
	})
	require.NoError(t, err)

	outcome, err := a.coord.Gate(job)
	require.NoError(t, err)
	require.Equal(t, approval.OutcomeAwaiting, outcome)

	nonce, err := a.store.GetNonce(job.ID)
	require.NoError(t, err)
	return job, nonce.Value
}

func TestCreateAndFetchJob(t *testing.T) {
	a := newTestAPI(t)

	resp := a.post(t, "/api/jobs", map[string]string{"content": "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[types.Job](t, resp)
	assert.Equal(t, types.JobStatusPending, created.Status)

	resp = a.get(t, "/api/jobs/"+created.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decode[types.Job](t, resp)
	assert.Equal(t, created.ID, fetched.ID)

	resp = a.get(t, "/api/jobs?status=pending")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[[]*types.Job](t, resp)
	assert.Len(t, listed, 1)
}

func TestCreateJobRequiresContent(t *testing.T) {
	a := newTestAPI(t)

	resp := a.post(t, "/api/jobs", map[string]string{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateJobUnderDiskPressure(t *testing.T) {
	a := newTestAPI(t)
	a.queue.SetPressureCheck(func() error {
		return &types.JobError{Kind: types.ErrDiskFull, Message: "disk usage above threshold"}
	})

	resp := a.post(t, "/api/jobs", map[string]string{"content": "hello"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)
}

func TestApproveStatusCodes(t *testing.T) {
	a := newTestAPI(t)

	// The gear the approved plan will run on.
	require.NoError(t, a.router.Register(orchestrator.GearPrefix+"shell", func(ctx context.Context, msg *router.Message) (*router.Message, error) {
		return &router.Message{Type: "step.response", Payload: json.RawMessage(`{"stdout":""}`)}, nil
	}))

	job, nonce := a.parkedJob(t)

	// Wrong nonce is unauthorized.
	resp := a.post(t, "/api/jobs/"+job.ID+"/approve", map[string]string{"nonce": "bogus"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Right nonce approves.
	resp = a.post(t, "/api/jobs/"+job.ID+"/approve", map[string]string{"nonce": nonce})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Replay conflicts.
	resp = a.post(t, "/api/jobs/"+job.ID+"/approve", map[string]string{"nonce": nonce})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Resume finishes the job off the request path.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := a.queue.Get(job.ID)
		require.NoError(t, err)
		if j.Status == types.JobStatusCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("approved job never completed")
}

func TestRejectParkedJob(t *testing.T) {
	a := newTestAPI(t)
	job, _ := a.parkedJob(t)

	resp := a.post(t, "/api/jobs/"+job.ID+"/reject", map[string]string{"reason": "not today"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	final, err := a.queue.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRejected, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, types.ErrPlanRejected, final.Error.Kind)
}

func TestCancelJob(t *testing.T) {
	a := newTestAPI(t)

	job, err := a.queue.CreateJob(queue.CreateOptions{Content: "cancel me"})
	require.NoError(t, err)

	resp := a.post(t, "/api/jobs/"+job.ID+"/cancel", map[string]string{})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A terminal job cannot be cancelled twice.
	resp = a.post(t, "/api/jobs/"+job.ID+"/cancel", map[string]string{})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRuleLifecycle(t *testing.T) {
	a := newTestAPI(t)

	resp := a.post(t, "/api/rules", map[string]any{"actionPattern": "browser:*", "verdict": "approve"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rule := decode[types.StandingRule](t, resp)
	assert.NotEmpty(t, rule.ID)

	resp = a.get(t, "/api/rules")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[[]*types.StandingRule](t, resp)
	assert.Len(t, listed, 1)

	req, err := http.NewRequest(http.MethodDelete, a.srv.URL+"/api/rules/"+rule.ID, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
}

func TestRuleValidation(t *testing.T) {
	a := newTestAPI(t)

	resp := a.post(t, "/api/rules", map[string]any{"actionPattern": "x:*", "verdict": "maybe"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.post(t, "/api/rules", map[string]any{"verdict": "approve"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostMessageCreatesJob(t *testing.T) {
	a := newTestAPI(t)

	resp := a.post(t, "/api/messages", map[string]string{
		"conversationId": "conv-1",
		"content":        "summarize my notes",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]string](t, resp)
	assert.NotEmpty(t, created["id"])
	require.NotEmpty(t, created["jobId"])

	job, err := a.queue.Get(created["jobId"])
	require.NoError(t, err)
	assert.Equal(t, "summarize my notes", job.Content)
	assert.Equal(t, "conv-1", job.ConversationID)
	assert.Equal(t, types.JobStatusPending, job.Status)
}

func TestPostMessageRequiresContent(t *testing.T) {
	a := newTestAPI(t)

	resp := a.post(t, "/api/messages", map[string]string{"conversationId": "conv-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	jobs, err := a.queue.List()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestDispatchRoundTrip(t *testing.T) {
	a := newTestAPI(t)

	require.NoError(t, a.router.Register("echo", func(ctx context.Context, msg *router.Message) (*router.Message, error) {
		return &router.Message{Type: "echo.response", Payload: msg.Payload}, nil
	}))

	resp := a.post(t, "/api/dispatch", map[string]any{
		"from":    "test",
		"to":      "echo",
		"type":    "echo.request",
		"payload": map[string]string{"hi": "there"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply := decode[router.Message](t, resp)
	assert.Equal(t, "echo.response", reply.Type)
	assert.JSONEq(t, `{"hi":"there"}`, string(reply.Payload))
}

func TestDispatchToUnknownComponent(t *testing.T) {
	a := newTestAPI(t)

	resp := a.post(t, "/api/dispatch", map[string]any{
		"from": "test",
		"to":   "ghost",
		"type": "any",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply := decode[router.Message](t, resp)
	require.NotNil(t, reply.Error)
	assert.Equal(t, types.ErrNoHandler, reply.Error.Kind)
}

func TestHealthEndpoints(t *testing.T) {
	a := newTestAPI(t)

	for _, path := range []string{"/live", "/metrics"} {
		resp := a.get(t, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestEventStreamDelivers(t *testing.T) {
	a := newTestAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Creating a job publishes a status event onto the stream.
	_, err = a.queue.CreateJob(queue.CreateOptions{Content: "ping"})
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), fmt.Sprintf("event: %s", events.EventStatusUpdate))
}