package approval

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/audit"
	"github.com/meridianhq/axis/pkg/events"
	"github.com/meridianhq/axis/pkg/ident"
	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/metrics"
	"github.com/meridianhq/axis/pkg/queue"
	"github.com/meridianhq/axis/pkg/rules"
	"github.com/meridianhq/axis/pkg/storage"
	"github.com/meridianhq/axis/pkg/types"
)

// Outcome reports how Gate resolved a job needing approval.
type Outcome string

const (
	// OutcomeBypassed means standing rules covered every step and the job
	// went straight to executing.
	OutcomeBypassed Outcome = "bypassed"
	// OutcomeAwaiting means a nonce was issued and the job now waits.
	OutcomeAwaiting Outcome = "awaiting"
)

// Coordinator gates risky jobs behind a single-use approval nonce. Nonces
// are persisted so a pending approval survives a restart; the suggestion
// counters are in-memory and reset with the process.
type Coordinator struct {
	store  storage.Store
	queue  *queue.Queue
	rules  *rules.Engine
	events *events.Broker
	audit  audit.Writer
	logger zerolog.Logger

	ttl       time.Duration
	threshold int

	mu       sync.Mutex
	counters map[string]int
}

// New creates a coordinator. ttl bounds nonce validity; threshold is the
// approval count that triggers a standing-rule suggestion.
func New(store storage.Store, q *queue.Queue, engine *rules.Engine, broker *events.Broker, auditWriter audit.Writer, ttl time.Duration, threshold int) *Coordinator {
	return &Coordinator{
		store:     store,
		queue:     q,
		rules:     engine,
		events:    broker,
		audit:     auditWriter,
		logger:    log.WithComponent("approval"),
		ttl:       ttl,
		threshold: threshold,
		counters:  make(map[string]int),
	}
}

// Gate resolves a validating job whose verdict demands user approval.
// When every plan step has a matching approve rule and none matches a
// deny, the approval gate is bypassed and the job moves straight to
// executing. Otherwise the job moves to awaiting_approval with a fresh
// nonce and an approval_required event.
func (c *Coordinator) Gate(job *types.Job) (Outcome, error) {
	if job.Plan == nil || len(job.Plan.Steps) == 0 {
		return "", fmt.Errorf("job %s has no plan to gate", job.ID)
	}

	covered, err := c.rules.DecideAll(stepActions(job.Plan))
	if err != nil {
		return "", err
	}
	if covered {
		if _, err := c.queue.Transition(job.ID, types.JobStatusValidating, types.JobStatusExecuting, func(j *types.Job) {
			j.Validation = job.Validation
		}); err != nil {
			return "", err
		}
		if err := c.audit.Record("approval", "approval.bypass", job.ID, "standing rules cover all steps"); err != nil {
			c.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to audit bypass")
		}
		c.logger.Info().Str("job_id", job.ID).Msg("approval bypassed by standing rules")
		return OutcomeBypassed, nil
	}

	nonce, err := newNonce(job.ID, c.ttl)
	if err != nil {
		return "", err
	}
	if err := c.store.PutNonce(nonce); err != nil {
		return "", fmt.Errorf("failed to persist nonce: %w", err)
	}
	if _, err := c.queue.Transition(job.ID, types.JobStatusValidating, types.JobStatusAwaitingApproval, func(j *types.Job) {
		j.Validation = job.Validation
	}); err != nil {
		return "", err
	}

	metrics.ApprovalsIssued.Inc()
	if err := c.audit.Record("approval", "approval.request", job.ID, ""); err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to audit approval request")
	}
	c.publish(events.EventApprovalRequired, job.ID, map[string]any{
		"nonce": nonce.Value,
		"plan":  job.Plan,
		"risk":  riskOf(job),
	})

	c.logger.Info().Str("job_id", job.ID).Msg("approval requested")
	return OutcomeAwaiting, nil
}

// Approve verifies and consumes the nonce, then moves the job to
// executing. A wrong or unknown nonce fails with INVALID_NONCE, a replay
// with NONCE_CONSUMED, a stale one with NONCE_EXPIRED.
func (c *Coordinator) Approve(jobID, nonceValue string) error {
	stored, err := c.store.GetNonce(jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return &types.JobError{Kind: types.ErrInvalidNonce, Message: "no approval pending for job " + jobID}
	}
	if err != nil {
		return err
	}

	if stored.Value != nonceValue {
		return &types.JobError{Kind: types.ErrInvalidNonce, Message: "nonce does not match"}
	}
	if stored.Consumed() {
		return &types.JobError{Kind: types.ErrNonceConsumed, Message: "nonce already used"}
	}
	if stored.Expired(time.Now()) {
		return &types.JobError{Kind: types.ErrNonceExpired, Message: "nonce expired"}
	}

	// The nonce is burnt only once the job actually moves; a transition
	// lost to a concurrent cancel leaves it intact for a clean error on
	// retry.
	job, err := c.queue.Transition(jobID, types.JobStatusAwaitingApproval, types.JobStatusExecuting, nil)
	if err != nil {
		return err
	}

	stored.ConsumedAt = time.Now().UTC()
	if err := c.store.PutNonce(stored); err != nil {
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to mark nonce consumed")
	}

	metrics.ApprovalsResolved.WithLabelValues("approved").Inc()
	if err := c.audit.Record("approval", "approval.approve", jobID, ""); err != nil {
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to audit approval")
	}
	c.countApprovals(job)

	c.logger.Info().Str("job_id", jobID).Msg("job approved")
	return nil
}

// Reject moves the job to rejected. No nonce is required: rejection is an
// out-of-band user choice, only escalation needs the token.
func (c *Coordinator) Reject(jobID, reason string) error {
	_, err := c.queue.Transition(jobID, types.JobStatusAwaitingApproval, types.JobStatusRejected, func(j *types.Job) {
		j.Error = &types.JobError{Kind: types.ErrPlanRejected, Message: reason}
	})
	if err != nil {
		return err
	}
	if err := c.store.DeleteNonce(jobID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to delete nonce")
	}

	metrics.ApprovalsResolved.WithLabelValues("rejected").Inc()
	if err := c.audit.Record("approval", "approval.reject", jobID, reason); err != nil {
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to audit rejection")
	}

	c.logger.Info().Str("job_id", jobID).Str("reason", reason).Msg("job rejected")
	return nil
}

// countApprovals tallies approvals per action category (the prefix before
// ":") and emits a one-shot standing-rule suggestion at the threshold.
func (c *Coordinator) countApprovals(job *types.Job) {
	if c.threshold <= 0 || job.Plan == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool)
	for _, action := range stepActions(job.Plan) {
		category, _, _ := strings.Cut(action, ":")
		if category == "" || seen[category] {
			continue
		}
		seen[category] = true

		c.counters[category]++
		if c.counters[category] < c.threshold {
			continue
		}
		c.counters[category] = 0
		c.publish(events.EventSuggestion, job.ID, map[string]any{
			"category":      category,
			"suggestedRule": category + ":*",
			"message":       fmt.Sprintf("you have approved %s actions %d times; add a standing rule?", category, c.threshold),
		})
		c.logger.Info().Str("category", category).Msg("emitted standing-rule suggestion")
	}
}

func (c *Coordinator) publish(typ events.EventType, jobID string, payload map[string]any) {
	if c.events == nil {
		return
	}
	c.events.Publish(&events.Event{
		ID:      ident.NewID(),
		Type:    typ,
		JobID:   jobID,
		Payload: payload,
	})
}

func stepActions(plan *types.ExecutionPlan) []string {
	actions := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		actions = append(actions, step.Gear+":"+step.Action)
	}
	return actions
}

func riskOf(job *types.Job) types.RiskLevel {
	if job.Validation != nil {
		return job.Validation.OverallRisk
	}
	return types.RiskLow
}

func newNonce(jobID string, ttl time.Duration) (*types.ApprovalNonce, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	now := time.Now().UTC()
	return &types.ApprovalNonce{
		Value:     hex.EncodeToString(buf),
		JobID:     jobID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}
