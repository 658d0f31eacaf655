package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobSource identifies what created a job.
type JobSource string

const (
	JobSourceUser     JobSource = "user"
	JobSourceSchedule JobSource = "schedule"
	JobSourceWebhook  JobSource = "webhook"
	JobSourceSubJob   JobSource = "sub-job"
)

// JobStatus represents the state of a job in its lifecycle.
type JobStatus string

const (
	JobStatusPending          JobStatus = "pending"
	JobStatusPlanning         JobStatus = "planning"
	JobStatusValidating       JobStatus = "validating"
	JobStatusAwaitingApproval JobStatus = "awaiting_approval"
	JobStatusExecuting        JobStatus = "executing"
	JobStatusReflecting       JobStatus = "reflecting"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusFailed           JobStatus = "failed"
	JobStatusCancelled        JobStatus = "cancelled"
	JobStatusRejected         JobStatus = "rejected"
)

// Terminal reports whether a status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusRejected:
		return true
	}
	return false
}

// Job is one user request being fulfilled. Terminal rows are immutable;
// all mutations go through the queue's transition operation.
type Job struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId,omitempty"`
	Source         JobSource         `json:"source"`
	Status         JobStatus         `json:"status"`
	Content        string            `json:"content,omitempty"`
	Plan           *ExecutionPlan    `json:"plan,omitempty"`
	Validation     *ValidationResult `json:"validation,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          *JobError         `json:"error,omitempty"`
	Attempts       int               `json:"attempts"`
	RevisionCount  int               `json:"revisionCount"`
	ReplanCount    int               `json:"replanCount"`
	CostUSD        float64           `json:"costUsd"`
	WorkerID       string            `json:"workerId,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	StartedAt      time.Time         `json:"startedAt,omitzero"`
	CompletedAt    time.Time         `json:"completedAt,omitzero"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// JobError records why a job ended badly.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrorKind is the error taxonomy shared across components.
type ErrorKind string

const (
	ErrIllegalTransition ErrorKind = "ILLEGAL_TRANSITION"
	ErrTimeout           ErrorKind = "TIMEOUT"
	ErrCycleDetected     ErrorKind = "CYCLE_DETECTED"
	ErrUnknownDep        ErrorKind = "UNKNOWN_DEP"
	ErrSelfDep           ErrorKind = "SELF_DEP"
	ErrInvalidNonce      ErrorKind = "INVALID_NONCE"
	ErrNonceConsumed     ErrorKind = "NONCE_CONSUMED"
	ErrNonceExpired      ErrorKind = "NONCE_EXPIRED"
	ErrCircuitOpen       ErrorKind = "CIRCUIT_OPEN"
	ErrConditionFalse    ErrorKind = "CONDITION_FALSE"
	ErrSandboxDenied     ErrorKind = "SANDBOX_DENIED"
	ErrDiskFull          ErrorKind = "DISK_FULL"
	ErrRSSHigh           ErrorKind = "RSS_HIGH"
	ErrExceededAttempts  ErrorKind = "EXCEEDED_ATTEMPTS"
	ErrNoHandler         ErrorKind = "NO_HANDLER"
	ErrPlanRejected      ErrorKind = "PLAN_REJECTED"
	ErrMessageTooLarge   ErrorKind = "MESSAGE_TOO_LARGE"
	ErrInternal          ErrorKind = "INTERNAL"
)

// RiskLevel grades how dangerous a step is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// riskRank orders risk levels for max aggregation.
var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// ExecutionPlan is an ordered DAG of steps proposed by the planner.
type ExecutionPlan struct {
	ID        string      `json:"id"`
	JobID     string      `json:"jobId,omitempty"`
	Steps     []*PlanStep `json:"steps"`
	Reasoning string      `json:"reasoning,omitempty"`
	CreatedAt time.Time   `json:"createdAt,omitzero"`
}

// PlanStep is one plugin action in a plan. Parameters may contain
// "$ref:step:<id>[.path]" placeholders resolved at execution time.
type PlanStep struct {
	ID          string         `json:"id"`
	Gear        string         `json:"gear"`
	Action      string         `json:"action"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	RiskLevel   RiskLevel      `json:"riskLevel"`
	DependsOn   []string       `json:"dependsOn,omitempty"`
	Condition   *Condition     `json:"condition,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Condition gates a step on a previously observed result.
// Field syntax is "step:<id>.status" or "step:<id>.result.<dot.path>".
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // eq, neq, gt, lt, contains, exists
	Value    any    `json:"value,omitempty"`
}

// Verdict is a validation decision, per step or overall.
type Verdict string

const (
	VerdictApproved      Verdict = "approved"
	VerdictNeedsApproval Verdict = "needs_user_approval"
	VerdictRevise        Verdict = "revise"
	VerdictRejected      Verdict = "rejected"
)

// verdictRank orders verdicts by restrictiveness.
var verdictRank = map[Verdict]int{
	VerdictApproved:      0,
	VerdictRevise:        1,
	VerdictNeedsApproval: 2,
	VerdictRejected:      3,
}

// MostRestrictive returns the stricter of two verdicts.
func MostRestrictive(a, b Verdict) Verdict {
	if verdictRank[b] > verdictRank[a] {
		return b
	}
	return a
}

// ValidationResult is the policy engine's assessment of a plan.
type ValidationResult struct {
	ID          string                  `json:"id"`
	PlanID      string                  `json:"planId"`
	Verdict     Verdict                 `json:"verdict"`
	OverallRisk RiskLevel               `json:"overallRisk"`
	StepResults []*StepValidationResult `json:"stepResults"`
	CreatedAt   time.Time               `json:"createdAt,omitzero"`
}

// StepValidationResult is the verdict for a single plan step.
type StepValidationResult struct {
	StepID    string    `json:"stepId"`
	Verdict   Verdict   `json:"verdict"`
	RiskLevel RiskLevel `json:"riskLevel"`
	Category  string    `json:"category"`
	Reasoning string    `json:"reasoning"`
}

// ApprovalNonce is a single-use token gating one job's approval.
type ApprovalNonce struct {
	Value      string    `json:"value"`
	JobID      string    `json:"jobId"`
	IssuedAt   time.Time `json:"issuedAt"`
	ConsumedAt time.Time `json:"consumedAt,omitzero"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Consumed reports whether the nonce was already accepted.
func (n *ApprovalNonce) Consumed() bool { return !n.ConsumedAt.IsZero() }

// Expired reports whether the nonce is past its TTL at the given instant.
func (n *ApprovalNonce) Expired(now time.Time) bool { return now.After(n.ExpiresAt) }

// ExecutionStatus is the state of one idempotency-log row.
type ExecutionStatus string

const (
	ExecutionStarted   ExecutionStatus = "started"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ExecutionLogEntry records one attempt at a (job, step) pair. The
// execution id is deterministic, so re-entry after a crash lands on the
// same row.
type ExecutionLogEntry struct {
	ExecutionID string          `json:"executionId"`
	JobID       string          `json:"jobId"`
	StepID      string          `json:"stepId"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt,omitzero"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// RuleVerdict is a standing rule's auto-decision.
type RuleVerdict string

const (
	RuleApprove RuleVerdict = "approve"
	RuleDeny    RuleVerdict = "deny"
)

// StandingRule is a persistent auto-decision for matching action patterns.
// ActionPattern supports exact match and "prefix:*" globs.
type StandingRule struct {
	ID            string      `json:"id"`
	ActionPattern string      `json:"actionPattern"`
	Scope         string      `json:"scope,omitempty"`
	Verdict       RuleVerdict `json:"verdict"`
	ExpiresAt     time.Time   `json:"expiresAt,omitzero"`
	ApprovalCount int         `json:"approvalCount"`
	CreatedAt     time.Time   `json:"createdAt"`
	CreatedBy     string      `json:"createdBy,omitempty"`
}

// AuditEntry is one link in the hash-chained audit log.
// Hash = SHA-256(prevHash || canonicalJSON(entry without hash)).
type AuditEntry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Payload   string    `json:"payload,omitempty"`
	PrevHash  string    `json:"prevHash"`
	Hash      string    `json:"hash,omitempty"`
}

// Conversation is a journal row subject to time-based retention.
type Conversation struct {
	ID         string    `json:"id"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	ArchivedAt time.Time `json:"archivedAt,omitzero"`
}

// Episode is an episodic memory row subject to time-based retention.
type Episode struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ArchivedAt time.Time `json:"archivedAt,omitzero"`
}

// Decision is a sentinel verdict row kept for audit in its own database.
type Decision struct {
	ID        string    `json:"id"`
	PlanID    string    `json:"planId"`
	Verdict   Verdict   `json:"verdict"`
	CreatedAt time.Time `json:"createdAt"`
}
