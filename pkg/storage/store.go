package storage

import (
	"errors"
	"io"
	"time"

	"github.com/meridianhq/axis/pkg/types"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned by TransitionJob when the row's current
	// status does not match the expected one.
	ErrStatusConflict = errors.New("status conflict")
)

// Store defines the interface for durable runtime state. It is implemented
// by the bbolt-backed store; persistent state is owned exclusively here and
// every mutation is a transaction.
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByStatus(status types.JobStatus) ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	// TransitionJob performs an atomic compare-and-set on (id, status):
	// it fails with ErrStatusConflict unless the row is currently in
	// expectedFrom, then sets status=to, applies patch (may be nil) and
	// refreshes UpdatedAt, all in one transaction.
	TransitionJob(id string, expectedFrom, to types.JobStatus, patch func(*types.Job)) (*types.Job, error)
	// ClaimOldestPending atomically moves the oldest pending job to
	// planning and stamps the worker id. Returns (nil, nil) when the queue
	// is empty.
	ClaimOldestPending(workerID string, now time.Time) (*types.Job, error)

	// Idempotency log
	PutExecution(entry *types.ExecutionLogEntry) error
	GetExecution(executionID string) (*types.ExecutionLogEntry, error)
	ListExecutions() ([]*types.ExecutionLogEntry, error)
	DeleteExecution(executionID string) error

	// Approval nonces (persisted so approvals survive restart)
	PutNonce(nonce *types.ApprovalNonce) error
	GetNonce(jobID string) (*types.ApprovalNonce, error)
	DeleteNonce(jobID string) error

	// Standing rules
	PutRule(rule *types.StandingRule) error
	GetRule(id string) (*types.StandingRule, error)
	ListRules() ([]*types.StandingRule, error)
	DeleteRule(id string) error

	// Audit chain
	AppendAudit(entry *types.AuditEntry) error
	LastAudit() (*types.AuditEntry, error)
	ListAudit() ([]*types.AuditEntry, error)

	// Journal rows (retention targets)
	PutConversation(c *types.Conversation) error
	ListConversations() ([]*types.Conversation, error)
	PutEpisode(e *types.Episode) error
	ListEpisodes() ([]*types.Episode, error)

	// Sentinel decisions
	PutDecision(d *types.Decision) error
	ListDecisions() ([]*types.Decision, error)

	// Snapshot streams a consistent copy of one database file for backup.
	// Valid names are "meridian", "journal" and "sentinel".
	Snapshot(name string, w io.Writer) error
	// DatabaseNames lists the databases managed by this store.
	DatabaseNames() []string

	Close() error
}
