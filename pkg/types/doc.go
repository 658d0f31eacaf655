/*
Package types defines the shared data model for the Axis runtime.

The core records are:

  - Job: one user request progressing through the state machine
    (pending → planning → validating → [awaiting_approval] → executing →
    reflecting → completed, with failed/cancelled/rejected exits).
  - ExecutionPlan / PlanStep: the DAG of plugin actions proposed by the
    planner, with per-step risk levels, dependencies and conditions.
  - ValidationResult: the policy engine's per-step and overall verdicts.
  - ApprovalNonce: single-use token gating user approval of a plan.
  - ExecutionLogEntry: idempotency-log row keyed by a deterministic
    per-(job, step) execution id.
  - StandingRule: persistent auto-approve/auto-deny patterns.
  - AuditEntry: hash-chained audit record.

All enums are string-typed so rows remain readable when stored as JSON in
the bolt databases and when crossing the HTTP surface.

Ownership: the durable store exclusively owns persistent state. Components
hold weak references via IDs and mutate only through the job queue.
*/
package types
