/*
Package orchestrator drives claimed jobs through their lifecycle.

The worker pool hands each claimed job to Process, which walks the
phases:

	planning ──► validating ──► verdict routing ──► executing ──► reflecting ──► completed
	                │
	                ├─ approved            straight to executing
	                ├─ needs approval      gate: standing-rule bypass or park awaiting_approval
	                ├─ revise              back to planning, bounded by the revision cap
	                └─ rejected            terminal

The orchestrator never talks to collaborators directly: planning goes to
the "scout" component, validation to "sentinel", reflection to
"journal" and step execution to "gear:<name>", all over the message
router. Each step runs behind the idempotency log and the per-gear
circuit breaker; a job approved while parked is finished by Resume.
*/
package orchestrator
