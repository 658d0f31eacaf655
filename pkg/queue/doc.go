/*
Package queue implements the durable job queue and its state machine.

Jobs move through a restricted state graph:

	pending → planning → validating → awaiting_approval → executing → reflecting → completed
	                          │                │               │           └→ failed
	                          └→ planning (revise), rejected   └→ rejected

with cancelled reachable from every non-terminal state except reflecting.
The transition table is exhaustive; anything not listed fails with
ILLEGAL_TRANSITION. Every transition is an atomic compare-and-set on
(id, status) inside one store transaction, so a job's history is totally
ordered. Terminal rows are immutable.

Crash recovery runs once at startup: in-flight rows whose updatedAt is
stale beyond a grace period return to pending with attempts incremented,
failing with EXCEEDED_ATTEMPTS once the retry budget is spent. Jobs
awaiting approval are never recovered; the issued nonce stays valid until
it expires.
*/
package queue
