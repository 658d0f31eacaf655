/*
Package storage provides the durable store for the Axis runtime, backed by
bbolt across three database files:

	meridian.db   jobs, execution log, approval nonces, standing rules, audit
	journal.db    conversations, episodic memory (retention targets)
	sentinel.db   policy decisions

Rows are JSON values in a bucket per collection. Every mutation runs inside
a bolt write transaction, which is what serializes job state transitions:
TransitionJob is a compare-and-set on (id, status) and ClaimOldestPending
selects and claims the oldest pending job in one transaction, so two workers
can never claim the same job.

The store knows nothing about which transitions are legal; that table lives
in the queue package. Snapshot streams a consistent copy of a database file
via a read transaction for the backup service.
*/
package storage
