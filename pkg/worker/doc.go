/*
Package worker runs the claim-dispatch loop.

A fixed pool of workers (tier default 2, 4 or 8) polls the job queue,
hands each claimed job to an injected Processor with a per-job
cancellation context, and reports liveness through a monotonic heartbeat.
The pool knows nothing about planning or validation; those live in the
processor.

The resource monitor feeds two backpressure paths: high process RSS
pauses claiming until usage drops back below a margin, and high disk
usage makes job creation fail with DISK_FULL while in-flight work
continues.
*/
package worker
