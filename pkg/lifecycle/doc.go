/*
Package lifecycle assembles and supervises the runtime.

Startup order: storage, audit chain, event broker, router and its
component registrations, crash recovery, the background jobs (metrics
collector, retention, backups), the worker pool and finally the HTTP
API. Shutdown runs the same list in reverse inside the graceful
shutdown timeout.

A watchdog samples the worker pool's heartbeat; a stalled heartbeat
marks the workers unhealthy on the readiness endpoint without killing
the process.
*/
package lifecycle
