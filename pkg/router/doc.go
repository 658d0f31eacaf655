/*
Package router is the message bus between runtime components.

Every component registers a handler under its id. A Dispatch runs the
envelope through a fixed middleware chain before delivery:

	logging → audit → timeout → error-wrap → handler

and always produces exactly one reply envelope carrying the request's
correlation id. Failures inside the chain (missing handler, handler error,
handler panic, deadline) come back as synthetic error replies with a kind
from the error taxonomy, never as Go errors to the caller.

Payloads above the configured hard limit are refused with
MESSAGE_TOO_LARGE; payloads above the warning threshold are delivered but
logged. The audit middleware records the payload's hash only, so message
bodies never reach the audit log.
*/
package router
