/*
Package api is the local HTTP surface of the runtime.

Routes:

	POST /api/messages            turn a conversation message into a job
	POST /api/dispatch            dispatch a raw router envelope
	POST /api/jobs                create a job
	GET  /api/jobs                list jobs (?status= filters)
	GET  /api/jobs/{id}           fetch one job
	POST /api/jobs/{id}/approve   consume the approval nonce
	POST /api/jobs/{id}/reject    reject a parked plan
	POST /api/jobs/{id}/cancel    cancel a non-terminal job
	GET  /api/rules               list standing rules
	POST /api/rules               add a standing rule
	DELETE /api/rules/{id}        remove a standing rule
	GET  /api/events              server-sent event stream
	GET  /health /ready /live     component health
	GET  /metrics                 Prometheus exposition

Approval errors map onto HTTP statuses: INVALID_NONCE is 401,
NONCE_CONSUMED 409, NONCE_EXPIRED 410.
*/
package api
