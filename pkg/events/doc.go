// Package events implements the outbound broadcast broker. The runtime
// publishes status updates, approval requests, progress, results, errors
// and standing-rule suggestions; external surfaces (the HTTP API's event
// stream, the UI) subscribe. Delivery is best effort by design — a slow
// subscriber drops events rather than stalling the runtime.
package events
