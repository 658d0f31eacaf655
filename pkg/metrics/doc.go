/*
Package metrics exposes Prometheus instrumentation and component health for
the Axis runtime.

All metrics carry the axis_ prefix and are registered at package init. The
Collector samples job counts from the store on a fixed interval; everything
else is incremented inline by the owning component (router dispatches, step
outcomes, approval decisions, backup runs, API requests).

The health registry tracks per-component health for the /health, /ready and
/live endpoints. Readiness requires the storage layer, the router and the
worker pool to have registered healthy; liveness only requires the process
to be running.
*/
package metrics
