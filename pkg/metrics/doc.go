/*
Package metrics provides Prometheus metrics and health checking for the
trade-capture core.

All metrics are registered at init and exposed through Handler() on
/metrics: routing and pipeline counters, processing latency histograms,
out-of-order buffer depth, rate-limit decisions, lock contention,
consumer lag and circuit-breaker state.

The health checker tracks per-component health (broker, coordination
store, database) and backs the /health, /ready and /live endpoints.
Readiness requires every critical component to have registered healthy;
liveness only requires the process to be running.

Timer is a small helper for observing operation durations:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProcessingDuration)
*/
package metrics
