/*
Package consumer is the ordered-processor consumer loop.

It subscribes to the per-partition subtopics the router produces,
gates dispatch on the backpressure monitor, decodes each delivery and
runs the orchestrator synchronously to completion. Acknowledgement is
manual and happens only after the orchestrator terminates: terminal
outcomes ack, transient failures (rate limit, lock contention, primary
publish failure) stay unacknowledged for broker redelivery, and
undecodable or terminally failed messages are parked on the DLQ before
acking.
*/
package consumer
