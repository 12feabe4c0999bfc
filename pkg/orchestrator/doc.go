/*
Package orchestrator drives the trade-processing pipeline.

For each inbound message, in order: put the trade id and partition key
into the logging context, acquire the partition lock, check admission
against the rate limiter, validate the sequence number (which may buffer
or reject the message), claim the idempotency key, enrich, build the
initial blotter, apply rules, validate, consult the approval workflow
when the blotter is still pending, transition the partition's position
state, persist the blotter, advance the sequence watermark, mark the
idempotency record completed, and publish downstream.

Every phase converts its failure into a typed outcome; callers always
see exactly one of SUCCESS, DUPLICATE, BUFFERED, REJECTED,
PENDING_APPROVAL or FAILED plus an ErrorDetail when not successful.
The partition lock is always released, and a claimed idempotency record
resolves to COMPLETED on success and FAILED on any error or workflow
rejection; a blotter left pending approval keeps its record PROCESSING.

The orchestrator implements the sequence buffer's Drainer interface;
buffered successors drain after the lock is released so each drained run
takes the lock itself.
*/
package orchestrator
