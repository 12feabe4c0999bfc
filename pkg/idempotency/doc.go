/*
Package idempotency deduplicates submissions across the window.

The service is two-tier: a hot cache in the coordination store answers
the common duplicate probe, and the durable store holds the record of
truth with a unique constraint on the idempotency key. The cache is an
optimisation only — correctness derives from the unique constraint, and
a lost insert race is resolved by reading the winner's record.

Records transition PROCESSING to COMPLETED (carrying the blotter
reference) or FAILED. A COMPLETED record answers duplicates for the
lifetime of the window; FAILED and expired records are reclaimed by the
next submission. Durable-store errors propagate: idempotency fails
closed.
*/
package idempotency
