/*
Package coord is the coordination-store client.

The coordination store (Redis) owns everything that is shared across
instances but not durable: distributed locks, token buckets, the
sequence-number hot cache, the idempotency hot cache, the reference-data
cache and job status. The Client interface exposes exactly the atomic
primitives those callers need: string get/set with TTL, set-if-absent
(locks), counters, delete, and Eval for small read-modify-write scripts
(token-bucket refill, guarded lock release).

I/O failures surface as *TransientError. Whether a caller may fall open
on one is a per-caller policy: the rate limiter allows the request
(availability), locks and idempotency fail closed (safety, correctness).
*/
package coord
