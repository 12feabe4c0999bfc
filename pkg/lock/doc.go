/*
Package lock is the distributed partition lock.

A lock is an atomic set-if-absent with TTL in the coordination store,
holding a unique per-acquisition value. Acquire retries with exponential
backoff and jitter until it wins or maxWait expires. Release and Extend
run as guarded scripts that verify the stored value first, so a holder
whose TTL lapsed can never release or extend a successor's lock.

Locks are partitioned: different keys never contend. Coordination-store
errors are fatal for the call — locking fails closed, because serialised
processing per partition is a safety property.
*/
package lock
