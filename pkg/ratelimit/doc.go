/*
Package ratelimit admits requests against global and per-partition token
buckets held in the coordination store.

Both buckets refill continuously at their configured rate up to their
burst size. One admission takes one token from each bucket, evaluated in
a single atomic script that reads the token counts and last-refill
instants, applies floor(elapsedMs * rate / 1000) of refill credit,
clamps to burst, and either decrements both buckets or leaves them
unchanged.

On coordination-store failure the limiter fails open and admits the
request: throttling is an availability mechanism, and an unavailable
limiter must not take the pipeline down with it. Fail-open admissions
are counted separately in metrics.
*/
package ratelimit
