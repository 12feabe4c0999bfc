/*
Package store is the durable-store client.

The durable store (Postgres) owns the records correctness derives from:
idempotency records (unique on idempotency_key), partition state
(optimistic version, monotone last_sequence_number), swap blotters
(optimistic version, JSON blob) and the archive flags.

Every write runs in its own short transaction, started fresh per write
site, so a deadlock retry never replays more work than one unit.
Store-reported deadlocks (40P01) and serialization failures (40001)
retry with exponential backoff and jitter up to the configured attempt
bound; each retry begins a new transaction.

Partition-state writes read the row FOR UPDATE before updating, which
serialises concurrent position-state transitions across instances that
reach the database at the same time.
*/
package store
