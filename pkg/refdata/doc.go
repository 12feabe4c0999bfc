/*
Package refdata wraps the external reference-data collaborators:
security master, account master and the approval workflow.

Every call runs under a request timeout, bounded retry with exponential
backoff for transient failures, and a circuit breaker with a failure
rate window. When the breaker is open or retries exhaust, lookups fall
back to "not found" instead of failing — enrichment degrades to PARTIAL
rather than taking the pipeline down. The approval client degrades to a
pending decision for the same reason.

A mock mode returns deterministic canned data for local development and
tests.
*/
package refdata
