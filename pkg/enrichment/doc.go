/*
Package enrichment resolves reference data for captured trades.

The security and account lookups run concurrently. Each consults the
coordination-store cache first and falls back to its reference-data
client on a miss, populating the cache on success. Lookup failures and
open circuit breakers degrade to "missing" rather than failing the
pipeline.

Status is COMPLETE when both resolve, PARTIAL when one is missing and
FAILED when both are; a PARTIAL trade still proceeds through the
pipeline with its blotter marked accordingly.
*/
package enrichment
