/*
Package publisher sends enriched blotters downstream.

The primary channel is the configured broker topic, carrying the
canonical blotter serialization with the trade id and partition key as
headers; a primary failure aborts the caller's pipeline. Additional
webhook publishers run in parallel and are best-effort: their failures
are logged and counted but never fail the primary path.
*/
package publisher
