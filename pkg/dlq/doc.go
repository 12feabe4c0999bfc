/*
Package dlq parks unprocessable messages for inspection.

Payloads are enveloped with dlq_error, dlq_reason and dlq_timestamp
headers and published to the DLQ topic, keyed by partition key when one
is available. A DLQ publish failure is logged and swallowed — the DLQ
must never become a source of redelivery loops itself.
*/
package dlq
