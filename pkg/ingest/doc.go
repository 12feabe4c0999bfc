/*
Package ingest converts API trade-capture requests into wire messages on
the ingress topic. The request is annotated with job metadata (job id,
source API, callback URL, publish timestamp), encoded, and produced with
the partition key as the routing key; the caller gets back the job id
that tracks the submission.
*/
package ingest
