/*
Package router fans the single ingress topic into per-partition
subtopics.

For each ingress message the router parses the payload, reads the
partition key (reconstructing it from the account/book/security triple
when the producer left it empty), sanitizes it for topic-name use and
republishes the original bytes to trade/capture/input/{partitionKey}.
Payload bytes are preserved exactly; only headers are added.

Messages that cannot be parsed or carry no derivable partition key go to
the router DLQ with error-reason headers and are acknowledged, so a
poison payload cannot loop through redelivery. A failed republish is
left unacknowledged for the broker to redeliver.

The router is stateless; multiple instances run behind the broker's own
consumer-group semantics.
*/
package router
