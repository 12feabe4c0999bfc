/*
Package broker is the messaging adapter.

Two production flavours sit behind one interface: a partitioned log
broker (Kafka via sarama) with manual offset commit, and a JMS-style
broker (STOMP) with client-individual acknowledgement and native ">"
wildcard topic hierarchies. A third in-process flavour backs tests and
local development.

The interface is deliberately small — Publish, Subscribe with a pattern,
Pause/Resume, Lag, Close — and flavour-specific semantics never leak
past it: the orchestrator sees a Delivery with a manual Ack regardless
of which broker produced it.

Topic names are hierarchical ("trade/capture/input/{partitionKey}");
the log flavour maps path separators onto its own naming
("trade-capture-input") and resolves wildcard patterns against topic
metadata, re-resolving periodically so new partition subtopics join the
consumer group.
*/
package broker
