/*
Package statemachine owns CDM position-state transitions.

The permitted graph moves forward only:

	EXECUTED  -> FORMED, CANCELLED, CLOSED
	FORMED    -> SETTLED, CLOSED
	SETTLED   -> CLOSED
	CANCELLED -> CLOSED
	CLOSED    -> (terminal)

Same-state transitions are permitted and idempotent. A newly captured
partition starts at EXECUTED; an EXECUTED partition forms on its next
capture; later states are retained.

Reads for observers go through a hot cache keyed by partition key;
writes read the durable row under a pessimistic lock and bump the
optimistic version, so concurrent transitions serialise at the store.
*/
package statemachine
