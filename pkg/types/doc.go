/*
Package types defines the core data structures of the trade-capture core.

This package contains the domain model shared by every other package:
trade-capture messages as they arrive on the wire, the enriched swap
blotter that the pipeline produces, the durable idempotency and
partition-state records, job status for API-initiated trades, and the
typed outcome every orchestrator run resolves to.

All enums use typed string constants:

	type PositionState string
	const (
	    PositionExecuted PositionState = "EXECUTED"
	    PositionFormed   PositionState = "FORMED"
	)

Partition keys are derived deterministically from the account, book and
security identifiers:

	key := types.PartitionKeyFrom("ACC1", "BOOK1", "SEC1") // "ACC1/BOOK1/SEC1"

and sanitized before they are embedded in topic names:

	topic := "trade/capture/input/" + types.SanitizePartitionKey(key)

Optional wire fields resolve through Effective* helpers rather than at
the call sites: EffectiveIdempotencyKey defaults to the trade id,
EffectiveBookingTimestamp defaults to the trade timestamp.

Types here carry no behaviour beyond those derivations; persistence,
serialization and pipeline logic live in their own packages.
*/
package types
