/*
Package sequence enforces in-order delivery per partition.

Each partition persists lastProcessedSequence, the highest sequence ever
processed. For an incoming sequence s:

  - s == last+1: process in order; the watermark advances afterwards and
    any contiguous buffered successor drains.
  - s <= last: already processed; rejected to the DLQ.
  - last+1 < s <= last+bufferWindow: held in the out-of-order buffer,
    unless the booking timestamp falls outside the lookback window, in
    which case it processes immediately (its predecessors are presumed
    lost).
  - s > last+bufferWindow: gap too large; rejected to the DLQ.

The buffer lives in process memory of a single consumer and is not
authoritative; a crash loses it and broker redelivery or the sweep
timeout compensates. A periodic sweeper drains any partition whose
oldest entry has waited longer than bufferTimeout — the whole partition
buffer goes to the DLQ with a TIMEOUT reason and clears.

Drained messages re-enter the pipeline through the Drainer interface,
which this package owns and the orchestrator implements.
*/
package sequence
