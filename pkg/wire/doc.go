/*
Package wire implements the binary wire format for ingress and egress
messages.

Messages are length-delimited, field-tagged records built on the protobuf
wire encoding (google.golang.org/protobuf/encoding/protowire) with fixed
field numbers. Decoders skip unknown fields, so the format evolves by
appending fields only.

Normative field semantics:

  - tradeId: UTF-8, at most 100 bytes
  - tradeTimestamp / bookingTimestamp: ISO-8601 with offset (RFC 3339)
  - tradeDate: ISO-8601 date
  - sequenceNumber: unsigned 64-bit varint; absent/0 means "not provided"
  - idempotencyKey: empty means "use tradeId"
  - source: AUTOMATED=0, MANUAL=1

EncodeMessage/DecodeMessage cover the ingress TradeCaptureMessage;
EncodeBlotter/DecodeBlotter cover the canonical egress SwapBlotter
serialization published by the output publisher.
*/
package wire
