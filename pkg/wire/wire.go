package wire

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

// Field numbers for TradeCaptureMessage. Numbers are append-only so the
// format stays schema-evolvable; decoders skip fields they do not know.
const (
	fieldTradeID          = 1
	fieldAccountID        = 2
	fieldBookID           = 3
	fieldSecurityID       = 4
	fieldPartitionKey     = 5
	fieldSource           = 6
	fieldTradeDate        = 7
	fieldTradeTimestamp   = 8
	fieldBookingTimestamp = 9
	fieldSequenceNumber   = 10
	fieldIdempotencyKey   = 11
	fieldCounterpartyID   = 12
	fieldTradeLot         = 13
	fieldMetadataEntry    = 14
	fieldManualEntry      = 15
)

// TradeLot field numbers
const (
	lotFieldLotID         = 1
	lotFieldPriceQuantity = 2
)

// PriceQuantity field numbers
const (
	pqFieldQuantity     = 1
	pqFieldQuantityUnit = 2
	pqFieldPrice        = 3
	pqFieldPriceUnit    = 4
)

// Metadata entry field numbers
const (
	mapFieldKey   = 1
	mapFieldValue = 2
)

// ManualEntry field numbers
const (
	manualFieldEnteredBy = 1
	manualFieldTimestamp = 2
)

// Source enum values on the wire
const (
	sourceAutomated = 0
	sourceManual    = 1
)

const (
	dateLayout = "2006-01-02"
	tsLayout   = time.RFC3339Nano
)

// EncodeMessage serializes a TradeCaptureMessage into its wire form
func EncodeMessage(m *types.TradeCaptureMessage) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("nil message")
	}
	if len(m.TradeID) > types.MaxTradeIDBytes {
		return nil, fmt.Errorf("tradeId exceeds %d bytes", types.MaxTradeIDBytes)
	}

	var b []byte
	b = appendString(b, fieldTradeID, m.TradeID)
	b = appendString(b, fieldAccountID, m.AccountID)
	b = appendString(b, fieldBookID, m.BookID)
	b = appendString(b, fieldSecurityID, m.SecurityID)
	b = appendString(b, fieldPartitionKey, m.PartitionKey)

	var src uint64
	if m.Source == types.TradeSourceManual {
		src = sourceManual
	}
	b = protowire.AppendTag(b, fieldSource, protowire.VarintType)
	b = protowire.AppendVarint(b, src)

	if !m.TradeDate.IsZero() {
		b = appendString(b, fieldTradeDate, m.TradeDate.Format(dateLayout))
	}
	if !m.TradeTimestamp.IsZero() {
		b = appendString(b, fieldTradeTimestamp, m.TradeTimestamp.Format(tsLayout))
	}
	if !m.BookingTimestamp.IsZero() {
		b = appendString(b, fieldBookingTimestamp, m.BookingTimestamp.Format(tsLayout))
	}
	if m.SequenceNumber != 0 {
		b = protowire.AppendTag(b, fieldSequenceNumber, protowire.VarintType)
		b = protowire.AppendVarint(b, m.SequenceNumber)
	}
	b = appendString(b, fieldIdempotencyKey, m.IdempotencyKey)

	for _, cp := range m.CounterpartyIDs {
		b = appendString(b, fieldCounterpartyID, cp)
	}
	for _, lot := range m.TradeLots {
		b = protowire.AppendTag(b, fieldTradeLot, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeLot(lot))
	}
	for k, v := range m.Metadata {
		var entry []byte
		entry = appendString(entry, mapFieldKey, k)
		entry = appendString(entry, mapFieldValue, v)
		b = protowire.AppendTag(b, fieldMetadataEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	if m.ManualEntry != nil {
		var entry []byte
		entry = appendString(entry, manualFieldEnteredBy, m.ManualEntry.EnteredBy)
		if !m.ManualEntry.EntryTimestamp.IsZero() {
			entry = appendString(entry, manualFieldTimestamp, m.ManualEntry.EntryTimestamp.Format(tsLayout))
		}
		b = protowire.AppendTag(b, fieldManualEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b, nil
}

// DecodeMessage parses a wire payload back into a TradeCaptureMessage.
// Unknown fields are skipped.
func DecodeMessage(data []byte) (*types.TradeCaptureMessage, error) {
	m := &types.TradeCaptureMessage{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldTradeID, fieldAccountID, fieldBookID, fieldSecurityID,
			fieldPartitionKey, fieldTradeDate, fieldTradeTimestamp,
			fieldBookingTimestamp, fieldIdempotencyKey, fieldCounterpartyID:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed string field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := setMessageString(m, num, v); err != nil {
				return nil, err
			}
		case fieldSource:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed source: %w", protowire.ParseError(n))
			}
			b = b[n:]
			if v == sourceManual {
				m.Source = types.TradeSourceManual
			} else {
				m.Source = types.TradeSourceAutomated
			}
		case fieldSequenceNumber:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed sequence: %w", protowire.ParseError(n))
			}
			b = b[n:]
			m.SequenceNumber = v
		case fieldTradeLot:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed trade lot: %w", protowire.ParseError(n))
			}
			b = b[n:]
			lot, err := decodeLot(v)
			if err != nil {
				return nil, err
			}
			m.TradeLots = append(m.TradeLots, lot)
		case fieldMetadataEntry:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed metadata entry: %w", protowire.ParseError(n))
			}
			b = b[n:]
			k, val, err := decodeMapEntry(v)
			if err != nil {
				return nil, err
			}
			if m.Metadata == nil {
				m.Metadata = make(map[string]string)
			}
			m.Metadata[k] = val
		case fieldManualEntry:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed manual entry: %w", protowire.ParseError(n))
			}
			b = b[n:]
			entry, err := decodeManualEntry(v)
			if err != nil {
				return nil, err
			}
			m.ManualEntry = entry
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func setMessageString(m *types.TradeCaptureMessage, num protowire.Number, v string) error {
	switch num {
	case fieldTradeID:
		m.TradeID = v
	case fieldAccountID:
		m.AccountID = v
	case fieldBookID:
		m.BookID = v
	case fieldSecurityID:
		m.SecurityID = v
	case fieldPartitionKey:
		m.PartitionKey = v
	case fieldIdempotencyKey:
		m.IdempotencyKey = v
	case fieldCounterpartyID:
		m.CounterpartyIDs = append(m.CounterpartyIDs, v)
	case fieldTradeDate:
		d, err := time.Parse(dateLayout, v)
		if err != nil {
			return fmt.Errorf("invalid trade date: %w", err)
		}
		m.TradeDate = d
	case fieldTradeTimestamp:
		ts, err := time.Parse(tsLayout, v)
		if err != nil {
			return fmt.Errorf("invalid trade timestamp: %w", err)
		}
		m.TradeTimestamp = ts
	case fieldBookingTimestamp:
		ts, err := time.Parse(tsLayout, v)
		if err != nil {
			return fmt.Errorf("invalid booking timestamp: %w", err)
		}
		m.BookingTimestamp = ts
	}
	return nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func encodeLot(lot *types.TradeLot) []byte {
	var b []byte
	for _, id := range lot.LotIDs {
		b = appendString(b, lotFieldLotID, id)
	}
	for _, pq := range lot.PriceQuantities {
		var pb []byte
		pb = protowire.AppendTag(pb, pqFieldQuantity, protowire.Fixed64Type)
		pb = protowire.AppendFixed64(pb, math.Float64bits(pq.Quantity))
		pb = appendString(pb, pqFieldQuantityUnit, pq.QuantityUnit)
		pb = protowire.AppendTag(pb, pqFieldPrice, protowire.Fixed64Type)
		pb = protowire.AppendFixed64(pb, math.Float64bits(pq.Price))
		pb = appendString(pb, pqFieldPriceUnit, pq.PriceUnit)
		b = protowire.AppendTag(b, lotFieldPriceQuantity, protowire.BytesType)
		b = protowire.AppendBytes(b, pb)
	}
	return b
}

func decodeLot(data []byte) (*types.TradeLot, error) {
	lot := &types.TradeLot{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed lot tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case lotFieldLotID:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed lot id: %w", protowire.ParseError(n))
			}
			b = b[n:]
			lot.LotIDs = append(lot.LotIDs, v)
		case lotFieldPriceQuantity:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed price quantity: %w", protowire.ParseError(n))
			}
			b = b[n:]
			pq, err := decodePriceQuantity(v)
			if err != nil {
				return nil, err
			}
			lot.PriceQuantities = append(lot.PriceQuantities, pq)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("malformed lot field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return lot, nil
}

func decodePriceQuantity(data []byte) (*types.PriceQuantity, error) {
	pq := &types.PriceQuantity{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed pq tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case pqFieldQuantity, pqFieldPrice:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed pq value: %w", protowire.ParseError(n))
			}
			b = b[n:]
			if num == pqFieldQuantity {
				pq.Quantity = math.Float64frombits(v)
			} else {
				pq.Price = math.Float64frombits(v)
			}
		case pqFieldQuantityUnit, pqFieldPriceUnit:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed pq unit: %w", protowire.ParseError(n))
			}
			b = b[n:]
			if num == pqFieldQuantityUnit {
				pq.QuantityUnit = v
			} else {
				pq.PriceUnit = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("malformed pq field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return pq, nil
}

func decodeMapEntry(data []byte) (string, string, error) {
	var key, value string
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("malformed map tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case mapFieldKey, mapFieldValue:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", "", fmt.Errorf("malformed map value: %w", protowire.ParseError(n))
			}
			b = b[n:]
			if num == mapFieldKey {
				key = v
			} else {
				value = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", fmt.Errorf("malformed map field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return key, value, nil
}

func decodeManualEntry(data []byte) (*types.ManualEntry, error) {
	entry := &types.ManualEntry{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed manual tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case manualFieldEnteredBy:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed enteredBy: %w", protowire.ParseError(n))
			}
			b = b[n:]
			entry.EnteredBy = v
		case manualFieldTimestamp:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed entry timestamp: %w", protowire.ParseError(n))
			}
			b = b[n:]
			ts, err := time.Parse(tsLayout, v)
			if err != nil {
				return nil, fmt.Errorf("invalid entry timestamp: %w", err)
			}
			entry.EntryTimestamp = ts
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("malformed manual field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return entry, nil
}
