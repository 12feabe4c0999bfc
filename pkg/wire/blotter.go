package wire

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

// Field numbers for SwapBlotter
const (
	blotterFieldTradeID          = 1
	blotterFieldPartitionKey     = 2
	blotterFieldTradeLot         = 3
	blotterFieldContract         = 4
	blotterFieldState            = 5
	blotterFieldEnrichmentStatus = 6
	blotterFieldWorkflowStatus   = 7
	blotterFieldMetadata         = 8
	blotterFieldVersion          = 9
)

// Contract field numbers
const (
	contractFieldID             = 1
	contractFieldEffectiveDate  = 2
	contractFieldCounterparty   = 3
	contractFieldNotionalAmount = 4
	contractFieldNotionalUnit   = 5
)

// ProcessingMetadata field numbers
const (
	pmFieldProcessedAt      = 1
	pmFieldRuleApplied      = 2
	pmFieldSource           = 3
	pmFieldProcessingTimeMs = 4
)

// EncodeBlotter serializes a SwapBlotter into its canonical wire form
func EncodeBlotter(bl *types.SwapBlotter) ([]byte, error) {
	if bl == nil {
		return nil, fmt.Errorf("nil blotter")
	}

	var b []byte
	b = appendString(b, blotterFieldTradeID, bl.TradeID)
	b = appendString(b, blotterFieldPartitionKey, bl.PartitionKey)
	for _, lot := range bl.TradeLots {
		b = protowire.AppendTag(b, blotterFieldTradeLot, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeLot(lot))
	}
	if bl.Contract != nil {
		var cb []byte
		cb = appendString(cb, contractFieldID, bl.Contract.ContractID)
		if !bl.Contract.EffectiveDate.IsZero() {
			cb = appendString(cb, contractFieldEffectiveDate, bl.Contract.EffectiveDate.Format(dateLayout))
		}
		for _, cp := range bl.Contract.Counterparties {
			cb = appendString(cb, contractFieldCounterparty, cp)
		}
		cb = protowire.AppendTag(cb, contractFieldNotionalAmount, protowire.Fixed64Type)
		cb = protowire.AppendFixed64(cb, math.Float64bits(bl.Contract.NotionalAmount))
		cb = appendString(cb, contractFieldNotionalUnit, bl.Contract.NotionalUnit)
		b = protowire.AppendTag(b, blotterFieldContract, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	b = appendString(b, blotterFieldState, string(bl.State))
	b = appendString(b, blotterFieldEnrichmentStatus, string(bl.EnrichmentStatus))
	b = appendString(b, blotterFieldWorkflowStatus, string(bl.WorkflowStatus))

	var mb []byte
	if !bl.ProcessingMetadata.ProcessedAt.IsZero() {
		mb = appendString(mb, pmFieldProcessedAt, bl.ProcessingMetadata.ProcessedAt.Format(tsLayout))
	}
	for _, r := range bl.ProcessingMetadata.RulesApplied {
		mb = appendString(mb, pmFieldRuleApplied, r)
	}
	for _, s := range bl.ProcessingMetadata.Sources {
		mb = appendString(mb, pmFieldSource, s)
	}
	mb = protowire.AppendTag(mb, pmFieldProcessingTimeMs, protowire.VarintType)
	mb = protowire.AppendVarint(mb, uint64(bl.ProcessingMetadata.ProcessingTimeMs))
	b = protowire.AppendTag(b, blotterFieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, mb)

	b = protowire.AppendTag(b, blotterFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(bl.Version))
	return b, nil
}

// DecodeBlotter parses a canonical blotter payload
func DecodeBlotter(data []byte) (*types.SwapBlotter, error) {
	bl := &types.SwapBlotter{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed blotter tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case blotterFieldTradeID, blotterFieldPartitionKey, blotterFieldState,
			blotterFieldEnrichmentStatus, blotterFieldWorkflowStatus:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed blotter field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case blotterFieldTradeID:
				bl.TradeID = v
			case blotterFieldPartitionKey:
				bl.PartitionKey = v
			case blotterFieldState:
				bl.State = types.PositionState(v)
			case blotterFieldEnrichmentStatus:
				bl.EnrichmentStatus = types.EnrichmentStatus(v)
			case blotterFieldWorkflowStatus:
				bl.WorkflowStatus = types.WorkflowStatus(v)
			}
		case blotterFieldTradeLot:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed blotter lot: %w", protowire.ParseError(n))
			}
			b = b[n:]
			lot, err := decodeLot(v)
			if err != nil {
				return nil, err
			}
			bl.TradeLots = append(bl.TradeLots, lot)
		case blotterFieldContract:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed contract: %w", protowire.ParseError(n))
			}
			b = b[n:]
			c, err := decodeContract(v)
			if err != nil {
				return nil, err
			}
			bl.Contract = c
		case blotterFieldMetadata:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed processing metadata: %w", protowire.ParseError(n))
			}
			b = b[n:]
			pm, err := decodeProcessingMetadata(v)
			if err != nil {
				return nil, err
			}
			bl.ProcessingMetadata = *pm
		case blotterFieldVersion:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed version: %w", protowire.ParseError(n))
			}
			b = b[n:]
			bl.Version = int64(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("malformed blotter field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return bl, nil
}

func decodeContract(data []byte) (*types.Contract, error) {
	c := &types.Contract{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed contract tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case contractFieldID, contractFieldNotionalUnit, contractFieldCounterparty, contractFieldEffectiveDate:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed contract field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case contractFieldID:
				c.ContractID = v
			case contractFieldNotionalUnit:
				c.NotionalUnit = v
			case contractFieldCounterparty:
				c.Counterparties = append(c.Counterparties, v)
			case contractFieldEffectiveDate:
				d, err := time.Parse(dateLayout, v)
				if err != nil {
					return nil, fmt.Errorf("invalid effective date: %w", err)
				}
				c.EffectiveDate = d
			}
		case contractFieldNotionalAmount:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed notional: %w", protowire.ParseError(n))
			}
			b = b[n:]
			c.NotionalAmount = math.Float64frombits(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("malformed contract field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}

func decodeProcessingMetadata(data []byte) (*types.ProcessingMetadata, error) {
	pm := &types.ProcessingMetadata{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed metadata tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case pmFieldProcessedAt:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed processedAt: %w", protowire.ParseError(n))
			}
			b = b[n:]
			ts, err := time.Parse(tsLayout, v)
			if err != nil {
				return nil, fmt.Errorf("invalid processedAt: %w", err)
			}
			pm.ProcessedAt = ts
		case pmFieldRuleApplied, pmFieldSource:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed metadata field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == pmFieldRuleApplied {
				pm.RulesApplied = append(pm.RulesApplied, v)
			} else {
				pm.Sources = append(pm.Sources, v)
			}
		case pmFieldProcessingTimeMs:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed processing time: %w", protowire.ParseError(n))
			}
			b = b[n:]
			pm.ProcessingTimeMs = int64(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("malformed metadata field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return pm, nil
}
