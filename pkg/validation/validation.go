package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

// isinPattern is the 12-character alphanumeric security identifier rule
var isinPattern = regexp.MustCompile(`^[A-Z0-9]{12}$`)

const (
	maxIdentifierLen   = 64
	maxCounterparties  = 50
	maxLotsPerTrade    = 1000
	maxMetadataEntries = 100
)

// FieldError describes one failed check
type FieldError struct {
	Field   string
	Message string
}

// Error aggregates every failed check for one request
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Service runs structural and semantic checks on captured trades
type Service struct {
	now func() time.Time
}

// NewService creates the validation service
func NewService() *Service {
	return &Service{now: time.Now}
}

// Validate checks msg and returns an *Error listing every violation
func (s *Service) Validate(msg *types.TradeCaptureMessage) error {
	var fields []FieldError
	add := func(field, message string) {
		fields = append(fields, FieldError{Field: field, Message: message})
	}

	if msg.TradeID == "" {
		add("tradeId", "must not be empty")
	} else if len(msg.TradeID) > types.MaxTradeIDBytes {
		add("tradeId", fmt.Sprintf("must not exceed %d bytes", types.MaxTradeIDBytes))
	}

	if msg.AccountID == "" {
		add("accountId", "must not be empty")
	} else if len(msg.AccountID) > maxIdentifierLen {
		add("accountId", fmt.Sprintf("must not exceed %d characters", maxIdentifierLen))
	}
	if msg.BookID == "" {
		add("bookId", "must not be empty")
	} else if len(msg.BookID) > maxIdentifierLen {
		add("bookId", fmt.Sprintf("must not exceed %d characters", maxIdentifierLen))
	}

	if msg.SecurityID == "" {
		add("securityId", "must not be empty")
	} else if !isinPattern.MatchString(msg.SecurityID) {
		add("securityId", "must be a 12-character alphanumeric identifier")
	}

	if len(msg.CounterpartyIDs) == 0 {
		add("counterpartyIds", "must not be empty")
	} else if len(msg.CounterpartyIDs) > maxCounterparties {
		add("counterpartyIds", fmt.Sprintf("must not exceed %d entries", maxCounterparties))
	}

	switch {
	case len(msg.TradeLots) == 0:
		add("tradeLots", "must not be empty")
	case len(msg.TradeLots) > maxLotsPerTrade:
		add("tradeLots", fmt.Sprintf("must not exceed %d lots", maxLotsPerTrade))
	default:
		for i, lot := range msg.TradeLots {
			if len(lot.PriceQuantities) == 0 {
				add(fmt.Sprintf("tradeLots[%d].priceQuantities", i), "must contain at least one entry")
			}
		}
	}

	if len(msg.Metadata) > maxMetadataEntries {
		add("metadata", fmt.Sprintf("must not exceed %d entries", maxMetadataEntries))
	}

	if msg.TradeDate.IsZero() {
		add("tradeDate", "must be set")
	} else {
		today := s.now().UTC().Truncate(24 * time.Hour)
		if msg.TradeDate.After(today) {
			add("tradeDate", "must not be in the future")
		}
	}

	if len(fields) > 0 {
		return &Error{Fields: fields}
	}
	return nil
}
