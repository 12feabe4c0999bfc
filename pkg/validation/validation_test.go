package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

func validMessage() *types.TradeCaptureMessage {
	return &types.TradeCaptureMessage{
		TradeID:         "T1",
		AccountID:       "ACC1",
		BookID:          "BOOK1",
		SecurityID:      "US0378331005",
		TradeDate:       time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		CounterpartyIDs: []string{"C1"},
		TradeLots: []*types.TradeLot{
			{
				LotIDs: []string{"L1"},
				PriceQuantities: []*types.PriceQuantity{
					{Quantity: 100, QuantityUnit: "SHARES", Price: 10, PriceUnit: "USD"},
				},
			},
		},
	}
}

func TestValidMessagePasses(t *testing.T) {
	svc := NewService()
	assert.NoError(t, svc.Validate(validMessage()))
}

func fieldNames(err error) []string {
	var verr *Error
	if !errors.As(err, &verr) {
		return nil
	}
	names := make([]string, len(verr.Fields))
	for i, f := range verr.Fields {
		names[i] = f.Field
	}
	return names
}

func TestFieldViolations(t *testing.T) {
	svc := NewService()

	tests := []struct {
		name   string
		mutate func(m *types.TradeCaptureMessage)
		field  string
	}{
		{"empty trade id", func(m *types.TradeCaptureMessage) { m.TradeID = "" }, "tradeId"},
		{"empty account", func(m *types.TradeCaptureMessage) { m.AccountID = "" }, "accountId"},
		{"empty book", func(m *types.TradeCaptureMessage) { m.BookID = "" }, "bookId"},
		{"bad isin", func(m *types.TradeCaptureMessage) { m.SecurityID = "short" }, "securityId"},
		{"no counterparties", func(m *types.TradeCaptureMessage) { m.CounterpartyIDs = nil }, "counterpartyIds"},
		{"no lots", func(m *types.TradeCaptureMessage) { m.TradeLots = nil }, "tradeLots"},
		{"lot without price quantities", func(m *types.TradeCaptureMessage) {
			m.TradeLots = []*types.TradeLot{{LotIDs: []string{"L1"}}}
		}, "tradeLots[0].priceQuantities"},
		{"future trade date", func(m *types.TradeCaptureMessage) {
			m.TradeDate = time.Now().UTC().Add(72 * time.Hour)
		}, "tradeDate"},
		{"missing trade date", func(m *types.TradeCaptureMessage) { m.TradeDate = time.Time{} }, "tradeDate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validMessage()
			tt.mutate(msg)
			err := svc.Validate(msg)
			require.Error(t, err)
			assert.Contains(t, fieldNames(err), tt.field)
		})
	}
}

func TestAllViolationsReported(t *testing.T) {
	svc := NewService()
	msg := validMessage()
	msg.TradeID = ""
	msg.SecurityID = "bad"
	msg.CounterpartyIDs = nil

	err := svc.Validate(msg)
	require.Error(t, err)
	names := fieldNames(err)
	assert.Contains(t, names, "tradeId")
	assert.Contains(t, names, "securityId")
	assert.Contains(t, names, "counterpartyIds")
}

func TestISINRule(t *testing.T) {
	svc := NewService()
	msg := validMessage()

	msg.SecurityID = "US0378331005" // 12-char alphanumeric
	assert.NoError(t, svc.Validate(msg))

	msg.SecurityID = "us0378331005" // lower case rejected
	assert.Error(t, svc.Validate(msg))

	msg.SecurityID = "US03783310055" // 13 chars rejected
	assert.Error(t, svc.Validate(msg))
}
