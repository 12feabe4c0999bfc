package types

import (
	"strings"
	"time"
)

// PartitionKeySeparator joins accountId, bookId and securityId into a
// partition key. Producers and consumers must derive keys identically.
const PartitionKeySeparator = "/"

// MaxTradeIDBytes bounds the tradeId field on the wire.
const MaxTradeIDBytes = 100

// TradeSource identifies how a trade entered the system
type TradeSource string

const (
	TradeSourceAutomated TradeSource = "AUTOMATED"
	TradeSourceManual    TradeSource = "MANUAL"
)

// EnrichmentStatus reflects the outcome of reference-data enrichment
type EnrichmentStatus string

const (
	EnrichmentComplete EnrichmentStatus = "COMPLETE"
	EnrichmentPartial  EnrichmentStatus = "PARTIAL"
	EnrichmentFailed   EnrichmentStatus = "FAILED"
)

// WorkflowStatus is the approval-workflow disposition of a blotter
type WorkflowStatus string

const (
	WorkflowPendingApproval WorkflowStatus = "PENDING_APPROVAL"
	WorkflowApproved        WorkflowStatus = "APPROVED"
	WorkflowRejected        WorkflowStatus = "REJECTED"
)

// PositionState is the CDM lifecycle state of a position
type PositionState string

const (
	PositionExecuted  PositionState = "EXECUTED"
	PositionFormed    PositionState = "FORMED"
	PositionSettled   PositionState = "SETTLED"
	PositionCancelled PositionState = "CANCELLED"
	PositionClosed    PositionState = "CLOSED"
)

// IdempotencyStatus tracks the lifecycle of an idempotency record
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "PROCESSING"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

// ManualEntry carries provenance for manually keyed trades
type ManualEntry struct {
	EnteredBy      string
	EntryTimestamp time.Time
}

// PriceQuantity is a single price/quantity observation within a lot
type PriceQuantity struct {
	Quantity     float64
	QuantityUnit string
	Price        float64
	PriceUnit    string
}

// TradeLot groups lot identifiers with their price/quantity pairs.
// Both sequences are ordered.
type TradeLot struct {
	LotIDs          []string
	PriceQuantities []*PriceQuantity
}

// TradeCaptureMessage is the ingress payload in its decoded form
type TradeCaptureMessage struct {
	TradeID          string
	AccountID        string
	BookID           string
	SecurityID       string
	PartitionKey     string
	Source           TradeSource
	TradeDate        time.Time // date component only
	TradeTimestamp   time.Time
	BookingTimestamp time.Time // zero means "use TradeTimestamp"
	SequenceNumber   uint64    // 0 means "not provided"
	IdempotencyKey   string    // empty means "use TradeID"
	CounterpartyIDs  []string
	TradeLots        []*TradeLot
	Metadata         map[string]string
	ManualEntry      *ManualEntry
}

// PartitionKeyFrom derives the deterministic partition key for an
// account/book/security triple.
func PartitionKeyFrom(accountID, bookID, securityID string) string {
	return accountID + PartitionKeySeparator + bookID + PartitionKeySeparator + securityID
}

// SanitizePartitionKey makes a partition key safe for inclusion in a
// topic name. Alphanumerics, '_', '-' and '/' pass through; everything
// else becomes '_'.
func SanitizePartitionKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '/':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// EnsurePartitionKey fills in PartitionKey from the account/book/security
// triple when the producer left it empty.
func (m *TradeCaptureMessage) EnsurePartitionKey() string {
	if m.PartitionKey == "" && m.AccountID != "" && m.BookID != "" && m.SecurityID != "" {
		m.PartitionKey = PartitionKeyFrom(m.AccountID, m.BookID, m.SecurityID)
	}
	return m.PartitionKey
}

// EffectiveIdempotencyKey returns the idempotency key, defaulting to the
// trade id when none was provided.
func (m *TradeCaptureMessage) EffectiveIdempotencyKey() string {
	if m.IdempotencyKey != "" {
		return m.IdempotencyKey
	}
	return m.TradeID
}

// EffectiveBookingTimestamp returns the booking timestamp, defaulting to
// the trade timestamp when none was provided.
func (m *TradeCaptureMessage) EffectiveBookingTimestamp() time.Time {
	if !m.BookingTimestamp.IsZero() {
		return m.BookingTimestamp
	}
	return m.TradeTimestamp
}

// Contract is the economic contract derived from the captured lots
type Contract struct {
	ContractID     string
	EffectiveDate  time.Time
	Counterparties []string
	NotionalAmount float64
	NotionalUnit   string
}

// ProcessingMetadata records how a blotter was produced
type ProcessingMetadata struct {
	ProcessedAt      time.Time
	RulesApplied     []string
	Sources          []string
	ProcessingTimeMs int64
}

// SwapBlotter is the enriched, persisted form of a captured trade
type SwapBlotter struct {
	TradeID            string
	PartitionKey       string
	TradeLots          []*TradeLot
	Contract           *Contract
	State              PositionState
	EnrichmentStatus   EnrichmentStatus
	WorkflowStatus     WorkflowStatus
	ProcessingMetadata ProcessingMetadata
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IdempotencyRecord is the durable dedup record for one idempotency key
type IdempotencyRecord struct {
	Key            string
	TradeID        string
	PartitionKey   string
	Status         IdempotencyStatus
	SwapBlotterRef string // trade id of the persisted blotter, set on completion
	CreatedAt      time.Time
	CompletedAt    *time.Time
	ExpiresAt      time.Time
	Archived       bool
}

// Expired reports whether the idempotency window has elapsed at ts
func (r *IdempotencyRecord) Expired(ts time.Time) bool {
	return ts.After(r.ExpiresAt)
}

// PartitionState is the durable per-partition processing state
type PartitionState struct {
	PartitionKey          string
	PositionState         PositionState
	LastProcessedSequence uint64
	StateBlob             []byte
	Version               int64
	UpdatedAt             time.Time
	Archived              bool
}

// JobState is the lifecycle state of an API-initiated job
type JobState string

const (
	JobPending    JobState = "PENDING"
	JobProcessing JobState = "PROCESSING"
	JobCompleted  JobState = "COMPLETED"
	JobFailed     JobState = "FAILED"
	JobCancelled  JobState = "CANCELLED"
)

// JobStatus tracks progress of an API-initiated trade submission
type JobStatus struct {
	JobID                   string
	TradeID                 string
	SourceAPI               string
	Status                  JobState
	Progress                int // 0..100
	Message                 string
	Result                  string
	Error                   string
	CreatedAt               time.Time
	UpdatedAt               time.Time
	EstimatedCompletionTime time.Time
}

// TradeCaptureRequest wraps a message with API submission metadata
type TradeCaptureRequest struct {
	Message     *TradeCaptureMessage
	JobID       string
	SourceAPI   string
	CallbackURL string
}
