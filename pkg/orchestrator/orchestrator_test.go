package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/broker"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/coord"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/enrichment"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/idempotency"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/jobstatus"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/lock"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/publisher"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/ratelimit"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/refdata"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/rules"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/sequence"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/statemachine"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/store"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/validation"
)

type approvalStub struct {
	decision *refdata.ApprovalDecision
}

func (a *approvalStub) Submit(ctx context.Context, blotter *types.SwapBlotter) (*refdata.ApprovalDecision, error) {
	return a.decision, nil
}

type fixture struct {
	orch    *Orchestrator
	mr      *miniredis.Miniredis
	mock    sqlmock.Sqlmock
	broker  *broker.MemoryBroker
	limiter *ratelimit.Limiter
	coord   coord.Client
}

func newFixture(t *testing.T, approval refdata.ApprovalWorkflow) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := coord.NewFromRedis(rdb)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(sqlx.NewDb(db, "sqlmock"), config.RetriesConfig{DeadlockAttempts: 1})

	b := broker.NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })

	// Near-zero refill keeps token counts deterministic under test
	rlConfig := config.RateLimitConfig{
		Global:       config.BucketConfig{RequestsPerSecond: 0.001, BurstSize: 10000},
		PerPartition: config.BucketConfig{RequestsPerSecond: 0.001, BurstSize: 200},
	}
	limiter := ratelimit.NewLimiter(client, rlConfig)

	seqSvc := sequence.NewService(client, st, config.SequenceConfig{
		BufferEnabled:  true,
		WindowSize:     1000,
		BufferTimeout:  300 * time.Second,
		TimeWindowDays: 7,
	}, &nullDLQ{})

	if approval == nil {
		approval = refdata.MockApprovalWorkflow{}
	}

	orch := New(Deps{
		Locks:   lock.NewService(client),
		Limiter: limiter,
		Sequence: seqSvc,
		Idem: idempotency.NewService(client, st, config.IdempotencyConfig{
			Window: 24 * time.Hour, CacheTTL: 24 * time.Hour,
		}),
		Enricher: enrichment.NewService(client, refdata.MockSecurityMaster{},
			refdata.MockAccountMaster{}, config.CacheConfig{SecurityTTL: time.Hour, AccountTTL: time.Hour}),
		Engine:    rules.NewEngine(&rules.StaticRepository{Rules: rules.DefaultRules()}),
		Validator: validation.NewService(),
		States:    statemachine.NewService(client, st),
		Store:     st,
		Output:    publisher.NewOutput(b, "trade/capture/blotter", config.OutputConfig{}),
		Approval:  approval,
		Jobs:      jobstatus.NewService(client, config.JobStatusConfig{Retention: time.Hour}),
		LockCfg:   config.LockConfig{DefaultHold: 30 * time.Second, DefaultWait: time.Second},
	})

	return &fixture{orch: orch, mr: mr, mock: mock, broker: b, limiter: limiter, coord: client}
}

type nullDLQ struct{}

func (nullDLQ) SendMessage(ctx context.Context, msg *types.TradeCaptureMessage, code, reason string) {
}

func automatedMessage(seq uint64) *types.TradeCaptureMessage {
	return &types.TradeCaptureMessage{
		TradeID:         "T1",
		AccountID:       "ACC1",
		BookID:          "BOOK1",
		SecurityID:      "US0378331005",
		Source:          types.TradeSourceAutomated,
		TradeDate:       time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		TradeTimestamp:  time.Now().UTC().Add(-time.Hour),
		SequenceNumber:  seq,
		CounterpartyIDs: []string{"C1", "C2"},
		TradeLots: []*types.TradeLot{
			{
				LotIDs: []string{"L1"},
				PriceQuantities: []*types.PriceQuantity{
					{Quantity: 10000, QuantityUnit: "SHARES", Price: 150.25, PriceUnit: "USD"},
				},
			},
		},
	}
}

func idempotencyColumns() []string {
	return []string{"idempotency_key", "trade_id", "partition_key", "status",
		"swap_blotter_ref", "created_at", "completed_at", "expires_at", "archive_flag"}
}

func partitionStateColumns() []string {
	return []string{"partition_key", "position_state", "state_blob",
		"last_sequence_number", "version", "updated_at", "archive_flag"}
}

func expectHappyPathSQL(mock sqlmock.Sqlmock) {
	// Idempotency claim
	mock.ExpectQuery("SELECT (.+) FROM idempotency").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns()))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// Position state: new partition
	mock.ExpectQuery("SELECT (.+) FROM partition_state").
		WillReturnRows(sqlmock.NewRows(partitionStateColumns()))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM partition_state(.+)FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(partitionStateColumns()))
	mock.ExpectExec("INSERT INTO partition_state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// Blotter persistence
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO swap_blotter").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// Sequence watermark
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE partition_state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// Idempotency completion
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE idempotency").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestHappyPathAutomatedTrade(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.mr.Set("seq:last:ACC1/BOOK1/US0378331005", "0"))

	published := make(chan *broker.Message, 1)
	_, err := f.broker.Subscribe(ctx, "trade/capture/blotter", func(ctx context.Context, d *broker.Delivery) {
		_ = d.Ack()
		published <- d.Message
	})
	require.NoError(t, err)

	expectHappyPathSQL(f.mock)

	result := f.orch.Process(ctx, automatedMessage(1))
	require.Equal(t, types.OutcomeSuccess, result.Outcome, "error: %+v", result.Error)
	require.NotNil(t, result.Blotter)

	assert.Equal(t, types.PositionExecuted, result.Blotter.State)
	assert.Equal(t, types.EnrichmentComplete, result.Blotter.EnrichmentStatus)
	assert.Equal(t, types.WorkflowApproved, result.Blotter.WorkflowStatus)
	assert.NotEmpty(t, result.Blotter.ProcessingMetadata.RulesApplied)
	assert.Equal(t, 10000*150.25, result.Blotter.Contract.NotionalAmount)
	assert.Equal(t, int64(1), result.Blotter.Version)

	// Blotter reached the output topic
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("blotter was not published")
	}

	// Watermark advanced to 1
	raw, err := f.mr.Get("seq:last:ACC1/BOOK1/US0378331005")
	require.NoError(t, err)
	assert.Equal(t, "1", raw)

	// Lock released
	assert.False(t, f.mr.Exists("lock:partition:ACC1/BOOK1/US0378331005"))

	// Idempotency cache shows COMPLETED
	rawIdem, err := f.mr.Get("idem:T1")
	require.NoError(t, err)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(rawIdem), &entry))
	assert.Equal(t, "COMPLETED", entry["status"])

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDuplicateReturnsCachedBlotter(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	entry, _ := json.Marshal(map[string]string{
		"status":         "COMPLETED",
		"tradeId":        "T1",
		"partitionKey":   "ACC1/BOOK1/US0378331005",
		"swapBlotterRef": "T1",
	})
	require.NoError(t, f.mr.Set("idem:T1", string(entry)))

	blob, _ := json.Marshal(&types.SwapBlotter{TradeID: "T1", PartitionKey: "ACC1/BOOK1/US0378331005", Version: 1})
	f.mock.ExpectQuery("SELECT (.+) FROM swap_blotter").
		WillReturnRows(sqlmock.NewRows([]string{"trade_id", "partition_key", "blob", "version",
			"created_at", "updated_at", "archive_flag"}).
			AddRow("T1", "ACC1/BOOK1/US0378331005", blob, 1, time.Now(), time.Now(), false))

	result := f.orch.Process(ctx, automatedMessage(0))
	require.Equal(t, types.OutcomeDuplicate, result.Outcome)
	require.NotNil(t, result.Blotter)
	assert.Equal(t, "T1", result.Blotter.TradeID)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRateLimitExceeded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Drain the partition bucket before the orchestrator's admission check
	for i := 0; i < 200; i++ {
		require.True(t, f.limiter.Allow(ctx, "ACC1/BOOK1/US0378331005").Allowed)
	}

	result := f.orch.Process(ctx, automatedMessage(0))
	require.Equal(t, types.OutcomeFailed, result.Outcome)
	require.NotNil(t, result.Error)
	assert.Equal(t, types.CodeRateLimitExceeded, result.Error.Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestBufferedOutOfOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.mr.Set("seq:last:ACC1/BOOK1/US0378331005", "0"))

	msg := automatedMessage(5)
	msg.TradeTimestamp = time.Now().UTC()
	result := f.orch.Process(ctx, msg)
	assert.Equal(t, types.OutcomeBuffered, result.Outcome)
	assert.Nil(t, result.Blotter)
	// No persistence happened
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGapTooLargeRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.mr.Set("seq:last:ACC1/BOOK1/US0378331005", "0"))

	result := f.orch.Process(ctx, automatedMessage(2000))
	require.Equal(t, types.OutcomeRejected, result.Outcome)
	require.NotNil(t, result.Error)
	assert.Equal(t, types.CodeGapTooLarge, result.Error.Code)
}

func TestOutOfOrderTooOldRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.mr.Set("seq:last:ACC1/BOOK1/US0378331005", "10"))

	result := f.orch.Process(ctx, automatedMessage(3))
	require.Equal(t, types.OutcomeRejected, result.Outcome)
	assert.Equal(t, types.CodeOutOfOrderTooOld, result.Error.Code)
}

func TestValidationFailureMarksIdempotencyFailed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Claim, then the FAILED mark after validation rejects the message
	f.mock.ExpectQuery("SELECT (.+) FROM idempotency").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns()))
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO idempotency").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE idempotency").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	msg := automatedMessage(0)
	msg.CounterpartyIDs = nil
	result := f.orch.Process(ctx, msg)
	require.Equal(t, types.OutcomeFailed, result.Outcome)
	assert.Equal(t, types.CodeValidationFailed, result.Error.Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestManualTradePendingApproval(t *testing.T) {
	f := newFixture(t, &approvalStub{decision: &refdata.ApprovalDecision{
		Status: types.WorkflowPendingApproval,
	}})
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT (.+) FROM idempotency").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns()))
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO idempotency").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	msg := automatedMessage(0)
	msg.Source = types.TradeSourceManual
	result := f.orch.Process(ctx, msg)
	require.Equal(t, types.OutcomePendingApproval, result.Outcome)
	require.NotNil(t, result.Blotter)
	assert.Equal(t, types.WorkflowPendingApproval, result.Blotter.WorkflowStatus)
	// Nothing persisted yet; the record stays PROCESSING
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWorkflowRejected(t *testing.T) {
	f := newFixture(t, &approvalStub{decision: &refdata.ApprovalDecision{
		Status: types.WorkflowRejected,
		Reason: "limits breached",
	}})
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT (.+) FROM idempotency").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns()))
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO idempotency").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE idempotency").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	msg := automatedMessage(0)
	msg.Source = types.TradeSourceManual
	result := f.orch.Process(ctx, msg)
	require.Equal(t, types.OutcomeRejected, result.Outcome)
	assert.Equal(t, types.CodeWorkflowRejected, result.Error.Code)
	assert.Equal(t, "limits breached", result.Error.Message)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSubsequentCaptureFormsPosition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.mr.Set("seq:last:ACC1/BOOK1/US0378331005", "1"))

	now := time.Now().UTC()
	// Idempotency claim
	f.mock.ExpectQuery("SELECT (.+) FROM idempotency").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns()))
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO idempotency").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	// Existing EXECUTED partition
	f.mock.ExpectQuery("SELECT (.+) FROM partition_state").
		WillReturnRows(sqlmock.NewRows(partitionStateColumns()).
			AddRow("ACC1/BOOK1/US0378331005", "EXECUTED", nil, 1, 1, now, false))
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT (.+) FROM partition_state(.+)FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(partitionStateColumns()).
			AddRow("ACC1/BOOK1/US0378331005", "EXECUTED", nil, 1, 1, now, false))
	f.mock.ExpectExec("UPDATE partition_state").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	// Blotter + watermark + completion
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO swap_blotter").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE partition_state").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE idempotency").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	msg := automatedMessage(2)
	msg.TradeID = "T2"
	result := f.orch.Process(ctx, msg)
	require.Equal(t, types.OutcomeSuccess, result.Outcome, "error: %+v", result.Error)
	// EXECUTED partition forms on the next capture
	assert.Equal(t, types.PositionFormed, result.Blotter.State)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLockContentionFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Another holder owns the partition lock
	lockSvc := lock.NewService(f.coord)
	_, err := lockSvc.Acquire(ctx, "ACC1/BOOK1/US0378331005", time.Minute, 0)
	require.NoError(t, err)

	result := f.orch.Process(ctx, automatedMessage(0))
	require.Equal(t, types.OutcomeFailed, result.Outcome)
	assert.Equal(t, types.CodeLockAcquisitionFailed, result.Error.Code)
}
