package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := New(sqlx.NewDb(db, "sqlmock"), config.RetriesConfig{
		DeadlockAttempts:       3,
		DeadlockInitialBackoff: time.Millisecond,
		DeadlockMaxBackoff:     5 * time.Millisecond,
	})
	return st, mock
}

func idempotencyColumns() []string {
	return []string{"idempotency_key", "trade_id", "partition_key", "status",
		"swap_blotter_ref", "created_at", "completed_at", "expires_at", "archive_flag"}
}

func TestFindIdempotency(t *testing.T) {
	st, mock := newTestStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM idempotency").
		WithArgs("K1").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns()).
			AddRow("K1", "T1", "A/B/S", "COMPLETED", "T1", now, now, now.Add(time.Hour), false))

	rec, err := st.FindIdempotency(context.Background(), "K1")
	require.NoError(t, err)
	assert.Equal(t, "K1", rec.Key)
	assert.Equal(t, types.IdempotencyCompleted, rec.Status)
	assert.Equal(t, "T1", rec.SwapBlotterRef)
	require.NotNil(t, rec.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindIdempotencyNotFound(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectQuery("SELECT (.+) FROM idempotency").
		WithArgs("K1").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns()))

	_, err := st.FindIdempotency(context.Background(), "K1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertIdempotencyDuplicateKey(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := st.UpsertIdempotency(context.Background(), &types.IdempotencyRecord{
		Key: "K1", TradeID: "T1", PartitionKey: "A/B/S",
		Status: types.IdempotencyProcessing,
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadlockRetriesInFreshTransaction(t *testing.T) {
	st, mock := newTestStore(t)

	// First attempt deadlocks and rolls back; the retry commits.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency").
		WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.UpsertIdempotency(context.Background(), &types.IdempotencyRecord{
		Key: "K1", Status: types.IdempotencyProcessing,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadlockRetriesExhausted(t *testing.T) {
	st, mock := newTestStore(t)

	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO idempotency").
			WillReturnError(&pq.Error{Code: "40P01"})
		mock.ExpectRollback()
	}

	err := st.UpsertIdempotency(context.Background(), &types.IdempotencyRecord{Key: "K1"})
	require.Error(t, err)
	assert.True(t, IsDeadlock(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkIdempotencyNotFound(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE idempotency").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.MarkIdempotency(context.Background(), "K1", types.IdempotencyCompleted, "T1", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func partitionStateColumns() []string {
	return []string{"partition_key", "position_state", "state_blob",
		"last_sequence_number", "version", "updated_at", "archive_flag"}
}

func TestUpsertPartitionStateInsertsNewRow(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM partition_state(.+)FOR UPDATE").
		WithArgs("A/B/S").
		WillReturnRows(sqlmock.NewRows(partitionStateColumns()))
	mock.ExpectExec("INSERT INTO partition_state").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	state := &types.PartitionState{
		PartitionKey:          "A/B/S",
		PositionState:         types.PositionExecuted,
		LastProcessedSequence: 1,
		UpdatedAt:             time.Now().UTC(),
	}
	require.NoError(t, st.UpsertPartitionState(context.Background(), state))
	assert.Equal(t, int64(1), state.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPartitionStateVersionConflict(t *testing.T) {
	st, mock := newTestStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM partition_state(.+)FOR UPDATE").
		WithArgs("A/B/S").
		WillReturnRows(sqlmock.NewRows(partitionStateColumns()).
			AddRow("A/B/S", "EXECUTED", nil, 1, 5, now, false))
	mock.ExpectRollback()

	state := &types.PartitionState{
		PartitionKey:  "A/B/S",
		PositionState: types.PositionFormed,
		Version:       3, // stale
		UpdatedAt:     now,
	}
	err := st.UpsertPartitionState(context.Background(), state)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestUpsertPartitionStateSequenceIsMonotone(t *testing.T) {
	st, mock := newTestStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM partition_state(.+)FOR UPDATE").
		WithArgs("A/B/S").
		WillReturnRows(sqlmock.NewRows(partitionStateColumns()).
			AddRow("A/B/S", "EXECUTED", nil, 10, 2, now, false))
	mock.ExpectExec("UPDATE partition_state").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	state := &types.PartitionState{
		PartitionKey:          "A/B/S",
		PositionState:         types.PositionFormed,
		LastProcessedSequence: 7, // behind the stored watermark
		Version:               2,
		UpdatedAt:             now,
	}
	require.NoError(t, st.UpsertPartitionState(context.Background(), state))
	// The watermark never regresses
	assert.Equal(t, uint64(10), state.LastProcessedSequence)
	assert.Equal(t, int64(3), state.Version)
}

func TestUpdateLastProcessedSequenceSeedsMissingRow(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE partition_state").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO partition_state").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.UpdateLastProcessedSequence(context.Background(), "A/B/S", 1, time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSwapBlotterInsertAndConflict(t *testing.T) {
	st, mock := newTestStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO swap_blotter").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	bl := &types.SwapBlotter{TradeID: "T1", PartitionKey: "A/B/S", UpdatedAt: now}
	require.NoError(t, st.UpsertSwapBlotter(context.Background(), bl))
	assert.Equal(t, int64(1), bl.Version)

	// Optimistic update with a stale version affects no rows
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE swap_blotter").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.UpsertSwapBlotter(context.Background(), bl)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestArchiveExpiredIdempotency(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE idempotency SET archive_flag").
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectCommit()

	n, err := st.ArchiveExpiredIdempotency(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
