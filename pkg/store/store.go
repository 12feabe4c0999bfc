package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicateKey is returned when a unique constraint is violated
	ErrDuplicateKey = errors.New("store: duplicate key")
	// ErrVersionConflict is returned when an optimistic update lost the race
	ErrVersionConflict = errors.New("store: version conflict")
)

// Postgres error codes the retry policy recognises
const (
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
)

// IsDeadlock reports whether err is a store-reported deadlock or
// serialization failure, both of which are safe to retry in a fresh
// transaction.
func IsDeadlock(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgDeadlockDetected || string(pqErr.Code) == pgSerializationFailure
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return false
}

// Store is the durable-store client. Every write runs in its own short
// transaction so deadlock retries are isolated to one unit of work.
type Store struct {
	db      *sqlx.DB
	retries config.RetriesConfig
}

// Open connects to the durable store
func Open(cfg config.DatabaseConfig, retries config.RetriesConfig) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	return New(db, retries), nil
}

// New wraps an existing connection (tests use this with sqlmock)
func New(db *sqlx.DB, retries config.RetriesConfig) *Store {
	return &Store{db: db, retries: retries}
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside a fresh transaction, retrying bounded times on
// deadlock with exponential backoff and jitter. Each attempt gets its own
// transaction; a failed attempt is rolled back before the retry.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	attempts := s.retries.DeadlockAttempts
	if attempts <= 0 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retries.DeadlockInitialBackoff
	bo.MaxInterval = s.retries.DeadlockMaxBackoff
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsDeadlock(err) {
			return err
		}
		lastErr = err

		wait := bo.NextBackOff()
		log.WithComponent("store").Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("deadlock detected, retrying in fresh transaction")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("deadlock retries exhausted: %w", lastErr)
}

func (s *Store) runOnce(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ---- idempotency ----

type idempotencyRow struct {
	Key            string       `db:"idempotency_key"`
	TradeID        string       `db:"trade_id"`
	PartitionKey   string       `db:"partition_key"`
	Status         string       `db:"status"`
	SwapBlotterRef string       `db:"swap_blotter_ref"`
	CreatedAt      time.Time    `db:"created_at"`
	CompletedAt    sql.NullTime `db:"completed_at"`
	ExpiresAt      time.Time    `db:"expires_at"`
	Archived       bool         `db:"archive_flag"`
}

func (r idempotencyRow) toRecord() *types.IdempotencyRecord {
	rec := &types.IdempotencyRecord{
		Key:            r.Key,
		TradeID:        r.TradeID,
		PartitionKey:   r.PartitionKey,
		Status:         types.IdempotencyStatus(r.Status),
		SwapBlotterRef: r.SwapBlotterRef,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		Archived:       r.Archived,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		rec.CompletedAt = &t
	}
	return rec
}

// UpsertIdempotency inserts a new idempotency record. A unique-key
// violation surfaces as ErrDuplicateKey so the caller can fetch and
// return the winner's record.
func (s *Store) UpsertIdempotency(ctx context.Context, rec *types.IdempotencyRecord) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency
				(idempotency_key, trade_id, partition_key, status, swap_blotter_ref, created_at, expires_at, archive_flag)
			VALUES ($1, $2, $3, $4, $5, $6, $7, false)`,
			rec.Key, rec.TradeID, rec.PartitionKey, string(rec.Status),
			rec.SwapBlotterRef, rec.CreatedAt, rec.ExpiresAt)
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		if err != nil {
			return fmt.Errorf("failed to insert idempotency record: %w", err)
		}
		return nil
	})
}

// FindIdempotency returns the non-archived record for key, or ErrNotFound
func (s *Store) FindIdempotency(ctx context.Context, key string) (*types.IdempotencyRecord, error) {
	var row idempotencyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT idempotency_key, trade_id, partition_key, status, swap_blotter_ref,
		       created_at, completed_at, expires_at, archive_flag
		FROM idempotency
		WHERE idempotency_key = $1 AND archive_flag = false`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}
	return row.toRecord(), nil
}

// MarkIdempotency transitions a PROCESSING record to COMPLETED or FAILED
func (s *Store) MarkIdempotency(ctx context.Context, key string, status types.IdempotencyStatus, swapBlotterRef string, completedAt time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE idempotency
			SET status = $2, swap_blotter_ref = $3, completed_at = $4
			WHERE idempotency_key = $1 AND archive_flag = false`,
			key, string(status), swapBlotterRef, completedAt)
		if err != nil {
			return fmt.Errorf("failed to mark idempotency record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ResetIdempotency reclaims a FAILED or expired record for a fresh
// attempt, restarting the window.
func (s *Store) ResetIdempotency(ctx context.Context, key string, createdAt, expiresAt time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE idempotency
			SET status = $2, swap_blotter_ref = '', created_at = $3, completed_at = NULL, expires_at = $4
			WHERE idempotency_key = $1 AND archive_flag = false`,
			key, string(types.IdempotencyProcessing), createdAt, expiresAt)
		if err != nil {
			return fmt.Errorf("failed to reset idempotency record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ArchiveExpiredIdempotency flags expired records; returns how many
func (s *Store) ArchiveExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	var archived int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE idempotency SET archive_flag = true
			WHERE expires_at < $1 AND archive_flag = false`, now)
		if err != nil {
			return fmt.Errorf("failed to archive expired idempotency records: %w", err)
		}
		archived, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		return nil
	})
	return archived, err
}

// ---- partition state ----

type partitionStateRow struct {
	PartitionKey       string    `db:"partition_key"`
	PositionState      string    `db:"position_state"`
	StateBlob          []byte    `db:"state_blob"`
	LastSequenceNumber int64     `db:"last_sequence_number"`
	Version            int64     `db:"version"`
	UpdatedAt          time.Time `db:"updated_at"`
	Archived           bool      `db:"archive_flag"`
}

func (r partitionStateRow) toState() *types.PartitionState {
	return &types.PartitionState{
		PartitionKey:          r.PartitionKey,
		PositionState:         types.PositionState(r.PositionState),
		StateBlob:             r.StateBlob,
		LastProcessedSequence: uint64(r.LastSequenceNumber),
		Version:               r.Version,
		UpdatedAt:             r.UpdatedAt,
		Archived:              r.Archived,
	}
}

// FindPartitionState returns the state row for key, or ErrNotFound
func (s *Store) FindPartitionState(ctx context.Context, key string) (*types.PartitionState, error) {
	var row partitionStateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT partition_key, position_state, state_blob, last_sequence_number, version, updated_at, archive_flag
		FROM partition_state
		WHERE partition_key = $1 AND archive_flag = false`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read partition state: %w", err)
	}
	return row.toState(), nil
}

// UpsertPartitionState writes the partition state optimistically on
// version. The row is read FOR UPDATE inside the transaction to serialise
// concurrent state transitions, then updated with version+1. A lost race
// surfaces as ErrVersionConflict.
func (s *Store) UpsertPartitionState(ctx context.Context, st *types.PartitionState) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row partitionStateRow
		err := tx.GetContext(ctx, &row, `
			SELECT partition_key, position_state, state_blob, last_sequence_number, version, updated_at, archive_flag
			FROM partition_state
			WHERE partition_key = $1 AND archive_flag = false
			FOR UPDATE`, st.PartitionKey)
		if errors.Is(err, sql.ErrNoRows) {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO partition_state
					(partition_key, position_state, state_blob, last_sequence_number, version, updated_at, archive_flag)
				VALUES ($1, $2, $3, $4, 1, $5, false)`,
				st.PartitionKey, string(st.PositionState), st.StateBlob,
				int64(st.LastProcessedSequence), st.UpdatedAt)
			if isUniqueViolation(err) {
				return ErrVersionConflict
			}
			if err != nil {
				return fmt.Errorf("failed to insert partition state: %w", err)
			}
			st.Version = 1
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock partition state: %w", err)
		}

		if row.Version != st.Version {
			return ErrVersionConflict
		}

		// lastProcessedSequence is monotone
		seq := int64(st.LastProcessedSequence)
		if row.LastSequenceNumber > seq {
			seq = row.LastSequenceNumber
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE partition_state
			SET position_state = $2, state_blob = $3, last_sequence_number = $4,
			    version = version + 1, updated_at = $5
			WHERE partition_key = $1 AND version = $6`,
			st.PartitionKey, string(st.PositionState), st.StateBlob,
			seq, st.UpdatedAt, st.Version)
		if err != nil {
			return fmt.Errorf("failed to update partition state: %w", err)
		}
		st.Version++
		st.LastProcessedSequence = uint64(seq)
		return nil
	})
}

// UpdateLastProcessedSequence advances the monotone sequence watermark
func (s *Store) UpdateLastProcessedSequence(ctx context.Context, partitionKey string, sequence uint64, now time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE partition_state
			SET last_sequence_number = GREATEST(last_sequence_number, $2), updated_at = $3
			WHERE partition_key = $1 AND archive_flag = false`,
			partitionKey, int64(sequence), now)
		if err != nil {
			return fmt.Errorf("failed to update sequence watermark: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO partition_state
					(partition_key, position_state, state_blob, last_sequence_number, version, updated_at, archive_flag)
				VALUES ($1, $2, NULL, $3, 1, $4, false)`,
				partitionKey, string(types.PositionExecuted), int64(sequence), now)
			if err != nil && !isUniqueViolation(err) {
				return fmt.Errorf("failed to seed partition state: %w", err)
			}
		}
		return nil
	})
}

// ---- swap blotter ----

type swapBlotterRow struct {
	TradeID      string    `db:"trade_id"`
	PartitionKey string    `db:"partition_key"`
	Blob         []byte    `db:"blob"`
	Version      int64     `db:"version"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
	Archived     bool      `db:"archive_flag"`
}

// UpsertSwapBlotter persists the blotter optimistically on version.
// A new blotter inserts at version 1; an update requires the caller's
// version to match the stored row.
func (s *Store) UpsertSwapBlotter(ctx context.Context, bl *types.SwapBlotter) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if bl.Version == 0 {
			bl.Version = 1
			blob, err := json.Marshal(bl)
			if err != nil {
				return fmt.Errorf("failed to serialize blotter: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO swap_blotter (trade_id, partition_key, blob, version, created_at, updated_at, archive_flag)
				VALUES ($1, $2, $3, $4, $5, $5, false)`,
				bl.TradeID, bl.PartitionKey, blob, bl.Version, bl.UpdatedAt)
			if isUniqueViolation(err) {
				bl.Version = 0
				return ErrDuplicateKey
			}
			if err != nil {
				bl.Version = 0
				return fmt.Errorf("failed to insert blotter: %w", err)
			}
			return nil
		}

		next := bl.Version + 1
		blob, err := json.Marshal(&types.SwapBlotter{
			TradeID:            bl.TradeID,
			PartitionKey:       bl.PartitionKey,
			TradeLots:          bl.TradeLots,
			Contract:           bl.Contract,
			State:              bl.State,
			EnrichmentStatus:   bl.EnrichmentStatus,
			WorkflowStatus:     bl.WorkflowStatus,
			ProcessingMetadata: bl.ProcessingMetadata,
			Version:            next,
			CreatedAt:          bl.CreatedAt,
			UpdatedAt:          bl.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to serialize blotter: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE swap_blotter
			SET blob = $2, version = $3, updated_at = $4
			WHERE trade_id = $1 AND version = $5 AND archive_flag = false`,
			bl.TradeID, blob, next, bl.UpdatedAt, bl.Version)
		if err != nil {
			return fmt.Errorf("failed to update blotter: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return ErrVersionConflict
		}
		bl.Version = next
		return nil
	})
}

// FindSwapBlotterByTradeID returns the persisted blotter, or ErrNotFound
func (s *Store) FindSwapBlotterByTradeID(ctx context.Context, tradeID string) (*types.SwapBlotter, error) {
	var row swapBlotterRow
	err := s.db.GetContext(ctx, &row, `
		SELECT trade_id, partition_key, blob, version, created_at, updated_at, archive_flag
		FROM swap_blotter
		WHERE trade_id = $1 AND archive_flag = false`, tradeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blotter: %w", err)
	}
	var bl types.SwapBlotter
	if err := json.Unmarshal(row.Blob, &bl); err != nil {
		return nil, fmt.Errorf("failed to deserialize blotter: %w", err)
	}
	bl.Version = row.Version
	return &bl, nil
}

// ArchiveBlottersByDateRange flags blotters updated inside [from, to)
func (s *Store) ArchiveBlottersByDateRange(ctx context.Context, from, to time.Time) (int64, error) {
	var archived int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE swap_blotter SET archive_flag = true
			WHERE updated_at >= $1 AND updated_at < $2 AND archive_flag = false`, from, to)
		if err != nil {
			return fmt.Errorf("failed to archive blotters: %w", err)
		}
		archived, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		return nil
	})
	return archived, err
}
