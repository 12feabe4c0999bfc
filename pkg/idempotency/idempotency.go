package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/coord"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/metrics"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/store"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

const cachePrefix = "idem:"

// cacheEntry mirrors the durable record's hot fields in the cache tier
type cacheEntry struct {
	Status         types.IdempotencyStatus `json:"status"`
	TradeID        string                  `json:"tradeId"`
	PartitionKey   string                  `json:"partitionKey"`
	SwapBlotterRef string                  `json:"swapBlotterRef,omitempty"`
}

// CheckResult is the outcome of an idempotency check
type CheckResult struct {
	// Duplicate is true when this key was already submitted inside the
	// window; Record describes the prior submission.
	Duplicate bool
	Record    *types.IdempotencyRecord
}

// Service is the two-tier idempotency service. The hot cache is an
// optimisation; correctness derives from the unique constraint on
// idempotencyKey in the durable store. Durable-store failures propagate:
// idempotency fails closed.
type Service struct {
	client coord.Client
	store  *store.Store
	cfg    config.IdempotencyConfig
	now    func() time.Time
}

// NewService creates the idempotency service
func NewService(client coord.Client, st *store.Store, cfg config.IdempotencyConfig) *Service {
	return &Service{client: client, store: st, cfg: cfg, now: time.Now}
}

// Begin checks the key and, when it is fresh, claims it with a
// PROCESSING record. A concurrent claimer losing the unique-constraint
// race is reported as a duplicate of the winner's record.
func (s *Service) Begin(ctx context.Context, msg *types.TradeCaptureMessage) (*CheckResult, error) {
	key := msg.EffectiveIdempotencyKey()
	now := s.now().UTC()

	// Hot cache first. Cache errors and misses both fall through to the
	// durable tier; the cache can never turn a duplicate into a fresh run.
	if entry, err := s.cacheGet(ctx, key); err == nil && entry != nil {
		if entry.Status == types.IdempotencyCompleted || entry.Status == types.IdempotencyProcessing {
			metrics.DuplicatesDetected.WithLabelValues("cache").Inc()
			return &CheckResult{Duplicate: true, Record: entry.toRecord(key)}, nil
		}
	}

	rec, err := s.store.FindIdempotency(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.claim(ctx, msg, key, now)
	case err != nil:
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	switch {
	case rec.Status == types.IdempotencyProcessing:
		metrics.DuplicatesDetected.WithLabelValues("store").Inc()
		return &CheckResult{Duplicate: true, Record: rec}, nil
	case rec.Status == types.IdempotencyCompleted && !rec.Expired(now):
		metrics.DuplicatesDetected.WithLabelValues("store").Inc()
		s.cacheSet(ctx, key, rec)
		return &CheckResult{Duplicate: true, Record: rec}, nil
	}

	// FAILED, or COMPLETED outside the window: reclaim for a fresh run.
	if err := s.store.ResetIdempotency(ctx, key, now, now.Add(s.cfg.Window)); err != nil {
		return nil, fmt.Errorf("idempotency reclaim failed: %w", err)
	}
	rec = &types.IdempotencyRecord{
		Key:          key,
		TradeID:      msg.TradeID,
		PartitionKey: msg.PartitionKey,
		Status:       types.IdempotencyProcessing,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.Window),
	}
	s.cacheSet(ctx, key, rec)
	return &CheckResult{Duplicate: false, Record: rec}, nil
}

func (s *Service) claim(ctx context.Context, msg *types.TradeCaptureMessage, key string, now time.Time) (*CheckResult, error) {
	rec := &types.IdempotencyRecord{
		Key:          key,
		TradeID:      msg.TradeID,
		PartitionKey: msg.PartitionKey,
		Status:       types.IdempotencyProcessing,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.Window),
	}
	err := s.store.UpsertIdempotency(ctx, rec)
	if errors.Is(err, store.ErrDuplicateKey) {
		// Lost the insert race; the winner's record is authoritative.
		existing, err := s.store.FindIdempotency(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("idempotency race lookup failed: %w", err)
		}
		metrics.DuplicatesDetected.WithLabelValues("store").Inc()
		return &CheckResult{Duplicate: true, Record: existing}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency claim failed: %w", err)
	}
	s.cacheSet(ctx, key, rec)
	return &CheckResult{Duplicate: false, Record: rec}, nil
}

// MarkCompleted records the successful outcome with its blotter reference
func (s *Service) MarkCompleted(ctx context.Context, key, swapBlotterRef string) error {
	now := s.now().UTC()
	if err := s.store.MarkIdempotency(ctx, key, types.IdempotencyCompleted, swapBlotterRef, now); err != nil {
		return fmt.Errorf("failed to mark idempotency completed: %w", err)
	}
	s.cacheSet(ctx, key, &types.IdempotencyRecord{
		Key:            key,
		Status:         types.IdempotencyCompleted,
		SwapBlotterRef: swapBlotterRef,
	})
	return nil
}

// MarkFailed records the failed outcome; the key becomes reclaimable
func (s *Service) MarkFailed(ctx context.Context, key string) error {
	now := s.now().UTC()
	if err := s.store.MarkIdempotency(ctx, key, types.IdempotencyFailed, "", now); err != nil {
		return fmt.Errorf("failed to mark idempotency failed: %w", err)
	}
	// A FAILED entry must not shadow a retry; drop the hot entry instead
	// of mirroring it.
	if err := s.client.Del(ctx, cachePrefix+key); err != nil {
		log.WithComponent("idempotency").Warn().Err(err).Msg("failed to evict cache entry")
	}
	return nil
}

// ArchiveExpired flags expired durable records; runs on a schedule
func (s *Service) ArchiveExpired(ctx context.Context) (int64, error) {
	return s.store.ArchiveExpiredIdempotency(ctx, s.now().UTC())
}

func (s *Service) cacheGet(ctx context.Context, key string) (*cacheEntry, error) {
	raw, err := s.client.Get(ctx, cachePrefix+key)
	if errors.Is(err, coord.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		log.WithComponent("idempotency").Debug().Err(err).Msg("cache read failed, falling back to store")
		return nil, err
	}
	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Service) cacheSet(ctx context.Context, key string, rec *types.IdempotencyRecord) {
	entry := cacheEntry{
		Status:         rec.Status,
		TradeID:        rec.TradeID,
		PartitionKey:   rec.PartitionKey,
		SwapBlotterRef: rec.SwapBlotterRef,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	ttl := s.cfg.CacheTTL
	if ttl <= 0 {
		ttl = s.cfg.Window
	}
	if err := s.client.Set(ctx, cachePrefix+key, string(raw), ttl); err != nil {
		log.WithComponent("idempotency").Warn().Err(err).Msg("cache write failed")
	}
}

func (e *cacheEntry) toRecord(key string) *types.IdempotencyRecord {
	return &types.IdempotencyRecord{
		Key:            key,
		TradeID:        e.TradeID,
		PartitionKey:   e.PartitionKey,
		Status:         e.Status,
		SwapBlotterRef: e.SwapBlotterRef,
	}
}
