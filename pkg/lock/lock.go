package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/coord"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/metrics"
)

// ErrAcquisitionTimeout is returned when the lock stayed held past maxWait
var ErrAcquisitionTimeout = errors.New("lock: acquisition timed out")

const keyPrefix = "lock:partition:"

// releaseScript deletes the lock only when the stored value matches the
// holder's value, so one holder can never release another's lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// extendScript pushes the TTL out only for the current holder
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// Service is the distributed partition lock. Different partition keys
// never contend. All coordination-store errors are fatal for the call:
// locks fail closed.
type Service struct {
	client coord.Client
}

// NewService creates the lock service
func NewService(client coord.Client) *Service {
	return &Service{client: client}
}

// Handle identifies one held lock
type Handle struct {
	PartitionKey string
	value        string
	svc          *Service
}

func lockKey(partitionKey string) string {
	return keyPrefix + partitionKey
}

// Acquire takes the partition lock, retrying with exponential backoff and
// jitter until it succeeds or maxWait expires. holdDuration is the lock
// TTL; a crashed holder frees the partition when it lapses.
func (s *Service) Acquire(ctx context.Context, partitionKey string, holdDuration, maxWait time.Duration) (*Handle, error) {
	value := uuid.New().String()
	timer := metrics.NewTimer()
	deadline := time.Now().Add(maxWait)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.Reset()

	for {
		ok, err := s.client.SetNX(ctx, lockKey(partitionKey), value, holdDuration)
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("lock acquisition failed: %w", err)
		}
		if ok {
			metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
			timer.ObserveDuration(metrics.LockWaitDuration)
			return &Handle{PartitionKey: partitionKey, value: value, svc: s}, nil
		}

		wait := bo.NextBackOff()
		if time.Now().Add(wait).After(deadline) {
			metrics.LockAcquisitions.WithLabelValues("timeout").Inc()
			return nil, ErrAcquisitionTimeout
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release frees the lock if this handle still holds it
func (h *Handle) Release(ctx context.Context) error {
	res, err := h.svc.client.Eval(ctx, releaseScript, []string{lockKey(h.PartitionKey)}, h.value)
	if err != nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		// TTL already lapsed or another holder took over; nothing to release
		return nil
	}
	return nil
}

// Extend pushes the TTL out by extra from now, for the current holder only
func (h *Handle) Extend(ctx context.Context, extra time.Duration) (bool, error) {
	res, err := h.svc.client.Eval(ctx, extendScript,
		[]string{lockKey(h.PartitionKey)}, h.value, extra.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("lock extend failed: %w", err)
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

// IsLocked reports whether any holder currently has the partition lock.
// Informational only; the answer can be stale by the time it returns.
func (s *Service) IsLocked(ctx context.Context, partitionKey string) (bool, error) {
	_, err := s.client.Get(ctx, lockKey(partitionKey))
	if errors.Is(err, coord.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
