package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/coord"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/store"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

// ErrInvalidTransition is returned for a disallowed state pair
var ErrInvalidTransition = errors.New("statemachine: invalid position state transition")

const stateCachePrefix = "state:position:"

// transitions is the permitted CDM position-state graph. Same-state
// re-writes are always permitted (idempotent).
var transitions = map[types.PositionState][]types.PositionState{
	types.PositionExecuted:  {types.PositionFormed, types.PositionCancelled, types.PositionClosed},
	types.PositionFormed:    {types.PositionSettled, types.PositionClosed},
	types.PositionSettled:   {types.PositionClosed},
	types.PositionCancelled: {types.PositionClosed},
	types.PositionClosed:    {},
}

// ValidateTransition checks that from → to is a permitted pair
func ValidateTransition(from, to types.PositionState) error {
	if from == to {
		return nil
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// NextOnCapture computes the position state a newly captured trade moves
// the partition to: a new partition starts at EXECUTED, an EXECUTED
// partition forms on the next capture, anything later is retained.
func NextOnCapture(current types.PositionState, exists bool) types.PositionState {
	if !exists {
		return types.PositionExecuted
	}
	if current == types.PositionExecuted {
		return types.PositionFormed
	}
	return current
}

// Service owns position-state reads and transitions. Reads consult a
// hot cache backed by the durable record; writes go through the store's
// pessimistic read-lock path and bump the version.
type Service struct {
	client coord.Client
	store  *store.Store
	now    func() time.Time
}

// NewService creates the state machine service
func NewService(client coord.Client, st *store.Store) *Service {
	return &Service{client: client, store: st, now: time.Now}
}

// CachedState answers the lock-free "what state is this partition in"
// read. It is eventually consistent with the durable row; writers never
// rely on it.
func (s *Service) CachedState(ctx context.Context, partitionKey string) (types.PositionState, bool) {
	raw, err := s.client.Get(ctx, stateCachePrefix+partitionKey)
	if err != nil {
		return "", false
	}
	return types.PositionState(raw), true
}

// Current returns the partition's durable state. exists=false means the
// partition has never been seen.
func (s *Service) Current(ctx context.Context, partitionKey string) (*types.PartitionState, bool, error) {
	st, err := s.store.FindPartitionState(ctx, partitionKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.cacheState(ctx, partitionKey, st.PositionState)
	return st, true, nil
}

// Transition validates and persists current → next for the partition.
// The store serialises concurrent writers on the row lock; a version
// conflict surfaces unchanged for the caller's retry policy.
func (s *Service) Transition(ctx context.Context, st *types.PartitionState, next types.PositionState, lastSequence uint64) error {
	// An unseen partition has no current state to validate from
	if st.PositionState != "" {
		if err := ValidateTransition(st.PositionState, next); err != nil {
			return err
		}
	}
	st.PositionState = next
	if lastSequence > st.LastProcessedSequence {
		st.LastProcessedSequence = lastSequence
	}
	st.UpdatedAt = s.now().UTC()

	if err := s.store.UpsertPartitionState(ctx, st); err != nil {
		return err
	}
	s.cacheState(ctx, st.PartitionKey, next)
	return nil
}

func (s *Service) cacheState(ctx context.Context, partitionKey string, state types.PositionState) {
	if err := s.client.Set(ctx, stateCachePrefix+partitionKey, string(state), 0); err != nil {
		log.WithComponent("statemachine").Debug().Err(err).Msg("state cache write failed")
	}
}
