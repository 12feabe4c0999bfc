package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/coord"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/metrics"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/store"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

const seqCachePrefix = "seq:last:"

// Reason explains a sequence-validation decision
type Reason string

const (
	ReasonInOrder            Reason = "IN_ORDER"
	ReasonNoSequence         Reason = "NO_SEQUENCE"
	ReasonDisabled           Reason = "DISABLED"
	ReasonBuffered           Reason = "BUFFERED"
	ReasonOutOfOrderTooOld   Reason = "OUT_OF_ORDER_TOO_OLD"
	ReasonGapTooLarge        Reason = "GAP_TOO_LARGE"
	ReasonTimeWindowExceeded Reason = "TIME_WINDOW_EXCEEDED"
)

// Decision is the outcome of validating one message's sequence number
type Decision struct {
	ShouldProcess bool
	Reason        Reason
}

// DeadLetter parks unprocessable messages; implemented by the DLQ service
type DeadLetter interface {
	SendMessage(ctx context.Context, msg *types.TradeCaptureMessage, code, reason string)
}

// Drainer re-enters drained messages into the pipeline. The buffer owns
// this interface and the orchestrator implements it, which breaks the
// orchestrator↔buffer cycle.
type Drainer interface {
	ProcessDrained(ctx context.Context, msg *types.TradeCaptureMessage)
}

type bufferedMessage struct {
	msg        *types.TradeCaptureMessage
	bufferedAt time.Time
}

type partitionBuffer struct {
	entries map[uint64]*bufferedMessage
	oldest  time.Time
}

func (pb *partitionBuffer) recomputeOldest() {
	pb.oldest = time.Time{}
	for _, e := range pb.entries {
		if pb.oldest.IsZero() || e.bufferedAt.Before(pb.oldest) {
			pb.oldest = e.bufferedAt
		}
	}
}

// Service validates per-partition sequence numbers and buffers gaps.
// The buffer is in-process only: a crash loses it, and either broker
// redelivery (offsets uncommitted) or the sweep timeout compensates.
type Service struct {
	client  coord.Client
	store   *store.Store
	cfg     config.SequenceConfig
	dlq     DeadLetter
	drainer Drainer
	now     func() time.Time

	mu      sync.Mutex
	buffers map[string]*partitionBuffer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates the sequence validator
func NewService(client coord.Client, st *store.Store, cfg config.SequenceConfig, dlq DeadLetter) *Service {
	return &Service{
		client:  client,
		store:   st,
		cfg:     cfg,
		dlq:     dlq,
		now:     time.Now,
		buffers: make(map[string]*partitionBuffer),
		stopCh:  make(chan struct{}),
	}
}

// SetDrainer wires the component that processes drained messages
func (s *Service) SetDrainer(d Drainer) {
	s.drainer = d
}

// Validate decides what to do with msg's sequence number. The caller
// holds the partition lock, so reads of lastProcessedSequence are stable
// for the duration of the decision.
func (s *Service) Validate(ctx context.Context, msg *types.TradeCaptureMessage) (Decision, error) {
	if !s.cfg.BufferEnabled {
		return Decision{ShouldProcess: true, Reason: ReasonDisabled}, nil
	}
	if msg.SequenceNumber == 0 {
		return Decision{ShouldProcess: true, Reason: ReasonNoSequence}, nil
	}

	last, err := s.lastProcessed(ctx, msg.PartitionKey)
	if err != nil {
		return Decision{}, err
	}

	seq := msg.SequenceNumber
	switch {
	case seq == last+1:
		return Decision{ShouldProcess: true, Reason: ReasonInOrder}, nil

	case seq <= last:
		metrics.SequenceRejections.WithLabelValues(string(ReasonOutOfOrderTooOld)).Inc()
		s.dlq.SendMessage(ctx, msg, types.CodeOutOfOrderTooOld,
			fmt.Sprintf("sequence %d already processed (last=%d)", seq, last))
		return Decision{ShouldProcess: false, Reason: ReasonOutOfOrderTooOld}, nil

	case seq <= last+s.cfg.WindowSize:
		lookback := time.Duration(s.cfg.TimeWindowDays) * 24 * time.Hour
		if s.now().Sub(msg.EffectiveBookingTimestamp()) > lookback {
			// Too old to wait for predecessors that will likely never come.
			return Decision{ShouldProcess: true, Reason: ReasonTimeWindowExceeded}, nil
		}
		s.buffer(msg)
		return Decision{ShouldProcess: false, Reason: ReasonBuffered}, nil

	default:
		metrics.SequenceRejections.WithLabelValues(string(ReasonGapTooLarge)).Inc()
		s.dlq.SendMessage(ctx, msg, types.CodeGapTooLarge,
			fmt.Sprintf("sequence %d exceeds window (last=%d, window=%d)", seq, last, s.cfg.WindowSize))
		return Decision{ShouldProcess: false, Reason: ReasonGapTooLarge}, nil
	}
}

// RecordProcessed advances the watermark after a successful run
func (s *Service) RecordProcessed(ctx context.Context, msg *types.TradeCaptureMessage) error {
	if msg.SequenceNumber == 0 {
		return nil
	}
	now := s.now().UTC()
	if err := s.store.UpdateLastProcessedSequence(ctx, msg.PartitionKey, msg.SequenceNumber, now); err != nil {
		return err
	}
	if err := s.client.Set(ctx, seqCachePrefix+msg.PartitionKey,
		strconv.FormatUint(msg.SequenceNumber, 10), 0); err != nil {
		log.WithComponent("sequence").Warn().Err(err).Msg("failed to update sequence hot cache")
	}
	return nil
}

// DrainNext hands the next contiguous buffered message, if present, to
// the drainer. Callers invoke it after releasing the partition lock so
// the drained run can take the lock itself; the drained run's own
// DrainNext continues the chain.
func (s *Service) DrainNext(ctx context.Context, partitionKey string, next uint64) {
	s.mu.Lock()
	pb := s.buffers[partitionKey]
	var entry *bufferedMessage
	if pb != nil {
		if e, ok := pb.entries[next]; ok {
			entry = e
			delete(pb.entries, next)
			if len(pb.entries) == 0 {
				delete(s.buffers, partitionKey)
			} else {
				pb.recomputeOldest()
			}
			metrics.BufferedMessages.Dec()
		}
	}
	s.mu.Unlock()

	if entry == nil || s.drainer == nil {
		return
	}
	metrics.BufferDrains.WithLabelValues("in_order").Inc()
	log.WithTradeContext("sequence", entry.msg.TradeID, partitionKey).Info().
		Uint64("sequence", next).
		Msg("draining buffered message")
	s.drainer.ProcessDrained(ctx, entry.msg)
}

func (s *Service) buffer(msg *types.TradeCaptureMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pb := s.buffers[msg.PartitionKey]
	if pb == nil {
		pb = &partitionBuffer{entries: make(map[uint64]*bufferedMessage)}
		s.buffers[msg.PartitionKey] = pb
	}
	now := s.now()
	if _, exists := pb.entries[msg.SequenceNumber]; !exists {
		metrics.BufferedMessages.Inc()
	}
	// Same sequence re-buffered keeps the latest payload
	pb.entries[msg.SequenceNumber] = &bufferedMessage{msg: msg, bufferedAt: now}
	if pb.oldest.IsZero() || now.Before(pb.oldest) {
		pb.oldest = now
	}

	log.WithTradeContext("sequence", msg.TradeID, msg.PartitionKey).Info().
		Uint64("sequence", msg.SequenceNumber).
		Int("buffer_depth", len(pb.entries)).
		Msg("buffered out-of-order message")
}

// BufferedCount reports the current depth for one partition
func (s *Service) BufferedCount(partitionKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pb := s.buffers[partitionKey]; pb != nil {
		return len(pb.entries)
	}
	return 0
}

// Start launches the periodic sweeper
func (s *Service) Start(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweeper
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// sweep drains every partition whose oldest buffered entry has aged past
// bufferTimeout; the whole partition buffer goes to the DLQ and clears.
func (s *Service) sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.BufferTimeout)

	s.mu.Lock()
	var expired []struct {
		partitionKey string
		entries      []*bufferedMessage
	}
	for key, pb := range s.buffers {
		if !pb.oldest.IsZero() && pb.oldest.Before(cutoff) {
			entries := make([]*bufferedMessage, 0, len(pb.entries))
			for _, e := range pb.entries {
				entries = append(entries, e)
			}
			expired = append(expired, struct {
				partitionKey string
				entries      []*bufferedMessage
			}{key, entries})
			metrics.BufferedMessages.Sub(float64(len(pb.entries)))
			delete(s.buffers, key)
		}
	}
	s.mu.Unlock()

	for _, part := range expired {
		log.WithPartitionKey(part.partitionKey).Warn().
			Int("messages", len(part.entries)).
			Msg("buffer timeout elapsed, draining partition buffer to DLQ")
		for _, e := range part.entries {
			metrics.BufferDrains.WithLabelValues("timeout").Inc()
			s.dlq.SendMessage(ctx, e.msg, types.CodeBufferTimeout,
				"buffered message timed out waiting for predecessors")
		}
	}
}

// lastProcessed reads the watermark: hot cache first, durable store on miss
func (s *Service) lastProcessed(ctx context.Context, partitionKey string) (uint64, error) {
	if raw, err := s.client.Get(ctx, seqCachePrefix+partitionKey); err == nil {
		if v, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
			return v, nil
		}
	} else if !errors.Is(err, coord.ErrNotFound) {
		log.WithComponent("sequence").Debug().Err(err).Msg("sequence cache read failed")
	}

	st, err := s.store.FindPartitionState(ctx, partitionKey)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read partition state: %w", err)
	}

	if err := s.client.Set(ctx, seqCachePrefix+partitionKey,
		strconv.FormatUint(st.LastProcessedSequence, 10), 0); err != nil {
		log.WithComponent("sequence").Debug().Err(err).Msg("sequence cache backfill failed")
	}
	return st.LastProcessedSequence, nil
}
