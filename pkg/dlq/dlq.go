package dlq

import (
	"context"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/broker"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/metrics"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/wire"
)

// Service parks unprocessable messages on the DLQ topic with diagnostic
// headers. A DLQ publish failure is logged and swallowed: the DLQ must
// never introduce a redelivery loop of its own.
type Service struct {
	broker broker.Broker
	topic  string
	now    func() time.Time
}

// NewService creates the DLQ service
func NewService(b broker.Broker, topic string) *Service {
	return &Service{broker: b, topic: topic, now: time.Now}
}

// SendMessage envelopes a decoded message and parks it
func (s *Service) SendMessage(ctx context.Context, msg *types.TradeCaptureMessage, code, reason string) {
	payload, err := wire.EncodeMessage(msg)
	if err != nil {
		log.WithComponent("dlq").Error().Err(err).Str("trade_id", msg.TradeID).
			Msg("failed to encode message for DLQ")
		return
	}
	headers := broker.Headers{
		broker.HeaderTradeID: msg.TradeID,
	}
	s.SendBytes(ctx, payload, msg.PartitionKey, code, reason, headers)
}

// SendBytes parks a raw payload, keyed by partition key when available
func (s *Service) SendBytes(ctx context.Context, payload []byte, partitionKey, code, reason string, headers broker.Headers) {
	h := headers.Clone()
	if h == nil {
		h = broker.Headers{}
	}
	h[broker.HeaderDLQError] = code
	h[broker.HeaderDLQReason] = reason
	h[broker.HeaderDLQTimestamp] = s.now().UTC().Format(time.RFC3339Nano)
	if partitionKey != "" {
		h[broker.HeaderPartitionKey] = partitionKey
	}

	if err := s.broker.Publish(ctx, s.topic, partitionKey, payload, h); err != nil {
		// Swallowed: a failing DLQ must not fail the caller.
		log.WithComponent("dlq").Error().Err(err).
			Str("code", code).
			Str("partition_key", partitionKey).
			Msg("failed to publish to DLQ")
		return
	}
	metrics.DLQMessages.WithLabelValues(code).Inc()
	log.WithComponent("dlq").Warn().
		Str("code", code).
		Str("reason", reason).
		Str("partition_key", partitionKey).
		Msg("message parked on DLQ")
}
