package router

import (
	"context"
	"sync"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/broker"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/metrics"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/wire"
)

// Router fans the single ingress topic into per-partition subtopics. It
// is stateless; multiple instances run behind the broker's own consumer
// group semantics.
type Router struct {
	broker broker.Broker
	topics config.TopicsConfig

	mu         sync.Mutex
	partitions map[string]struct{}
	sub        broker.Subscription
}

// New creates a message router
func New(b broker.Broker, topics config.TopicsConfig) *Router {
	return &Router{
		broker:     b,
		topics:     topics,
		partitions: make(map[string]struct{}),
	}
}

// Start subscribes to the ingress topic
func (r *Router) Start(ctx context.Context) error {
	sub, err := r.broker.Subscribe(ctx, r.topics.Input, r.route)
	if err != nil {
		return err
	}
	r.sub = sub
	log.WithComponent("router").Info().
		Str("topic", r.topics.Input).
		Msg("router subscription started")
	return nil
}

// Stop tears the subscription down
func (r *Router) Stop() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Close()
}

func (r *Router) route(ctx context.Context, d *broker.Delivery) {
	logger := log.WithComponent("router")

	msg, err := wire.DecodeMessage(d.Message.Value)
	if err != nil {
		metrics.RoutingFailures.WithLabelValues("parse").Inc()
		r.toRouterDLQ(ctx, d, "PARSE_FAILED", err.Error())
		return
	}

	// Reconstruct the partition key when the producer left it empty but
	// shipped the account/book/security triple.
	partitionKey := msg.EnsurePartitionKey()
	if partitionKey == "" {
		metrics.RoutingFailures.WithLabelValues("missing_partition_key").Inc()
		r.toRouterDLQ(ctx, d, "MISSING_PARTITION_KEY", "message has no partition key and no account/book/security triple")
		return
	}

	sanitized := types.SanitizePartitionKey(partitionKey)
	subtopic := r.topics.InputPartitionTopic(sanitized)

	headers := broker.Headers{
		broker.HeaderTradeID:      msg.TradeID,
		broker.HeaderPartitionKey: partitionKey,
		broker.HeaderMessageType:  "TradeCaptureMessage",
		broker.HeaderRoutedFrom:   r.topics.Input,
	}

	// The payload bytes are republished untouched; routing must be
	// byte-preserving end to end.
	if err := r.broker.Publish(ctx, subtopic, partitionKey, d.Message.Value, headers); err != nil {
		metrics.RoutingFailures.WithLabelValues("publish").Inc()
		logger.Error().Err(err).
			Str("subtopic", subtopic).
			Str("trade_id", msg.TradeID).
			Msg("failed to republish to partition subtopic")
		// Not acked: the broker redelivers and routing retries.
		return
	}

	r.mu.Lock()
	if _, seen := r.partitions[partitionKey]; !seen {
		r.partitions[partitionKey] = struct{}{}
		metrics.PartitionsObserved.Set(float64(len(r.partitions)))
	}
	r.mu.Unlock()

	metrics.MessagesRouted.Inc()
	if err := d.Ack(); err != nil {
		logger.Warn().Err(err).Str("trade_id", msg.TradeID).Msg("failed to ack routed message")
	}
}

// toRouterDLQ parks an unroutable message and acks the original so a
// poison payload cannot loop through redelivery.
func (r *Router) toRouterDLQ(ctx context.Context, d *broker.Delivery, code, reason string) {
	h := d.Message.Headers.Clone()
	if h == nil {
		h = broker.Headers{}
	}
	h[broker.HeaderDLQError] = code
	h[broker.HeaderDLQReason] = reason
	h[broker.HeaderDLQTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)

	if err := r.broker.Publish(ctx, r.topics.RouterDLQ, d.Message.Key, d.Message.Value, h); err != nil {
		log.WithComponent("router").Error().Err(err).
			Str("code", code).
			Msg("failed to publish to router DLQ")
	}
	if err := d.Ack(); err != nil {
		log.WithComponent("router").Warn().Err(err).Msg("failed to ack dead-lettered message")
	}
}
