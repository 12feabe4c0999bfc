package consumer

import (
	"context"
	"fmt"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/backpressure"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/broker"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/dlq"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/wire"
)

// Processor runs the pipeline for one decoded message; implemented by
// the orchestrator.
type Processor interface {
	Process(ctx context.Context, msg *types.TradeCaptureMessage) *types.ProcessResult
}

// Consumer is the ordered-processor consumer: it subscribes to the
// per-partition subtopics, gates dispatch on backpressure, runs the
// orchestrator synchronously per message, and acks only after the
// orchestrator terminates.
type Consumer struct {
	broker  broker.Broker
	topics  config.TopicsConfig
	bpCfg   config.BackpressureConfig
	orch    Processor
	dlq     *dlq.Service
	sub     broker.Subscription
	monitor *backpressure.Monitor
}

// New creates the consumer
func New(b broker.Broker, topics config.TopicsConfig, bpCfg config.BackpressureConfig, orch Processor, dlqSvc *dlq.Service) *Consumer {
	return &Consumer{
		broker:  b,
		topics:  topics,
		bpCfg:   bpCfg,
		orch:    orch,
		dlq:     dlqSvc,
		monitor: backpressure.NewMonitor(bpCfg),
	}
}

// Start subscribes to the partition subtopics and launches the
// backpressure monitor over the subscription.
func (c *Consumer) Start(ctx context.Context) error {
	pattern := c.topics.InputPartitionTopic(">")
	sub, err := c.broker.Subscribe(ctx, pattern, c.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to partition subtopics: %w", err)
	}
	c.sub = sub
	c.monitor.Start(ctx, sub)

	log.WithComponent("consumer").Info().
		Str("pattern", pattern).
		Msg("ordered-processor subscription started")
	return nil
}

// Stop halts the monitor and tears the subscription down
func (c *Consumer) Stop() error {
	if c.monitor != nil {
		c.monitor.Stop()
	}
	if c.sub != nil {
		return c.sub.Close()
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, d *broker.Delivery) {
	logger := log.WithComponent("consumer")

	// Queue bound exceeded: reject without acking and let the broker
	// redeliver once capacity returns.
	if !c.monitor.CanProcessMessage() {
		logger.Warn().Str("topic", d.Message.Topic).
			Msg("in-process queue full, rejecting for redelivery")
		return
	}
	c.monitor.Enter()
	defer c.monitor.Leave()

	msg, err := wire.DecodeMessage(d.Message.Value)
	if err != nil {
		logger.Error().Err(err).Str("topic", d.Message.Topic).Msg("undecodable message")
		c.dlq.SendBytes(ctx, d.Message.Value, d.Message.Key, "PARSE_FAILED", err.Error(), d.Message.Headers)
		c.ack(d)
		return
	}

	result := c.orch.Process(ctx, msg)

	switch result.Outcome {
	case types.OutcomeFailed:
		if result.Error != nil {
			switch result.Error.Code {
			case types.CodeRateLimitExceeded, types.CodeLockAcquisitionFailed, types.CodePublishFailed:
				// Transient contention: leave unacked so the broker
				// redelivers after its own backoff.
				logger.Warn().
					Str("code", result.Error.Code).
					Str("trade_id", msg.TradeID).
					Msg("transient failure, leaving message for redelivery")
				return
			}
			c.dlq.SendMessage(ctx, msg, result.Error.Code, result.Error.Message)
		}
		c.ack(d)
	default:
		// SUCCESS, DUPLICATE, BUFFERED, REJECTED, PENDING_APPROVAL are
		// all terminal for this delivery. Sequence rejections were already
		// parked on the DLQ by the sequence validator; workflow rejections
		// are acked without a DLQ entry.
		c.ack(d)
	}
}

func (c *Consumer) ack(d *broker.Delivery) {
	if err := d.Ack(); err != nil {
		log.WithComponent("consumer").Warn().Err(err).Msg("failed to ack delivery")
	}
}
