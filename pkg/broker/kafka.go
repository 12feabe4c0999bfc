package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
)

// kafkaTopicName maps the hierarchical topic names onto log-broker
// naming: path separators become dashes ("trade/capture/input" →
// "trade-capture-input").
func kafkaTopicName(topic string) string {
	return strings.ReplaceAll(topic, "/", "-")
}

// KafkaBroker is the partitioned-log flavour of the broker adapter.
// Offsets are committed manually, on Ack only.
type KafkaBroker struct {
	client   sarama.Client
	producer sarama.SyncProducer
	groupID  string

	mu     sync.Mutex
	closed bool
}

// NewKafkaBroker connects to the log broker
func NewKafkaBroker(cfg config.MessagingConfig) (*KafkaBroker, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_6_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Offsets.AutoCommit.Enable = false

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &KafkaBroker{
		client:   client,
		producer: producer,
		groupID:  cfg.GroupID,
	}, nil
}

// Publish produces one record keyed by partition key
func (b *KafkaBroker) Publish(ctx context.Context, topic, key string, value []byte, headers Headers) error {
	msg := &sarama.ProducerMessage{
		Topic: kafkaTopicName(topic),
		Value: sarama.ByteEncoder(value),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	return nil
}

// Subscribe starts a consumer group over topics matching pattern. The
// broker has no native pattern subscription, so wildcard patterns are
// resolved against topic metadata and re-resolved periodically; a new
// matching topic triggers a rebalance onto the extended set.
func (b *KafkaBroker) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	group, err := sarama.NewConsumerGroupFromClient(b.groupID, b.client)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		broker:  b,
		group:   group,
		pattern: pattern,
		handler: handler,
		cancel:  cancel,
	}
	sub.wg.Add(1)
	go sub.run(subCtx)
	return sub, nil
}

// Close closes the producer and the shared client
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.producer.Close(); err != nil {
		return err
	}
	return b.client.Close()
}

type kafkaSubscription struct {
	broker  *KafkaBroker
	group   sarama.ConsumerGroup
	pattern string
	handler Handler
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	paused atomic.Bool
	lag    atomic.Int64
}

// resolveTopics expands the subscription pattern against live metadata
func (s *kafkaSubscription) resolveTopics() []string {
	pattern := kafkaTopicName(s.pattern)
	if !strings.HasSuffix(pattern, "->") {
		return []string{pattern}
	}
	prefix := strings.TrimSuffix(pattern, ">")

	if err := s.broker.client.RefreshMetadata(); err != nil {
		log.WithComponent("broker").Warn().Err(err).Msg("failed to refresh topic metadata")
	}
	all, err := s.broker.client.Topics()
	if err != nil {
		log.WithComponent("broker").Warn().Err(err).Msg("failed to list topics")
		return nil
	}
	var matched []string
	for _, t := range all {
		if strings.HasPrefix(t, prefix) {
			matched = append(matched, t)
		}
	}
	return matched
}

func (s *kafkaSubscription) run(ctx context.Context) {
	defer s.wg.Done()
	logger := log.WithComponent("broker")

	for ctx.Err() == nil {
		topics := s.resolveTopics()
		if len(topics) == 0 {
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		// Bounded session: Consume returns at the deadline so the topic
		// set is re-resolved and new partition subtopics join the group.
		cgCtx, cgCancel := context.WithTimeout(ctx, 30*time.Second)
		err := s.group.Consume(cgCtx, topics, &groupHandler{sub: s, ctx: ctx})
		cgCancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			logger.Error().Err(err).Msg("consumer group session ended with error")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
		// Consume returns on rebalance or session timeout; loop re-resolves
		// the topic set and rejoins.
	}
}

func (s *kafkaSubscription) Pause() {
	if s.paused.CompareAndSwap(false, true) {
		s.group.PauseAll()
	}
}

func (s *kafkaSubscription) Resume() {
	if s.paused.CompareAndSwap(true, false) {
		s.group.ResumeAll()
	}
}

// Lag returns the lag observed on the most recently consumed message:
// its partition's high-water mark minus its offset minus one. The value
// is not summed across claimed partitions; each consumed message
// overwrites it.
func (s *kafkaSubscription) Lag(ctx context.Context) (int64, error) {
	return s.lag.Load(), nil
}

func (s *kafkaSubscription) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.group.Close()
}

// groupHandler adapts sarama's consumer-group callbacks onto Handler
type groupHandler struct {
	sub *kafkaSubscription
	ctx context.Context
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.sub.lag.Store(claim.HighWaterMarkOffset() - msg.Offset - 1)

			headers := make(Headers, len(msg.Headers))
			for _, rh := range msg.Headers {
				headers[string(rh.Key)] = string(rh.Value)
			}
			d := &Delivery{
				Message: &Message{
					Topic:   msg.Topic,
					Key:     string(msg.Key),
					Value:   msg.Value,
					Headers: headers,
				},
				Ack: func() error {
					sess.MarkMessage(msg, "")
					sess.Commit()
					return nil
				},
			}
			h.sub.handler(h.ctx, d)
		case <-sess.Context().Done():
			return nil
		}
	}
}
