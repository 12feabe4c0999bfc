package broker

import (
	"context"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
)

// StompBroker is the JMS-style flavour of the broker adapter: topic
// hierarchies with ">" wildcard subscriptions and client-individual
// acknowledgement. Destinations map onto "/topic/{name}".
type StompBroker struct {
	conn *stomp.Conn

	mu     sync.Mutex
	closed bool
}

// NewStompBroker connects to the JMS-style broker
func NewStompBroker(cfg config.MessagingConfig) (*StompBroker, error) {
	conn, err := stomp.Dial("tcp", cfg.Brokers[0],
		stomp.ConnOpt.HeartBeat(10*time.Second, 10*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &StompBroker{conn: conn}, nil
}

func stompDestination(topic string) string {
	return "/topic/" + topic
}

// Publish sends one message with its headers as custom frame headers
func (b *StompBroker) Publish(ctx context.Context, topic, key string, value []byte, headers Headers) error {
	opts := make([]func(*frame.Frame) error, 0, len(headers)+2)
	opts = append(opts, stomp.SendOpt.Header("persistent", "true"))
	if key != "" {
		opts = append(opts, stomp.SendOpt.Header(HeaderPartitionKey, key))
	}
	for k, v := range headers {
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}
	return b.conn.Send(stompDestination(topic), "application/octet-stream", value, opts...)
}

// Subscribe opens a client-individual-ack subscription on pattern.
// ">" wildcards are native to the broker's topic hierarchy.
func (b *StompBroker) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	stompSub, err := b.conn.Subscribe(stompDestination(pattern), stomp.AckClientIndividual)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &stompSubscription{
		broker:  b,
		sub:     stompSub,
		handler: handler,
		cancel:  cancel,
	}
	sub.wg.Add(1)
	go sub.run(subCtx)
	return sub, nil
}

// Close disconnects from the broker
func (b *StompBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.conn.Disconnect()
}

type stompSubscription struct {
	broker  *StompBroker
	sub     *stomp.Subscription
	handler Handler
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pmu    sync.Mutex
	gate   bool
	paused chan struct{}
}

func (s *stompSubscription) run(ctx context.Context) {
	defer s.wg.Done()
	logger := log.WithComponent("broker")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.sub.C:
			if !ok {
				return
			}
			if msg.Err != nil {
				logger.Error().Err(msg.Err).Msg("subscription receive error")
				continue
			}
			s.waitUnpaused()

			headers := make(Headers)
			for i := 0; i < msg.Header.Len(); i++ {
				k, v := msg.Header.GetAt(i)
				headers[k] = v
			}
			m := msg
			d := &Delivery{
				Message: &Message{
					Topic:   msg.Destination,
					Key:     headers[HeaderPartitionKey],
					Value:   msg.Body,
					Headers: headers,
				},
				Ack: func() error {
					return s.broker.conn.Ack(m)
				},
			}
			s.handler(ctx, d)
		}
	}
}

func (s *stompSubscription) waitUnpaused() {
	for {
		s.pmu.Lock()
		paused := s.gate
		ch := s.paused
		s.pmu.Unlock()
		if !paused {
			return
		}
		<-ch
	}
}

// Pause stops dispatch; the broker buffers undelivered messages since
// client-individual ack leaves them pending.
func (s *stompSubscription) Pause() {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if !s.gate {
		s.gate = true
		s.paused = make(chan struct{})
	}
}

func (s *stompSubscription) Resume() {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if s.gate {
		s.gate = false
		close(s.paused)
	}
}

// Lag is not observable over STOMP; backpressure falls back to the
// in-process queue bound.
func (s *stompSubscription) Lag(ctx context.Context) (int64, error) {
	return 0, nil
}

func (s *stompSubscription) Close() error {
	s.Resume()
	s.cancel()
	err := s.sub.Unsubscribe()
	s.wg.Wait()
	return err
}
