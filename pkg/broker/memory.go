package broker

import (
	"context"
	"strings"
	"sync"
)

// MemoryBroker is an in-process broker used by tests and local
// development. Topics are matched the same way as the JMS flavour:
// exact name, or a trailing ">" multi-level wildcard.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	closed bool
}

// NewMemoryBroker creates a new in-process broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

type memorySubscription struct {
	broker  *MemoryBroker
	pattern string
	handler Handler

	queue  chan *Message
	paused chan struct{} // closed = running; recreated on Pause
	pmu    sync.Mutex
	gate   bool

	acked  []*Message
	ackMu  sync.Mutex
	stopCh chan struct{}
	done   sync.WaitGroup
}

// matchesTopic implements exact and ">"-wildcard matching
func matchesTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, "/>") {
		prefix := strings.TrimSuffix(pattern, ">")
		return strings.HasPrefix(topic, prefix)
	}
	return false
}

// Publish delivers the message to every matching subscription
func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, value []byte, headers Headers) error {
	msg := &Message{
		Topic:   topic,
		Key:     key,
		Value:   append([]byte(nil), value...),
		Headers: headers.Clone(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrPublish
	}
	for _, sub := range b.subs {
		if matchesTopic(sub.pattern, topic) {
			select {
			case sub.queue <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Subscribe registers a handler for topics matching pattern
func (b *MemoryBroker) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	sub := &memorySubscription{
		broker:  b,
		pattern: pattern,
		handler: handler,
		queue:   make(chan *Message, 256),
		stopCh:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	sub.done.Add(1)
	go sub.dispatch(ctx)
	return sub, nil
}

func (s *memorySubscription) dispatch(ctx context.Context) {
	defer s.done.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			s.waitUnpaused()
			d := &Delivery{
				Message: msg,
				Ack: func() error {
					s.ackMu.Lock()
					s.acked = append(s.acked, msg)
					s.ackMu.Unlock()
					return nil
				},
			}
			s.handler(ctx, d)
		}
	}
}

func (s *memorySubscription) waitUnpaused() {
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

func (s *memorySubscription) Pause() {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if !s.gate {
		s.gate = true
		s.paused = make(chan struct{})
	}
}

func (s *memorySubscription) Resume() {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if s.gate {
		s.gate = false
		close(s.paused)
	}
}

// Lag reports the queued-but-undispatched depth
func (s *memorySubscription) Lag(ctx context.Context) (int64, error) {
	return int64(len(s.queue)), nil
}

// Acked returns messages acknowledged so far (test helper)
func (s *memorySubscription) Acked() []*Message {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	return append([]*Message(nil), s.acked...)
}

func (s *memorySubscription) Close() error {
	s.Resume()
	close(s.stopCh)
	s.done.Wait()

	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	for i, sub := range s.broker.subs {
		if sub == s {
			s.broker.subs = append(s.broker.subs[:i], s.broker.subs[i+1:]...)
			break
		}
	}
	return nil
}

// Close shuts the broker down
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	subs := append([]*memorySubscription(nil), b.subs...)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}
