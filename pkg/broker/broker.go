package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
)

// Well-known message header names
const (
	HeaderTradeID      = "tradeId"
	HeaderPartitionKey = "partitionKey"
	HeaderMessageType  = "messageType"
	HeaderRoutedFrom   = "routedFrom"
	HeaderDLQError     = "dlq_error"
	HeaderDLQTimestamp = "dlq_timestamp"
	HeaderDLQReason    = "dlq_reason"
)

// ErrPublish wraps broker publish failures
var ErrPublish = errors.New("broker: publish failed")

// Headers carries message metadata
type Headers map[string]string

// Clone returns a copy so handlers can mutate safely
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Message is one record as delivered by a broker
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers Headers
}

// Delivery is a message plus its manual acknowledgement. Ack is called
// only after the handler has fully disposed of the message; an unacked
// message is redelivered by the broker.
type Delivery struct {
	Message *Message
	Ack     func() error
}

// Handler processes one delivery
type Handler func(ctx context.Context, d *Delivery)

// Subscription controls one active subscription
type Subscription interface {
	// Pause stops dispatching new messages; in-flight handlers finish.
	Pause()
	// Resume restarts dispatch after Pause.
	Resume()
	// Lag returns end-of-log minus committed offsets summed across
	// partitions. Brokers without offset visibility return 0.
	Lag(ctx context.Context) (int64, error)
	// Close tears the subscription down, draining in-flight handlers.
	Close() error
}

// Broker is the single interface both messaging flavours implement.
// Flavour-specific headers and semantics never leak past it.
type Broker interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers Headers) error
	// Subscribe starts consuming topics matching pattern. A trailing ">"
	// path element is a multi-level wildcard.
	Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)
	Close() error
}

// New builds the configured broker flavour
func New(cfg config.MessagingConfig) (Broker, error) {
	switch cfg.Provider {
	case config.ProviderLog:
		return NewKafkaBroker(cfg)
	case config.ProviderJMS:
		return NewStompBroker(cfg)
	case config.ProviderMemory:
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown messaging provider %q", cfg.Provider)
	}
}
