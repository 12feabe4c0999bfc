package publisher

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/broker"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/metrics"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/wire"
)

// Output publishes enriched blotters downstream. The primary channel is
// the configured broker topic; additional webhook publishers run in
// parallel and their failures are logged but never fail the primary
// path.
type Output struct {
	broker   broker.Broker
	topic    string
	webhooks []webhook
}

type webhook struct {
	url    string
	client *http.Client
}

// NewOutput creates the output publisher
func NewOutput(b broker.Broker, topic string, cfg config.OutputConfig) *Output {
	out := &Output{broker: b, topic: topic}
	for _, w := range cfg.Webhooks {
		out.webhooks = append(out.webhooks, webhook{
			url:    w.URL,
			client: &http.Client{Timeout: w.Timeout},
		})
	}
	return out
}

// Publish sends the canonical blotter serialization to the primary topic
// and fans it out to any webhooks. A primary failure aborts the caller's
// pipeline; webhook failures do not.
func (o *Output) Publish(ctx context.Context, blotter *types.SwapBlotter) error {
	payload, err := wire.EncodeBlotter(blotter)
	if err != nil {
		return fmt.Errorf("failed to encode blotter: %w", err)
	}

	headers := broker.Headers{
		broker.HeaderTradeID:      blotter.TradeID,
		broker.HeaderPartitionKey: blotter.PartitionKey,
		broker.HeaderMessageType:  "SwapBlotter",
	}
	if err := o.broker.Publish(ctx, o.topic, blotter.PartitionKey, payload, headers); err != nil {
		metrics.OutputPublished.WithLabelValues("primary", "error").Inc()
		return fmt.Errorf("%w: %v", broker.ErrPublish, err)
	}
	metrics.OutputPublished.WithLabelValues("primary", "ok").Inc()

	if len(o.webhooks) > 0 {
		var wg sync.WaitGroup
		for _, w := range o.webhooks {
			wg.Add(1)
			go func(w webhook) {
				defer wg.Done()
				o.postWebhook(ctx, w, blotter, payload)
			}(w)
		}
		wg.Wait()
	}
	return nil
}

func (o *Output) postWebhook(ctx context.Context, w webhook, blotter *types.SwapBlotter, payload []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		metrics.OutputPublished.WithLabelValues("webhook", "error").Inc()
		log.WithComponent("publisher").Warn().Err(err).Str("url", w.url).Msg("webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Trade-Id", blotter.TradeID)
	req.Header.Set("X-Partition-Key", blotter.PartitionKey)

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.OutputPublished.WithLabelValues("webhook", "error").Inc()
		log.WithComponent("publisher").Warn().Err(err).Str("url", w.url).Msg("webhook publish failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.OutputPublished.WithLabelValues("webhook", "error").Inc()
		log.WithComponent("publisher").Warn().
			Int("status", resp.StatusCode).
			Str("url", w.url).
			Msg("webhook publish rejected")
		return
	}
	metrics.OutputPublished.WithLabelValues("webhook", "ok").Inc()
}
