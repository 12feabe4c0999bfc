package publisher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/broker"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/wire"
)

func blotter() *types.SwapBlotter {
	return &types.SwapBlotter{
		TradeID:        "T1",
		PartitionKey:   "A/B/S",
		State:          types.PositionExecuted,
		WorkflowStatus: types.WorkflowApproved,
		Version:        1,
	}
}

func TestPublishToPrimaryTopic(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	received := make(chan *broker.Message, 1)
	_, err := b.Subscribe(ctx, "trade/capture/blotter", func(ctx context.Context, d *broker.Delivery) {
		_ = d.Ack()
		received <- d.Message
	})
	require.NoError(t, err)

	out := NewOutput(b, "trade/capture/blotter", config.OutputConfig{})
	require.NoError(t, out.Publish(ctx, blotter()))

	var msg *broker.Message
	select {
	case msg = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for blotter")
	}

	assert.Equal(t, "A/B/S", msg.Key)
	assert.Equal(t, "T1", msg.Headers[broker.HeaderTradeID])
	assert.Equal(t, "A/B/S", msg.Headers[broker.HeaderPartitionKey])
	assert.Equal(t, "SwapBlotter", msg.Headers[broker.HeaderMessageType])

	decoded, err := wire.DecodeBlotter(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, "T1", decoded.TradeID)
	assert.Equal(t, types.WorkflowApproved, decoded.WorkflowStatus)
}

func TestPrimaryFailureAborts(t *testing.T) {
	b := broker.NewMemoryBroker()
	require.NoError(t, b.Close())

	out := NewOutput(b, "trade/capture/blotter", config.OutputConfig{})
	err := out.Publish(context.Background(), blotter())
	assert.ErrorIs(t, err, broker.ErrPublish)
}

func TestWebhookReceivesPayload(t *testing.T) {
	var hits atomic.Int32
	var gotTradeID atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotTradeID.Store(r.Header.Get("X-Trade-Id"))
	}))
	defer srv.Close()

	b := broker.NewMemoryBroker()
	defer b.Close()

	out := NewOutput(b, "trade/capture/blotter", config.OutputConfig{
		Webhooks: []config.WebhookConfig{{URL: srv.URL, Timeout: time.Second}},
	})
	require.NoError(t, out.Publish(context.Background(), blotter()))

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "T1", gotTradeID.Load())
}

func TestWebhookFailureDoesNotFailPrimary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := broker.NewMemoryBroker()
	defer b.Close()

	out := NewOutput(b, "trade/capture/blotter", config.OutputConfig{
		Webhooks: []config.WebhookConfig{
			{URL: srv.URL, Timeout: time.Second},
			{URL: "http://127.0.0.1:1/unreachable", Timeout: 100 * time.Millisecond},
		},
	})
	assert.NoError(t, out.Publish(context.Background(), blotter()))
}
