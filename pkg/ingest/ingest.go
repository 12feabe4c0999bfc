package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/broker"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/jobstatus"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/wire"
)

// Metadata keys stamped onto API-submitted messages
const (
	metaJobID            = "jobId"
	metaSourceAPI        = "sourceApi"
	metaCallbackURL      = "callbackUrl"
	metaPublishTimestamp = "publishTimestamp"
)

// Publisher converts API trade-capture requests into wire messages on
// the ingress topic and hands back the job id that tracks them.
type Publisher struct {
	broker broker.Broker
	topics config.TopicsConfig
	jobs   *jobstatus.Service
	now    func() time.Time
}

// NewPublisher creates the ingress publisher
func NewPublisher(b broker.Broker, topics config.TopicsConfig, jobs *jobstatus.Service) *Publisher {
	return &Publisher{broker: b, topics: topics, jobs: jobs, now: time.Now}
}

// Publish annotates the request with job metadata and produces it to the
// ingress topic keyed by partition key. It returns the assigned job id.
func (p *Publisher) Publish(ctx context.Context, req *types.TradeCaptureRequest) (string, error) {
	msg := req.Message
	msg.EnsurePartitionKey()

	jobID, err := p.jobs.Create(ctx, req.JobID, msg.TradeID, req.SourceAPI)
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	msg.Metadata[metaJobID] = jobID
	msg.Metadata[metaPublishTimestamp] = p.now().UTC().Format(time.RFC3339Nano)
	if req.SourceAPI != "" {
		msg.Metadata[metaSourceAPI] = req.SourceAPI
	}
	if req.CallbackURL != "" {
		msg.Metadata[metaCallbackURL] = req.CallbackURL
	}

	payload, err := wire.EncodeMessage(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}

	headers := broker.Headers{
		broker.HeaderTradeID:      msg.TradeID,
		broker.HeaderPartitionKey: msg.PartitionKey,
		broker.HeaderMessageType:  "TradeCaptureMessage",
	}
	if err := p.broker.Publish(ctx, p.topics.Input, msg.PartitionKey, payload, headers); err != nil {
		_ = p.jobs.Update(ctx, jobID, types.JobFailed, 0, "publish failed", "", err.Error())
		return "", fmt.Errorf("%w: %v", broker.ErrPublish, err)
	}

	log.WithTradeContext("ingest", msg.TradeID, msg.PartitionKey).Info().
		Str("job_id", jobID).
		Msg("published trade capture request")
	return jobID, nil
}

// JobID reads the job id that Publish stamped into the message metadata
func JobID(msg *types.TradeCaptureMessage) string {
	return msg.Metadata[metaJobID]
}
