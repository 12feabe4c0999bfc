package jobstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/coord"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

// ErrNotFound is returned when a job id is unknown or past retention
var ErrNotFound = errors.New("jobstatus: job not found")

const keyPrefix = "job:status:"

// Service tracks status of API-initiated trades in the coordination
// store. Entries live for the retention window and expire with it;
// updates are last-writer-wins.
type Service struct {
	client    coord.Client
	retention time.Duration
	now       func() time.Time
}

// NewService creates the job-status service
func NewService(client coord.Client, cfg config.JobStatusConfig) *Service {
	return &Service{client: client, retention: cfg.Retention, now: time.Now}
}

// Create registers a new job. An empty jobID gets a fresh UUID.
func (s *Service) Create(ctx context.Context, jobID, tradeID, sourceAPI string) (string, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}
	now := s.now().UTC()
	job := &types.JobStatus{
		JobID:     jobID,
		TradeID:   tradeID,
		SourceAPI: sourceAPI,
		Status:    types.JobPending,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.write(ctx, job); err != nil {
		return "", err
	}
	return jobID, nil
}

// Update advances a job's status and progress
func (s *Service) Update(ctx context.Context, jobID string, status types.JobState, progress int, message, result, errMsg string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = status
	job.Progress = progress
	job.Message = message
	if result != "" {
		job.Result = result
	}
	if errMsg != "" {
		job.Error = errMsg
	}
	job.UpdatedAt = s.now().UTC()
	return s.write(ctx, job)
}

// Get returns the job, or ErrNotFound once retention has lapsed
func (s *Service) Get(ctx context.Context, jobID string) (*types.JobStatus, error) {
	raw, err := s.client.Get(ctx, keyPrefix+jobID)
	if errors.Is(err, coord.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job status: %w", err)
	}
	var job types.JobStatus
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job status: %w", err)
	}
	return &job, nil
}

func (s *Service) write(ctx context.Context, job *types.JobStatus) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job status: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+job.JobID, string(raw), s.retention); err != nil {
		return fmt.Errorf("failed to write job status: %w", err)
	}
	return nil
}
