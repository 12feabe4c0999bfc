package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/enrichment"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/idempotency"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/jobstatus"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/lock"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/metrics"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/publisher"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/ratelimit"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/refdata"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/rules"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/sequence"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/statemachine"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/store"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/validation"
)

// Orchestrator drives the trade-processing pipeline for one message at a
// time: lock, admit, order, dedup, enrich, rule, validate, approve,
// transition, persist, publish. The partition lock is always released
// and the idempotency record resolves to COMPLETED or FAILED, except
// that a blotter pending approval leaves it PROCESSING.
type Orchestrator struct {
	locks     *lock.Service
	limiter   *ratelimit.Limiter
	sequence  *sequence.Service
	idem      *idempotency.Service
	enricher  *enrichment.Service
	engine    *rules.Engine
	validator *validation.Service
	states    *statemachine.Service
	store     *store.Store
	output    *publisher.Output
	approval  refdata.ApprovalWorkflow
	jobs      *jobstatus.Service
	lockCfg   config.LockConfig
	now       func() time.Time
}

// Deps collects the orchestrator's collaborators
type Deps struct {
	Locks     *lock.Service
	Limiter   *ratelimit.Limiter
	Sequence  *sequence.Service
	Idem      *idempotency.Service
	Enricher  *enrichment.Service
	Engine    *rules.Engine
	Validator *validation.Service
	States    *statemachine.Service
	Store     *store.Store
	Output    *publisher.Output
	Approval  refdata.ApprovalWorkflow
	Jobs      *jobstatus.Service
	LockCfg   config.LockConfig
}

// New creates the orchestrator and registers it as the buffer's drainer
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		locks:     d.Locks,
		limiter:   d.Limiter,
		sequence:  d.Sequence,
		idem:      d.Idem,
		enricher:  d.Enricher,
		engine:    d.Engine,
		validator: d.Validator,
		states:    d.States,
		store:     d.Store,
		output:    d.Output,
		approval:  d.Approval,
		jobs:      d.Jobs,
		lockCfg:   d.LockCfg,
		now:       time.Now,
	}
	d.Sequence.SetDrainer(o)
	return o
}

// ProcessDrained re-enters a drained buffered message into the pipeline
func (o *Orchestrator) ProcessDrained(ctx context.Context, msg *types.TradeCaptureMessage) {
	result := o.Process(ctx, msg)
	if result.Outcome != types.OutcomeSuccess {
		log.WithTradeContext("orchestrator", msg.TradeID, msg.PartitionKey).Warn().
			Str("outcome", string(result.Outcome)).
			Msg("drained message did not complete")
	}
}

// Process runs the pipeline for one message and returns exactly one of
// SUCCESS, DUPLICATE, BUFFERED, REJECTED, PENDING_APPROVAL or FAILED.
func (o *Orchestrator) Process(ctx context.Context, msg *types.TradeCaptureMessage) *types.ProcessResult {
	started := o.now()
	msg.EnsurePartitionKey()
	logger := log.WithTradeContext("orchestrator", msg.TradeID, msg.PartitionKey)
	jobID := msg.Metadata["jobId"]

	result := o.run(ctx, msg, started)

	metrics.MessagesProcessed.WithLabelValues(string(result.Outcome)).Inc()
	metrics.ProcessingDuration.Observe(time.Since(started).Seconds())
	if result.Error != nil {
		metrics.ProcessingFailures.WithLabelValues(result.Error.Code).Inc()
	}
	o.updateJob(ctx, jobID, result)

	event := logger.Info()
	if result.Outcome == types.OutcomeFailed {
		event = logger.Error()
	}
	ev := event.Str("outcome", string(result.Outcome)).
		Dur("elapsed", time.Since(started))
	if result.Error != nil {
		ev = ev.Str("code", result.Error.Code).Str("error", result.Error.Message)
	}
	ev.Msg("message processed")
	return result
}

func (o *Orchestrator) run(ctx context.Context, msg *types.TradeCaptureMessage, started time.Time) *types.ProcessResult {
	logger := log.WithTradeContext("orchestrator", msg.TradeID, msg.PartitionKey)

	// Partition lock serialises orchestrator runs across instances.
	handle, err := o.locks.Acquire(ctx, msg.PartitionKey, o.lockCfg.DefaultHold, o.lockCfg.DefaultWait)
	if err != nil {
		if errors.Is(err, lock.ErrAcquisitionTimeout) {
			return types.Failed(types.CodeLockAcquisitionFailed,
				fmt.Sprintf("partition %s is contended", msg.PartitionKey))
		}
		return types.Failed(types.CodeProcessingError, err.Error())
	}

	var drainFrom uint64
	defer func() {
		if err := handle.Release(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to release partition lock")
		}
		// Drained successors take the lock themselves, so draining waits
		// until it is free.
		if drainFrom > 0 {
			o.sequence.DrainNext(ctx, msg.PartitionKey, drainFrom)
		}
	}()

	if decision := o.limiter.Allow(ctx, msg.PartitionKey); !decision.Allowed {
		return types.Failed(types.CodeRateLimitExceeded,
			fmt.Sprintf("rate limit exceeded (%s bucket)", decision.DeniedScope))
	}

	seqDecision, err := o.sequence.Validate(ctx, msg)
	if err != nil {
		return types.Failed(types.CodeProcessingError, err.Error())
	}
	if !seqDecision.ShouldProcess {
		switch seqDecision.Reason {
		case sequence.ReasonBuffered:
			return types.Buffered()
		case sequence.ReasonOutOfOrderTooOld:
			return types.Rejected(types.CodeOutOfOrderTooOld,
				fmt.Sprintf("sequence %d already processed", msg.SequenceNumber))
		default:
			return types.Rejected(types.CodeGapTooLarge,
				fmt.Sprintf("sequence %d exceeds the buffer window", msg.SequenceNumber))
		}
	}

	idemCheck, err := o.idem.Begin(ctx, msg)
	if err != nil {
		// Idempotency fails closed: without a claim we must not process.
		return types.Failed(types.CodeProcessingError, err.Error())
	}
	if idemCheck.Duplicate {
		blotter := o.loadBlotter(ctx, idemCheck.Record)
		return types.Duplicate(blotter)
	}
	idemKey := idemCheck.Record.Key

	enriched, err := o.enricher.Enrich(ctx, msg)
	if err != nil {
		return o.fail(ctx, idemKey, types.CodeEnrichmentFailed, err.Error())
	}

	blotter := o.buildBlotter(msg, enriched)

	outcome, err := o.engine.Evaluate(ctx, buildRuleData(msg, enriched, blotter))
	if err != nil {
		return o.fail(ctx, idemKey, types.CodeProcessingError, err.Error())
	}
	blotter.ProcessingMetadata.RulesApplied = outcome.RulesApplied
	if outcome.WorkflowStatus != "" {
		blotter.WorkflowStatus = outcome.WorkflowStatus
	}

	if err := o.validator.Validate(msg); err != nil {
		return o.fail(ctx, idemKey, types.CodeValidationFailed, err.Error())
	}

	if blotter.WorkflowStatus == types.WorkflowPendingApproval {
		decision, err := o.approval.Submit(ctx, blotter)
		if err != nil {
			return o.fail(ctx, idemKey, types.CodeProcessingError, err.Error())
		}
		switch decision.Status {
		case types.WorkflowRejected:
			blotter.WorkflowStatus = types.WorkflowRejected
			_ = o.idem.MarkFailed(ctx, idemKey)
			return &types.ProcessResult{
				Outcome: types.OutcomeRejected,
				Blotter: blotter,
				Error: &types.ErrorDetail{
					Code:      types.CodeWorkflowRejected,
					Message:   decision.Reason,
					Timestamp: o.now().UTC(),
				},
			}
		case types.WorkflowApproved:
			blotter.WorkflowStatus = types.WorkflowApproved
		default:
			// Still pending: the idempotency record stays PROCESSING so a
			// resubmission inside the window reports DUPLICATE.
			return types.PendingApproval(blotter)
		}
	}

	st, exists, err := o.states.Current(ctx, msg.PartitionKey)
	if err != nil {
		return o.fail(ctx, idemKey, types.CodeProcessingError, err.Error())
	}
	if !exists {
		st = &types.PartitionState{PartitionKey: msg.PartitionKey}
	}
	next := statemachine.NextOnCapture(st.PositionState, exists)
	if err := o.states.Transition(ctx, st, next, msg.SequenceNumber); err != nil {
		if errors.Is(err, statemachine.ErrInvalidTransition) {
			return o.fail(ctx, idemKey, types.CodeInvalidStateTransition, err.Error())
		}
		return o.fail(ctx, idemKey, types.CodeProcessingError, err.Error())
	}
	blotter.State = next

	if err := o.store.UpsertSwapBlotter(ctx, blotter); err != nil {
		// A reprocessed message (publish failed last time, FAILED record
		// reclaimed) finds its blotter already persisted; carry its
		// version forward and rewrite.
		if errors.Is(err, store.ErrDuplicateKey) {
			if existing, ferr := o.store.FindSwapBlotterByTradeID(ctx, blotter.TradeID); ferr == nil {
				blotter.Version = existing.Version
				blotter.CreatedAt = existing.CreatedAt
				err = o.store.UpsertSwapBlotter(ctx, blotter)
			}
		}
		if err != nil {
			return o.fail(ctx, idemKey, types.CodeProcessingError, err.Error())
		}
	}

	if err := o.sequence.RecordProcessed(ctx, msg); err != nil {
		return o.fail(ctx, idemKey, types.CodeProcessingError, err.Error())
	}
	if msg.SequenceNumber > 0 {
		drainFrom = msg.SequenceNumber + 1
	}

	if err := o.idem.MarkCompleted(ctx, idemKey, blotter.TradeID); err != nil {
		return o.fail(ctx, idemKey, types.CodeProcessingError, err.Error())
	}

	if err := o.output.Publish(ctx, blotter); err != nil {
		// Primary publish failure aborts the pipeline. The record drops
		// back to FAILED so a redelivery reclaims the key and republishes.
		return o.fail(ctx, idemKey, types.CodePublishFailed, err.Error())
	}

	blotter.ProcessingMetadata.ProcessingTimeMs = time.Since(started).Milliseconds()
	return types.Success(blotter)
}

// fail marks the idempotency record FAILED and wraps the error detail
func (o *Orchestrator) fail(ctx context.Context, idemKey, code, message string) *types.ProcessResult {
	if err := o.idem.MarkFailed(ctx, idemKey); err != nil {
		log.WithComponent("orchestrator").Warn().Err(err).
			Str("idempotency_key", idemKey).
			Msg("failed to mark idempotency record failed")
	}
	return types.Failed(code, message)
}

func (o *Orchestrator) loadBlotter(ctx context.Context, rec *types.IdempotencyRecord) *types.SwapBlotter {
	ref := rec.SwapBlotterRef
	if ref == "" {
		ref = rec.TradeID
	}
	blotter, err := o.store.FindSwapBlotterByTradeID(ctx, ref)
	if err != nil {
		log.WithComponent("orchestrator").Debug().Err(err).
			Str("swap_blotter_ref", ref).
			Msg("no blotter for duplicate submission")
		return nil
	}
	return blotter
}

// buildBlotter constructs the initial blotter with its derived contract
func (o *Orchestrator) buildBlotter(msg *types.TradeCaptureMessage, enriched *enrichment.Result) *types.SwapBlotter {
	now := o.now().UTC()
	var notional float64
	var unit string
	for _, lot := range msg.TradeLots {
		for _, pq := range lot.PriceQuantities {
			notional += pq.Quantity * pq.Price
			if unit == "" {
				unit = pq.PriceUnit
			}
		}
	}

	return &types.SwapBlotter{
		TradeID:      msg.TradeID,
		PartitionKey: msg.PartitionKey,
		TradeLots:    msg.TradeLots,
		Contract: &types.Contract{
			ContractID:     "CTR-" + msg.TradeID,
			EffectiveDate:  msg.TradeDate,
			Counterparties: msg.CounterpartyIDs,
			NotionalAmount: notional,
			NotionalUnit:   unit,
		},
		EnrichmentStatus: enriched.Status,
		WorkflowStatus:   types.WorkflowPendingApproval,
		ProcessingMetadata: types.ProcessingMetadata{
			ProcessedAt: now,
			Sources:     enriched.Sources,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// buildRuleData merges the trade and enrichment views into the dotted
// field space the rules engine evaluates over
func buildRuleData(msg *types.TradeCaptureMessage, enriched *enrichment.Result, blotter *types.SwapBlotter) map[string]interface{} {
	trade := map[string]interface{}{
		"tradeId":    msg.TradeID,
		"accountId":  msg.AccountID,
		"bookId":     msg.BookID,
		"securityId": msg.SecurityID,
		"source":     string(msg.Source),
		"notional":   blotter.Contract.NotionalAmount,
		"lots":       len(msg.TradeLots),
	}
	if !msg.TradeDate.IsZero() {
		trade["tradeDate"] = msg.TradeDate.Format("2006-01-02")
	}
	for k, v := range msg.Metadata {
		trade["metadata."+k] = v
	}

	data := map[string]interface{}{
		"trade": trade,
		"enrichment": map[string]interface{}{
			"status": string(enriched.Status),
		},
	}
	if enriched.Security != nil {
		data["security"] = map[string]interface{}{
			"securityId": enriched.Security.SecurityID,
			"isin":       enriched.Security.ISIN,
			"assetClass": enriched.Security.AssetClass,
			"currency":   enriched.Security.Currency,
		}
	}
	if enriched.Account != nil {
		data["account"] = map[string]interface{}{
			"accountId":    enriched.Account.AccountID,
			"bookId":       enriched.Account.BookID,
			"legalEntity":  enriched.Account.LegalEntity,
			"baseCurrency": enriched.Account.BaseCurrency,
			"active":       enriched.Account.Active,
		}
	}
	return data
}

// updateJob reflects the pipeline outcome into job status, when the
// message carries a job id
func (o *Orchestrator) updateJob(ctx context.Context, jobID string, result *types.ProcessResult) {
	if jobID == "" || o.jobs == nil {
		return
	}
	var err error
	switch result.Outcome {
	case types.OutcomeSuccess, types.OutcomeDuplicate:
		err = o.jobs.Update(ctx, jobID, types.JobCompleted, 100, string(result.Outcome), resultRef(result), "")
	case types.OutcomeBuffered, types.OutcomePendingApproval:
		err = o.jobs.Update(ctx, jobID, types.JobProcessing, 50, string(result.Outcome), "", "")
	default:
		msg := ""
		if result.Error != nil {
			msg = result.Error.Message
		}
		err = o.jobs.Update(ctx, jobID, types.JobFailed, 100, string(result.Outcome), "", msg)
	}
	if err != nil && !errors.Is(err, jobstatus.ErrNotFound) {
		log.WithComponent("orchestrator").Warn().Err(err).
			Str("job_id", jobID).
			Msg("failed to update job status")
	}
}

func resultRef(result *types.ProcessResult) string {
	if result.Blotter == nil {
		return ""
	}
	return result.Blotter.TradeID
}
