package refdata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/metrics"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

// Security is the security-master view of an instrument
type Security struct {
	SecurityID string `json:"securityId"`
	ISIN       string `json:"isin"`
	Name       string `json:"name"`
	AssetClass string `json:"assetClass"`
	Currency   string `json:"currency"`
}

// Account is the account-master view of an account/book pair
type Account struct {
	AccountID    string `json:"accountId"`
	BookID       string `json:"bookId"`
	AccountName  string `json:"accountName"`
	LegalEntity  string `json:"legalEntity"`
	BaseCurrency string `json:"baseCurrency"`
	Active       bool   `json:"active"`
}

// ApprovalDecision is the approval workflow's answer for one blotter
type ApprovalDecision struct {
	Status     types.WorkflowStatus `json:"status"`
	ApprovedBy string               `json:"approvedBy,omitempty"`
	Reason     string               `json:"reason,omitempty"`
}

// SecurityMaster resolves securities. found=false is the explicit
// fallback for lookups that failed or genuinely miss.
type SecurityMaster interface {
	GetSecurity(ctx context.Context, securityID string) (*Security, bool, error)
}

// AccountMaster resolves account/book pairs
type AccountMaster interface {
	GetAccount(ctx context.Context, accountID, bookID string) (*Account, bool, error)
}

// ApprovalWorkflow decides workflow status for pending blotters
type ApprovalWorkflow interface {
	Submit(ctx context.Context, blotter *types.SwapBlotter) (*ApprovalDecision, error)
}

// errNotFound marks a definitive miss (no retry)
var errNotFound = errors.New("refdata: not found")

// caller wraps one external service with a time limiter, bounded retry
// and a circuit breaker. When the breaker is open or retries exhaust,
// lookups fall back to "not found" instead of failing the pipeline.
type caller struct {
	name    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	retries int
}

func newCaller(name string, svc config.RefDataServiceConfig, cfg config.RefDataConfig) *caller {
	settings := gobreaker.Settings{
		Name:     name,
		Interval: cfg.BreakerWindow,
		Timeout:  cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRate >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			log.WithComponent("refdata").Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	return &caller{
		name:    name,
		client:  &http.Client{Timeout: svc.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		retries: cfg.RetryAttempts,
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// get performs one GET through breaker and retry, decoding JSON into out.
// Returns found=false on a definitive 404, on an open breaker, and on
// exhausted retries.
func (c *caller) get(ctx context.Context, url string, out interface{}) (bool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RefDataCallDuration, c.name)

	body, err := c.breaker.Execute(func() (interface{}, error) {
		var payload []byte
		op := func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return backoff.Permanent(err)
			}
			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusNotFound:
				return backoff.Permanent(errNotFound)
			case resp.StatusCode >= 500:
				return fmt.Errorf("%s returned status %d", c.name, resp.StatusCode)
			case resp.StatusCode != http.StatusOK:
				return backoff.Permanent(fmt.Errorf("%s returned status %d", c.name, resp.StatusCode))
			}
			payload, err = io.ReadAll(resp.Body)
			return err
		}

		bo := backoff.WithContext(backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(), uint64(c.retries)), ctx)
		if err := backoff.Retry(op, bo); err != nil {
			return nil, err
		}
		return payload, nil
	})

	switch {
	case errors.Is(err, errNotFound):
		metrics.RefDataCalls.WithLabelValues(c.name, "not_found").Inc()
		return false, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RefDataCalls.WithLabelValues(c.name, "circuit_open").Inc()
		log.WithComponent("refdata").Warn().Str("service", c.name).Msg("circuit open, falling back to not found")
		return false, nil
	case err != nil:
		metrics.RefDataCalls.WithLabelValues(c.name, "error").Inc()
		log.WithComponent("refdata").Warn().Err(err).Str("service", c.name).Msg("lookup failed, falling back to not found")
		return false, nil
	}

	if err := json.Unmarshal(body.([]byte), out); err != nil {
		metrics.RefDataCalls.WithLabelValues(c.name, "error").Inc()
		return false, fmt.Errorf("failed to decode %s response: %w", c.name, err)
	}
	metrics.RefDataCalls.WithLabelValues(c.name, "ok").Inc()
	return true, nil
}

// post performs one POST through the breaker with bounded retry
func (c *caller) post(ctx context.Context, url string, in, out interface{}) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RefDataCallDuration, c.name)

	reqBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", c.name, err)
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		var payload []byte
		op := func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
			if err != nil {
				return backoff.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 500 {
				return fmt.Errorf("%s returned status %d", c.name, resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return backoff.Permanent(fmt.Errorf("%s returned status %d", c.name, resp.StatusCode))
			}
			payload, err = io.ReadAll(resp.Body)
			return err
		}

		bo := backoff.WithContext(backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(), uint64(c.retries)), ctx)
		if err := backoff.Retry(op, bo); err != nil {
			return nil, err
		}
		return payload, nil
	})
	if err != nil {
		metrics.RefDataCalls.WithLabelValues(c.name, "error").Inc()
		return err
	}

	metrics.RefDataCalls.WithLabelValues(c.name, "ok").Inc()
	return json.Unmarshal(body.([]byte), out)
}
