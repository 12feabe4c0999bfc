package refdata

import (
	"context"
	"fmt"
	"net/url"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

// HTTPSecurityMaster talks to the external security-master service
type HTTPSecurityMaster struct {
	baseURL string
	caller  *caller
}

// NewSecurityMaster builds the security-master client
func NewSecurityMaster(cfg config.RefDataConfig) *HTTPSecurityMaster {
	return &HTTPSecurityMaster{
		baseURL: cfg.Security.BaseURL,
		caller:  newCaller("security-master", cfg.Security, cfg),
	}
}

func (c *HTTPSecurityMaster) GetSecurity(ctx context.Context, securityID string) (*Security, bool, error) {
	var sec Security
	found, err := c.caller.get(ctx,
		fmt.Sprintf("%s/securities/%s", c.baseURL, url.PathEscape(securityID)), &sec)
	if err != nil || !found {
		return nil, false, err
	}
	return &sec, true, nil
}

// HTTPAccountMaster talks to the external account-master service
type HTTPAccountMaster struct {
	baseURL string
	caller  *caller
}

// NewAccountMaster builds the account-master client
func NewAccountMaster(cfg config.RefDataConfig) *HTTPAccountMaster {
	return &HTTPAccountMaster{
		baseURL: cfg.Account.BaseURL,
		caller:  newCaller("account-master", cfg.Account, cfg),
	}
}

func (c *HTTPAccountMaster) GetAccount(ctx context.Context, accountID, bookID string) (*Account, bool, error) {
	var acc Account
	found, err := c.caller.get(ctx,
		fmt.Sprintf("%s/accounts/%s/books/%s", c.baseURL,
			url.PathEscape(accountID), url.PathEscape(bookID)), &acc)
	if err != nil || !found {
		return nil, false, err
	}
	return &acc, true, nil
}

// HTTPApprovalWorkflow talks to the external approval-workflow service
type HTTPApprovalWorkflow struct {
	baseURL string
	caller  *caller
}

// NewApprovalWorkflow builds the approval-workflow client
func NewApprovalWorkflow(cfg config.RefDataConfig) *HTTPApprovalWorkflow {
	return &HTTPApprovalWorkflow{
		baseURL: cfg.Approval.BaseURL,
		caller:  newCaller("approval-workflow", cfg.Approval, cfg),
	}
}

type approvalRequest struct {
	TradeID      string `json:"tradeId"`
	PartitionKey string `json:"partitionKey"`
}

// Submit asks the workflow service to decide the blotter. An unreachable
// service leaves the blotter pending rather than guessing an outcome.
func (c *HTTPApprovalWorkflow) Submit(ctx context.Context, blotter *types.SwapBlotter) (*ApprovalDecision, error) {
	var decision ApprovalDecision
	err := c.caller.post(ctx, c.baseURL+"/approvals",
		approvalRequest{TradeID: blotter.TradeID, PartitionKey: blotter.PartitionKey}, &decision)
	if err != nil {
		return &ApprovalDecision{Status: types.WorkflowPendingApproval}, nil
	}
	if decision.Status == "" {
		decision.Status = types.WorkflowPendingApproval
	}
	return &decision, nil
}
