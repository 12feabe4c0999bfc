package refdata

import (
	"context"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

// MockSecurityMaster returns deterministic canned securities for local
// development. Identifiers starting with "MISSING" resolve to not found.
type MockSecurityMaster struct{}

func (MockSecurityMaster) GetSecurity(ctx context.Context, securityID string) (*Security, bool, error) {
	if len(securityID) >= 7 && securityID[:7] == "MISSING" {
		return nil, false, nil
	}
	return &Security{
		SecurityID: securityID,
		ISIN:       securityID,
		Name:       "Mock Security " + securityID,
		AssetClass: "EQUITY_SWAP",
		Currency:   "USD",
	}, true, nil
}

// MockAccountMaster returns deterministic canned accounts
type MockAccountMaster struct{}

func (MockAccountMaster) GetAccount(ctx context.Context, accountID, bookID string) (*Account, bool, error) {
	if len(accountID) >= 7 && accountID[:7] == "MISSING" {
		return nil, false, nil
	}
	return &Account{
		AccountID:    accountID,
		BookID:       bookID,
		AccountName:  "Mock Account " + accountID,
		LegalEntity:  "MOCK_ENTITY",
		BaseCurrency: "USD",
		Active:       true,
	}, true, nil
}

// MockApprovalWorkflow approves everything immediately
type MockApprovalWorkflow struct{}

func (MockApprovalWorkflow) Submit(ctx context.Context, blotter *types.SwapBlotter) (*ApprovalDecision, error) {
	return &ApprovalDecision{
		Status:     types.WorkflowApproved,
		ApprovedBy: "mock-workflow",
	}, nil
}
