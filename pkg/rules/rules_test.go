package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

func tradeData(source string, notional float64) map[string]interface{} {
	return map[string]interface{}{
		"trade": map[string]interface{}{
			"source":   source,
			"notional": notional,
		},
		"enrichment": map[string]interface{}{
			"status": "COMPLETE",
		},
	}
}

func TestWorkflowFirstMatchWins(t *testing.T) {
	engine := NewEngine(&StaticRepository{Rules: []*Rule{
		{
			ID: "wf-low-priority", Type: RuleTypeWorkflow, Enabled: true, Priority: 20,
			Actions: []Action{{Type: ActionSetWorkflowStatus, Value: "REJECTED"}},
		},
		{
			ID: "wf-high-priority", Type: RuleTypeWorkflow, Enabled: true, Priority: 10,
			Actions: []Action{{Type: ActionSetWorkflowStatus, Value: "APPROVED"}},
		},
	}})

	outcome, err := engine.Evaluate(context.Background(), tradeData("AUTOMATED", 100))
	require.NoError(t, err)

	// Ascending priority order; first workflow match stops evaluation
	assert.Equal(t, types.WorkflowApproved, outcome.WorkflowStatus)
	assert.Equal(t, []string{"wf-high-priority"}, outcome.RulesApplied)
}

func TestEconomicRulesAllExecute(t *testing.T) {
	engine := NewEngine(&StaticRepository{Rules: []*Rule{
		{ID: "econ-1", Type: RuleTypeEconomic, Enabled: true, Priority: 1},
		{ID: "econ-2", Type: RuleTypeEconomic, Enabled: true, Priority: 2},
		{ID: "noneco-1", Type: RuleTypeNonEconomic, Enabled: true, Priority: 1},
	}})

	outcome, err := engine.Evaluate(context.Background(), tradeData("AUTOMATED", 100))
	require.NoError(t, err)
	assert.Equal(t, []string{"econ-1", "econ-2", "noneco-1"}, outcome.RulesApplied)
}

func TestDisabledRulesSkipped(t *testing.T) {
	engine := NewEngine(&StaticRepository{Rules: []*Rule{
		{ID: "off", Type: RuleTypeEconomic, Enabled: false, Priority: 1},
	}})
	outcome, err := engine.Evaluate(context.Background(), tradeData("AUTOMATED", 100))
	require.NoError(t, err)
	assert.Empty(t, outcome.RulesApplied)
}

func TestCriterionOperators(t *testing.T) {
	data := tradeData("MANUAL", 5000)

	tests := []struct {
		name string
		c    Criterion
		want bool
	}{
		{"equals", Criterion{Field: "trade.source", Operator: OpEquals, Value: "MANUAL"}, true},
		{"not equals", Criterion{Field: "trade.source", Operator: OpNotEquals, Value: "AUTOMATED"}, true},
		{"greater than", Criterion{Field: "trade.notional", Operator: OpGreaterThan, Value: 1000}, true},
		{"greater or equal boundary", Criterion{Field: "trade.notional", Operator: OpGreaterThanOrEqual, Value: 5000}, true},
		{"less than fails", Criterion{Field: "trade.notional", Operator: OpLessThan, Value: 5000}, false},
		{"less or equal boundary", Criterion{Field: "trade.notional", Operator: OpLessThanOrEqual, Value: 5000}, true},
		{"exists", Criterion{Field: "trade.notional", Operator: OpExists}, true},
		{"not exists", Criterion{Field: "trade.missing", Operator: OpNotExists}, true},
		{"missing field fails comparison", Criterion{Field: "trade.missing", Operator: OpEquals, Value: "x"}, false},
		{"numeric equals across types", Criterion{Field: "trade.notional", Operator: OpEquals, Value: 5000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalCriterion(tt.c, data))
		})
	}
}

func TestCriteriaChainLeftToRight(t *testing.T) {
	data := tradeData("MANUAL", 5000)

	// false OR true => true
	rule := &Rule{Criteria: []Criterion{
		{Field: "trade.source", Operator: OpEquals, Value: "AUTOMATED"},
		{Field: "trade.notional", Operator: OpGreaterThan, Value: 1000, LogicalOperator: LogicalOr},
	}}
	assert.True(t, matches(rule, data))

	// true AND false => false (AND is the default operator)
	rule = &Rule{Criteria: []Criterion{
		{Field: "trade.source", Operator: OpEquals, Value: "MANUAL"},
		{Field: "trade.notional", Operator: OpLessThan, Value: 10},
	}}
	assert.False(t, matches(rule, data))
}

func TestUnknownActionTypeSkipped(t *testing.T) {
	engine := NewEngine(&StaticRepository{Rules: []*Rule{
		{
			ID: "future", Type: RuleTypeEconomic, Enabled: true, Priority: 1,
			Actions: []Action{{Type: "SET_SOMETHING_ELSE", Value: "x"}},
		},
	}})
	outcome, err := engine.Evaluate(context.Background(), tradeData("AUTOMATED", 1))
	require.NoError(t, err)
	// Rule still counts as applied; only the unknown action is skipped
	assert.Equal(t, []string{"future"}, outcome.RulesApplied)
	assert.Empty(t, outcome.WorkflowStatus)
}

func TestCacheInvalidate(t *testing.T) {
	repo := &StaticRepository{Rules: []*Rule{
		{ID: "a", Type: RuleTypeEconomic, Enabled: true, Priority: 1},
	}}
	engine := NewEngine(repo)

	outcome, err := engine.Evaluate(context.Background(), tradeData("AUTOMATED", 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, outcome.RulesApplied)

	// Repository changes are invisible until the cache is invalidated
	repo.Rules = []*Rule{{ID: "b", Type: RuleTypeEconomic, Enabled: true, Priority: 1}}
	outcome, err = engine.Evaluate(context.Background(), tradeData("AUTOMATED", 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, outcome.RulesApplied)

	engine.Invalidate()
	outcome, err = engine.Evaluate(context.Background(), tradeData("AUTOMATED", 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, outcome.RulesApplied)
}

func TestDefaultRulesAutoApproveAutomated(t *testing.T) {
	engine := NewEngine(&StaticRepository{Rules: DefaultRules()})

	outcome, err := engine.Evaluate(context.Background(), tradeData("AUTOMATED", 100))
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowApproved, outcome.WorkflowStatus)
	assert.NotEmpty(t, outcome.RulesApplied)

	outcome, err = engine.Evaluate(context.Background(), tradeData("MANUAL", 100))
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowPendingApproval, outcome.WorkflowStatus)
}
