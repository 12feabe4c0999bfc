package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

// RuleType orders evaluation: economic, then non-economic, then workflow
type RuleType string

const (
	RuleTypeEconomic    RuleType = "ECONOMIC"
	RuleTypeNonEconomic RuleType = "NON_ECONOMIC"
	RuleTypeWorkflow    RuleType = "WORKFLOW"
)

// Operator compares a field against a criterion value
type Operator string

const (
	OpEquals             Operator = "EQUALS"
	OpNotEquals          Operator = "NOT_EQUALS"
	OpGreaterThan        Operator = "GREATER_THAN"
	OpGreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	OpLessThan           Operator = "LESS_THAN"
	OpLessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	OpExists             Operator = "EXISTS"
	OpNotExists          Operator = "NOT_EXISTS"
)

// LogicalOperator chains criteria left-to-right
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// ActionType names what a matching rule does
type ActionType string

// ActionSetWorkflowStatus sets the blotter's workflow status. Action
// types are additive; unknown types log a warning and are skipped.
const ActionSetWorkflowStatus ActionType = "SET_WORKFLOW_STATUS"

// Criterion is one field comparison over the merged trade-data map
type Criterion struct {
	Field           string          `yaml:"field"`
	Operator        Operator        `yaml:"operator"`
	Value           interface{}     `yaml:"value,omitempty"`
	LogicalOperator LogicalOperator `yaml:"logicalOperator,omitempty"`
}

// Action is one effect of a matching rule
type Action struct {
	Type  ActionType `yaml:"type"`
	Value string     `yaml:"value,omitempty"`
}

// Rule is one entry in the rule repository
type Rule struct {
	ID       string      `yaml:"id"`
	Type     RuleType    `yaml:"type"`
	Enabled  bool        `yaml:"enabled"`
	Priority int         `yaml:"priority"`
	Criteria []Criterion `yaml:"criteria"`
	Actions  []Action    `yaml:"actions"`
}

// Repository supplies the rule set
type Repository interface {
	LoadRules(ctx context.Context) ([]*Rule, error)
}

// Outcome is what an evaluation produced
type Outcome struct {
	WorkflowStatus types.WorkflowStatus // empty when no workflow rule matched
	RulesApplied   []string
}

// Engine evaluates rules against trade data. Rules are cached after the
// first load; Invalidate drops the cache after a repository update.
type Engine struct {
	repo Repository

	mu    sync.RWMutex
	rules []*Rule
}

// NewEngine creates the rules engine
func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo}
}

// Invalidate drops the rule cache; the next evaluation reloads
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.rules = nil
	e.mu.Unlock()
}

func (e *Engine) loadedRules(ctx context.Context) ([]*Rule, error) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	if rules != nil {
		return rules, nil
	}

	loaded, err := e.repo.LoadRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	e.mu.Lock()
	e.rules = loaded
	e.mu.Unlock()
	return loaded, nil
}

// Evaluate runs the rule set over the merged trade-data map.
// Economic and non-economic rules all execute when they match; the first
// matching workflow rule wins and evaluation stops, since workflow
// determines a single outcome.
func (e *Engine) Evaluate(ctx context.Context, data map[string]interface{}) (*Outcome, error) {
	rules, err := e.loadedRules(ctx)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{}
	for _, ruleType := range []RuleType{RuleTypeEconomic, RuleTypeNonEconomic, RuleTypeWorkflow} {
		group := filterByType(rules, ruleType)
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Priority < group[j].Priority
		})

		for _, rule := range group {
			if !rule.Enabled {
				continue
			}
			if !matches(rule, data) {
				continue
			}
			outcome.RulesApplied = append(outcome.RulesApplied, rule.ID)
			applyActions(rule, outcome)
			if ruleType == RuleTypeWorkflow {
				return outcome, nil
			}
		}
	}
	return outcome, nil
}

func filterByType(rules []*Rule, t RuleType) []*Rule {
	var out []*Rule
	for _, r := range rules {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

func applyActions(rule *Rule, outcome *Outcome) {
	for _, action := range rule.Actions {
		switch action.Type {
		case ActionSetWorkflowStatus:
			outcome.WorkflowStatus = types.WorkflowStatus(action.Value)
		default:
			log.WithComponent("rules").Warn().
				Str("rule_id", rule.ID).
				Str("action_type", string(action.Type)).
				Msg("unknown action type, skipping")
		}
	}
}

// matches combines the rule's criteria left-to-right with each
// criterion's logical operator (AND by default).
func matches(rule *Rule, data map[string]interface{}) bool {
	if len(rule.Criteria) == 0 {
		return true
	}
	result := evalCriterion(rule.Criteria[0], data)
	for _, c := range rule.Criteria[1:] {
		next := evalCriterion(c, data)
		if c.LogicalOperator == LogicalOr {
			result = result || next
		} else {
			result = result && next
		}
	}
	return result
}

func evalCriterion(c Criterion, data map[string]interface{}) bool {
	value, exists := resolvePath(data, c.Field)

	switch c.Operator {
	case OpExists:
		return exists
	case OpNotExists:
		return !exists
	}
	if !exists {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return compareEqual(value, c.Value)
	case OpNotEquals:
		return !compareEqual(value, c.Value)
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		a, aok := toFloat(value)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Operator {
		case OpGreaterThan:
			return a > b
		case OpGreaterThanOrEqual:
			return a >= b
		case OpLessThan:
			return a < b
		default:
			return a <= b
		}
	}
	return false
}

// resolvePath walks a dotted field path over nested maps
func resolvePath(data map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = data
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compareEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
