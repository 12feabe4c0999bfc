package rules

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

// FileRepository loads rules from a YAML file. When the file is absent
// the default rule set applies, so a bare deployment still routes
// automated flow to auto-approval and manual flow to the approval queue.
type FileRepository struct {
	path string
}

// NewFileRepository creates a file-backed rule repository
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

type ruleFile struct {
	Rules []*Rule `yaml:"rules"`
}

func (r *FileRepository) LoadRules(ctx context.Context) ([]*Rule, error) {
	if r.path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return DefaultRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	return file.Rules, nil
}

// StaticRepository serves a fixed rule set (tests use this)
type StaticRepository struct {
	Rules []*Rule
}

func (r *StaticRepository) LoadRules(ctx context.Context) ([]*Rule, error) {
	return r.Rules, nil
}

// DefaultRules is the built-in rule set: an economic rule matching any
// trade with a notional and a non-economic rule matching complete
// enrichment (neither carries actions), auto-approval for automated flow
// with complete enrichment, and the approval queue for manual flow.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			ID:       "econ-notional-present",
			Type:     RuleTypeEconomic,
			Enabled:  true,
			Priority: 10,
			Criteria: []Criterion{
				{Field: "trade.notional", Operator: OpExists},
			},
		},
		{
			ID:       "noneco-enrichment-complete",
			Type:     RuleTypeNonEconomic,
			Enabled:  true,
			Priority: 10,
			Criteria: []Criterion{
				{Field: "enrichment.status", Operator: OpEquals, Value: string(types.EnrichmentComplete)},
			},
		},
		{
			ID:       "wf-auto-approve-automated",
			Type:     RuleTypeWorkflow,
			Enabled:  true,
			Priority: 10,
			Criteria: []Criterion{
				{Field: "trade.source", Operator: OpEquals, Value: string(types.TradeSourceAutomated)},
				{Field: "enrichment.status", Operator: OpEquals, Value: string(types.EnrichmentComplete)},
			},
			Actions: []Action{
				{Type: ActionSetWorkflowStatus, Value: string(types.WorkflowApproved)},
			},
		},
		{
			ID:       "wf-manual-requires-approval",
			Type:     RuleTypeWorkflow,
			Enabled:  true,
			Priority: 20,
			Criteria: []Criterion{
				{Field: "trade.source", Operator: OpEquals, Value: string(types.TradeSourceManual)},
			},
			Actions: []Action{
				{Type: ActionSetWorkflowStatus, Value: string(types.WorkflowPendingApproval)},
			},
		},
	}
}
