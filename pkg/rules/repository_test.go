package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRepositoryLoadsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: wf-reject-restricted-books
    type: WORKFLOW
    enabled: true
    priority: 5
    criteria:
      - field: trade.bookId
        operator: EQUALS
        value: RESTRICTED
    actions:
      - type: SET_WORKFLOW_STATUS
        value: REJECTED
`), 0o644))

	repo := NewFileRepository(path)
	rules, err := repo.LoadRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "wf-reject-restricted-books", rules[0].ID)
	assert.Equal(t, RuleTypeWorkflow, rules[0].Type)
	assert.Equal(t, 5, rules[0].Priority)
	require.Len(t, rules[0].Criteria, 1)
	assert.Equal(t, OpEquals, rules[0].Criteria[0].Operator)
	require.Len(t, rules[0].Actions, 1)
	assert.Equal(t, ActionSetWorkflowStatus, rules[0].Actions[0].Type)
}

func TestFileRepositoryMissingFileUsesDefaults(t *testing.T) {
	repo := NewFileRepository("/nonexistent/rules.yaml")
	rules, err := repo.LoadRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(DefaultRules()), len(rules))
}

func TestFileRepositoryMalformedYAMLFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: ["), 0o644))
	_, err := NewFileRepository(path).LoadRules(context.Background())
	assert.Error(t, err)
}
