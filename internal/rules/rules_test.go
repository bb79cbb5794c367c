package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

const exampleRules = `
rules:
  - id: high-priority-rule
    name: High priority work
    priority: 1
    conditions:
      - field: priority
        operator: equals
        value: HIGH
    steps:
      - order: 1
        level: ELEVATED
        approvers: [manager-1, manager-2]
        requiredApprovals: 2
        isParallel: true
        canDelegate: true
  - id: high-cost-rule
    name: High cost work
    priority: 2
    conditions:
      - field: cost
        operator: greater_than
        value: 10000
    steps:
      - order: 1
        level: EXECUTIVE
        approvers: [finance-manager]
        timeoutHours: 48
  - id: emergency-rule
    name: Emergency work
    priority: 0
    conditions:
      - field: type
        operator: equals
        value: EMERGENCY
    steps:
      - order: 1
        level: STANDARD
        approvers: [duty-manager]
  - id: tenant-only
    organizationId: org-2
    name: Tenant specific
    isActive: false
    conditions:
      - field: location
        operator: in
        value: [T1, T2]
    steps:
      - level: STANDARD
        approvers: [tenant-lead]
`

func TestParseExampleRules(t *testing.T) {
	parsed, err := Parse([]byte(exampleRules))
	require.NoError(t, err)
	require.Len(t, parsed, 4)
	require.NoError(t, ValidateAll(parsed))

	hp := parsed[0]
	assert.Equal(t, "high-priority-rule", hp.ID)
	assert.True(t, hp.IsActive)
	assert.Equal(t, repository.OpEquals, hp.Conditions[0].Operator)
	assert.Equal(t, "HIGH", hp.Conditions[0].Value)
	require.Len(t, hp.Steps, 1)
	assert.Equal(t, repository.LevelElevated, hp.Steps[0].Level)
	assert.True(t, hp.Steps[0].IsParallel)
	assert.Equal(t, []string{"manager-1", "manager-2"}, hp.Steps[0].Approvers)

	hc := parsed[1]
	require.NotNil(t, hc.Steps[0].TimeoutHours)
	assert.Equal(t, 48, *hc.Steps[0].TimeoutHours)
	n, ok := ToNumber(hc.Conditions[0].Value)
	require.True(t, ok)
	assert.Equal(t, 10000.0, n)

	assert.False(t, parsed[3].IsActive)
	assert.Equal(t, []any{"T1", "T2"}, parsed[3].Conditions[0].Value)
}

func TestFileSourceFiltersByOrganizationAndActive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(exampleRules), 0o600))

	src, err := NewFileSource(path)
	require.NoError(t, err)

	active, err := src.ActiveRules(context.Background(), "org-2")
	require.NoError(t, err)
	var ids []string
	for _, r := range active {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"high-priority-rule", "high-cost-rule", "emergency-rule"}, ids)
	assert.Len(t, src.All(), 4)
}

func TestValidateRejectsBadRules(t *testing.T) {
	zero := 0
	tests := []struct {
		name string
		rule repository.ApprovalRule
		want string
	}{
		{
			name: "no conditions",
			rule: repository.ApprovalRule{ID: "r", Name: "r", Steps: []repository.ApprovalStep{{Level: repository.LevelStandard, Approvers: []string{"a"}}}},
			want: "at least one condition",
		},
		{
			name: "unknown operator",
			rule: repository.ApprovalRule{ID: "r", Name: "r",
				Conditions: []repository.Condition{{Field: "cost", Operator: "between", Value: 1}},
				Steps:      []repository.ApprovalStep{{Level: repository.LevelStandard, Approvers: []string{"a"}}}},
			want: "unknown operator",
		},
		{
			name: "non numeric greater_than",
			rule: repository.ApprovalRule{ID: "r", Name: "r",
				Conditions: []repository.Condition{{Field: "cost", Operator: repository.OpGreaterThan, Value: "lots"}},
				Steps:      []repository.ApprovalStep{{Level: repository.LevelStandard, Approvers: []string{"a"}}}},
			want: "needs a numeric value",
		},
		{
			name: "in without list",
			rule: repository.ApprovalRule{ID: "r", Name: "r",
				Conditions: []repository.Condition{{Field: "type", Operator: repository.OpIn, Value: "A"}},
				Steps:      []repository.ApprovalStep{{Level: repository.LevelStandard, Approvers: []string{"a"}}}},
			want: "needs a list value",
		},
		{
			name: "step without approvers",
			rule: repository.ApprovalRule{ID: "r", Name: "r",
				Conditions: []repository.Condition{{Field: "type", Operator: repository.OpEquals, Value: "A"}},
				Steps:      []repository.ApprovalStep{{Level: repository.LevelStandard}}},
			want: "at least one approver",
		},
		{
			name: "bad timeout",
			rule: repository.ApprovalRule{ID: "r", Name: "r",
				Conditions: []repository.Condition{{Field: "type", Operator: repository.OpEquals, Value: "A"}},
				Steps:      []repository.ApprovalStep{{Level: repository.LevelStandard, Approvers: []string{"a"}, TimeoutHours: &zero}}},
			want: "timeoutHours must be positive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.rule)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateAllDuplicateIDs(t *testing.T) {
	parsed, err := Parse([]byte(exampleRules))
	require.NoError(t, err)
	parsed = append(parsed, parsed[0])
	err = ValidateAll(parsed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate id")
}

func TestParseUnknownLevel(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - id: r
    steps:
      - level: SUPREME
        approvers: [a]
`))
	assert.Error(t, err)
}

func TestToNumber(t *testing.T) {
	for _, v := range []any{10, int64(10), 10.0, float32(10), "10", uint(10)} {
		n, ok := ToNumber(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, 10.0, n)
	}
	_, ok := ToNumber("ten")
	assert.False(t, ok)
	_, ok = ToNumber(nil)
	assert.False(t, ok)
}
