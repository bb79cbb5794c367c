package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRules = `
rules:
  - id: high-priority-rule
    name: High priority work
    priority: 1
    conditions:
      - {field: priority, operator: equals, value: HIGH}
    steps:
      - {order: 1, level: ELEVATED, approvers: [manager-1, manager-2], isParallel: true}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writeConfig creates a memory-driver config that points at rulesPath.
func writeConfig(t *testing.T, dir, rulesPath string) string {
	t.Helper()
	return writeFile(t, dir, "config.yaml", `
service:
  environment: development
storage:
  driver: memory
workflow:
  rules_file: `+rulesPath+`
logger:
  level: error
`)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRulesValidate(t *testing.T) {
	dir := t.TempDir()
	rulesPath := writeFile(t, dir, "rules.yaml", testRules)
	cfgPath := writeConfig(t, dir, rulesPath)

	out, err := execute(t, "rules", "validate", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "high-priority-rule")
	assert.Contains(t, out, "1 rules OK")
}

func TestRulesValidateReportsErrors(t *testing.T) {
	dir := t.TempDir()
	rulesPath := writeFile(t, dir, "rules.yaml", testRules)
	broken := writeFile(t, dir, "broken.yaml", `
rules:
  - id: broken
    name: Broken
    conditions:
      - {field: priority, operator: between, value: HIGH}
    steps: []
`)
	cfgPath := writeConfig(t, dir, rulesPath)

	_, err := execute(t, "rules", "validate", broken, "--config", cfgPath)
	assert.Error(t, err)
}

func TestRulesSyncRequiresPostgres(t *testing.T) {
	dir := t.TempDir()
	rulesPath := writeFile(t, dir, "rules.yaml", testRules)
	cfgPath := writeConfig(t, dir, rulesPath)

	_, err := execute(t, "rules", "sync", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestEscalateOnceWithMemoryStorage(t *testing.T) {
	dir := t.TempDir()
	rulesPath := writeFile(t, dir, "rules.yaml", testRules)
	cfgPath := writeConfig(t, dir, rulesPath)

	_, err := execute(t, "escalate", "--once", "--config", cfgPath)
	assert.NoError(t, err)
}

func TestMissingConfigFileFails(t *testing.T) {
	_, err := execute(t, "rules", "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
