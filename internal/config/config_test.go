package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: memory
server:
  port: 9999
  shutdown_timeout: 5s
directory:
  mode: static
  approvers:
    - id: manager-1
      name: Maria Manager
      role: Operations Manager
workflow:
  rules_file: rules.yaml
  escalation_targets:
    ELEVATED: duty-manager
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 9086, cfg.Server.GRPCPort)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	require.Len(t, cfg.Directory.Approvers, 1)
	assert.Equal(t, "Maria Manager", cfg.Directory.Approvers[0].Name)
	assert.Equal(t, 24*time.Hour, cfg.Workflow.DefaultTimeout())
	assert.Equal(t, uint(3), cfg.Workflow.ConflictRetries)
	// viper lower-cases map keys
	assert.Equal(t, "duty-manager", cfg.Workflow.EscalationTargets["elevated"])
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: memory\n")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("WORKFLOW_DEFAULT_TIMEOUT_HOURS", "48")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 48*time.Hour, cfg.Workflow.DefaultTimeout())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad driver", "storage:\n  driver: sqlite\n"},
		{"http directory without url", "storage:\n  driver: memory\ndirectory:\n  mode: http\n"},
		{"database rules with memory", "storage:\n  driver: memory\nworkflow:\n  rules_source: database\n"},
		{"non-positive timeout", "storage:\n  driver: memory\nworkflow:\n  default_timeout_hours: 0\n"},
		{"production without auth key", "service:\n  environment: production\nstorage:\n  driver: memory\n"},
		{"staging without auth key", "service:\n  environment: staging\nstorage:\n  driver: memory\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestAuthKeyRequiredOutsideDevelopment(t *testing.T) {
	body := "service:\n  environment: production\nstorage:\n  driver: memory\n"

	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.public_key_path")

	keyPath := filepath.Join(t.TempDir(), "jwt.pub")
	require.NoError(t, os.WriteFile(keyPath, []byte("-----BEGIN PUBLIC KEY-----\n"), 0o600))
	cfg, err := Load(writeConfig(t, body+"auth:\n  public_key_path: "+keyPath+"\n"))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Auth.PublicKey)

	t.Setenv("AUTH_PUBLIC_KEY_DATA", "-----BEGIN PUBLIC KEY-----\n")
	_, err = Load(writeConfig(t, body))
	assert.NoError(t, err)

	for _, env := range []string{"development", "local"} {
		t.Setenv("AUTH_PUBLIC_KEY_DATA", "")
		_, err := Load(writeConfig(t, "service:\n  environment: "+env+"\nstorage:\n  driver: memory\n"))
		assert.NoError(t, err, env)
	}
}
