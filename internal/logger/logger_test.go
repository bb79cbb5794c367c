package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithServiceFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Environment: "production", ServiceName: "ops-approvals", Version: "1.2.3", Output: &buf})

	log.Named("matcher").Info().Str("rule_id", "r1").Msg("rule skipped")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ops-approvals", line["service"])
	assert.Equal(t, "1.2.3", line["version"])
	assert.Equal(t, "matcher", line["component"])
	assert.Equal(t, "r1", line["rule_id"])
	assert.Equal(t, "info", line["level"])
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "bogus", Output: &buf})
	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
}
