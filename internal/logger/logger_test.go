package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Environment: "production", ServiceName: "sterilization-trace", Version: "1.2.0", Output: &buf})

	log.Component("recorder").Debug().Str("cycle_id", "c1").Msg("recorded")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "sterilization-trace", line["service"])
	assert.Equal(t, "1.2.0", line["version"])
	assert.Equal(t, "recorder", line["component"])
	assert.Equal(t, "c1", line["cycle_id"])
	assert.Equal(t, "debug", line["level"])
}

func TestNewDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "nonsense", Output: &buf})

	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
