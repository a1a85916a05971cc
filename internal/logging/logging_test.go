package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn", false)

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Str("job_id", "REMINDER_1H-a1").Msg("too late")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "REMINDER_1H-a1", line["job_id"])
	assert.Equal(t, "clinicmsg", line["service"])
}

func TestNewWriter_UnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "loud", false)
	log.Debug().Msg("hidden")
	log.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.NotContains(t, buf.String(), "hidden")
}
