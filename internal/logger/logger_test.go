package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureLogLevel(t *testing.T) {
	defer log.SetLevel(logrus.InfoLevel)

	configureLogLevel("DEBUG")
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	configureLogLevel("nonsense")
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())

	configureLogLevel("")
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestInfoWithFieldsWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})

	InfoWithFields("job claimed", map[string]interface{}{"job_id": "j1", "attempt": 1})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "job claimed", line["msg"])
	assert.Equal(t, "j1", line["job_id"])
	assert.Equal(t, "info", line["level"])
}
