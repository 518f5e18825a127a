package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLogger returns a redacting JSON logger writing into buf.
func captureLogger(buf *bytes.Buffer) *slog.Logger {
	base := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(&RedactingHandler{base: base})
}

func logged(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestRedaction_AuthHeaders(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf)

	logger.Info("provider call",
		slog.String("Authorization", "Bearer sk-live-xyz"),
		slog.String("x-api-key", "sk-ant-abc"))

	m := logged(t, &buf)
	assert.Equal(t, "[REDACTED]", m["Authorization"])
	assert.Equal(t, "[REDACTED]", m["x-api-key"])
}

func TestRedaction_KeyTokenSecretPasswordAttributes(t *testing.T) {
	cases := []string{"api_key", "openai_key", "access_token", "client_secret", "db_password"}
	for _, key := range cases {
		t.Run(key, func(t *testing.T) {
			var buf bytes.Buffer
			logger := captureLogger(&buf)
			logger.Info("msg", slog.String(key, "sensitive-value"))
			assert.Equal(t, "[REDACTED]", logged(t, &buf)[key])
		})
	}
}

func TestRedaction_BodyAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf)
	logger.Info("msg", slog.String("request_body", `{"text": "user content"}`))
	assert.Equal(t, "[REDACTED]", logged(t, &buf)["request_body"])
}

func TestRedaction_PreservesIdentifyingFields(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf)

	logger.Info("task finished",
		slog.String("share_id", "s1"),
		slog.String("task_type", "summarize"),
		slog.Float64("billing_usd", 0.0042))

	m := logged(t, &buf)
	assert.Equal(t, "s1", m["share_id"])
	assert.Equal(t, "summarize", m["task_type"])
	assert.Equal(t, 0.0042, m["billing_usd"])
}

func TestRedaction_AppliesToWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf).With(slog.String("provider_key", "sk-oops"))
	logger.Info("msg")
	assert.Equal(t, "[REDACTED]", logged(t, &buf)["provider_key"])
}

func TestRedaction_SurvivesGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf).WithGroup("dispatch")
	logger.Info("msg", slog.String("api_key", "sk-x"), slog.String("model", "gpt-4"))

	m := logged(t, &buf)
	group, ok := m["dispatch"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", group["api_key"])
	assert.Equal(t, "gpt-4", group["model"])
}

func TestSetup_ReturnsRedactingDefaultLogger(t *testing.T) {
	logger := Setup("debug")
	require.NotNil(t, logger)
	assert.Same(t, logger, slog.Default())
	_, ok := logger.Handler().(*RedactingHandler)
	assert.True(t, ok)
}

func TestSetLevel_DynamicChange(t *testing.T) {
	SetLevel("error")
	assert.Equal(t, slog.LevelError, globalLevel.Level())
	SetLevel("debug")
	assert.Equal(t, slog.LevelDebug, globalLevel.Level())
	SetLevel("nonsense")
	assert.Equal(t, slog.LevelInfo, globalLevel.Level())
}

func TestTaskLogger_SuccessAndFailureLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf)

	TaskLogger(logger, "summarize", "s1", "c1", time.Now(), "success", nil)
	m := logged(t, &buf)
	assert.Equal(t, "task_completed", m["msg"])
	assert.Equal(t, "INFO", m["level"])
	assert.Equal(t, "success", m["status"])

	buf.Reset()
	TaskLogger(logger, "summarize", "s1", "c1", time.Now(), "failure", errors.New("boom"))
	m = logged(t, &buf)
	assert.Equal(t, "WARN", m["level"])
	assert.Equal(t, "boom", m["error"])
}
