package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/gantry/internal/config"
)

func TestSetup_JSONToStderr(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := setup(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug().Msg("hidden")
	logger.Info().Str("resource", "db").Msg("visible")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "db", entry["resource"])
	assert.Equal(t, "info", entry["level"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestSetup_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := setup(config.LoggingConfig{Level: "debug", Format: "console"}, &buf)
	require.NoError(t, err)

	logger.Info().Msg("provisioned")
	assert.Contains(t, buf.String(), "provisioned")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
	assert.NotContains(t, buf.String(), "\x1b[", "no colors when not writing to a terminal")
}

func TestSetup_FileLogging(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "gantry.log")

	var buf bytes.Buffer
	logger, closer, err := setup(config.LoggingConfig{
		Level:  "info",
		Format: "console",
		File: config.LogFileConfig{
			Enabled:    true,
			Path:       logPath,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}, &buf)
	require.NoError(t, err)

	logger.Info().Msg("to both")
	require.NoError(t, closer.Close())

	assert.DirExists(t, filepath.Dir(logPath))
	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"message":"to both"`)
	assert.Contains(t, buf.String(), "to both")
}

func TestSetup_InvalidLogLevel(t *testing.T) {
	_, _, err := setup(config.LoggingConfig{Level: "loud", Format: "json"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := logger.WithContext(context.Background())

	ctx = WithFields(ctx, map[string]any{FieldLayer: "adapter", FieldAction: "Start"})
	ctx = WithField(ctx, FieldResource, "db")
	FromCtx(ctx).Info().Msg("started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "adapter", entry[FieldLayer])
	assert.Equal(t, "Start", entry[FieldAction])
	assert.Equal(t, "db", entry[FieldResource])
}

func TestWrapErr(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	cause := errors.New("boom")

	err := WrapErr(&logger, cause, "failed to start")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "failed to start: boom", err.Error())
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestFromCtxWithoutLoggerIsDisabled(t *testing.T) {
	assert.Equal(t, zerolog.Disabled, FromCtx(context.Background()).GetLevel())
}
