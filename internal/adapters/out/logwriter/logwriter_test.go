package logwriter

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("creates log directory", func(t *testing.T) {
		logDir := filepath.Join(t.TempDir(), "containers")

		writer, err := New(Config{Dir: logDir, MaxSize: 100, MaxBackups: 3, MaxAge: 28})
		require.NoError(t, err)
		defer writer.Close()

		info, err := os.Stat(logDir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("requires a directory", func(t *testing.T) {
		_, err := New(Config{})
		assert.Error(t, err)
	})
}

func TestStartLogging(t *testing.T) {
	logDir := t.TempDir()
	writer, err := New(Config{Dir: logDir, MaxSize: 100})
	require.NoError(t, err)
	defer writer.Close()

	stream := io.NopCloser(strings.NewReader("Hello from container\n"))
	require.NoError(t, writer.StartLogging(context.Background(), "container-123", "db", stream))

	logFile := filepath.Join(logDir, "db.log")
	assert.Equal(t, logFile, writer.Path("db"))
	assert.Eventually(t, func() bool {
		content, err := os.ReadFile(logFile)
		return err == nil && string(content) == "Hello from container\n"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStopLoggingUnblocksFollowedStream(t *testing.T) {
	writer, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	pr, pw := io.Pipe()
	require.NoError(t, writer.StartLogging(context.Background(), "c1", "api", pr))
	_, err = pw.Write([]byte("line\n"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		writer.StopLogging("c1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopLogging blocked on an open stream")
	}

	content, err := os.ReadFile(writer.Path("api"))
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(content))
	assert.NoError(t, writer.Close())
}

func TestStartLoggingAfterClose(t *testing.T) {
	writer, err := New(Config{Dir: t.TempDir(), MaxSize: 100})
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	err = writer.StartLogging(context.Background(), "container-123", "db", io.NopCloser(strings.NewReader("late\n")))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoFileExists(t, writer.Path("db"))
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"db", "db"},
		{"app.example.com", "app_example_com"},
		{"team/api:v1", "team_api_v1"},
		{"with space", "with_space"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeName(tt.input))
		})
	}
}
