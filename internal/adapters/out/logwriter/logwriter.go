// Package logwriter captures container output into rotated files while an
// environment is up.
package logwriter

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bnema/gantry/internal/logging"
)

// Config holds the configuration for the log writer.
type Config struct {
	// Dir is the directory where container logs are stored.
	Dir string
	// MaxSize is the maximum size in megabytes before rotation.
	MaxSize int
	// MaxBackups is the number of old log files to retain.
	MaxBackups int
	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int
}

// ErrClosed is returned by StartLogging once the writer is closed.
var ErrClosed = errors.New("log writer closed")

// LogWriter copies followed container log streams into one file per resource.
type LogWriter struct {
	config  Config
	streams map[string]*streamInfo
	closed  bool
	mu      sync.Mutex
}

type streamInfo struct {
	containerID string
	resource    string
	logStream   io.ReadCloser
	logger      *lumberjack.Logger
	done        chan struct{}
}

// New creates a LogWriter, creating the log directory if needed.
func New(config Config) (*LogWriter, error) {
	if config.Dir == "" {
		return nil, errors.New("log directory is required")
	}
	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, err
	}
	return &LogWriter{
		config:  config,
		streams: make(map[string]*streamInfo),
	}, nil
}

// Path returns the file the logs of resource are written to.
func (w *LogWriter) Path(resource string) string {
	return filepath.Join(w.config.Dir, sanitizeName(resource)+".log")
}

// StartLogging copies logStream into the file of resource until the stream
// ends or StopLogging is called. The stream must carry plain text. The caller
// keeps ownership of logStream when an error is returned.
func (w *LogWriter) StartLogging(ctx context.Context, containerID, resource string, logStream io.ReadCloser) error {
	ctx = logging.WithFields(ctx, map[string]any{
		logging.FieldLayer:    "adapter",
		logging.FieldAdapter:  "logwriter",
		logging.FieldAction:   "StartLogging",
		logging.FieldEntityID: containerID,
		logging.FieldResource: resource,
	})
	log := logging.FromCtx(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if existing, ok := w.streams[containerID]; ok {
		log.Debug().Msg("stopping existing log stream before starting new one")
		stopStream(existing)
	}

	logPath := w.Path(resource)
	info := &streamInfo{
		containerID: containerID,
		resource:    resource,
		logStream:   logStream,
		logger: &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    w.config.MaxSize,
			MaxBackups: w.config.MaxBackups,
			MaxAge:     w.config.MaxAge,
			Compress:   true,
		},
		done: make(chan struct{}),
	}
	w.streams[containerID] = info

	go func() {
		defer close(info.done)
		if _, err := io.Copy(info.logger, info.logStream); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debug().Err(err).Msg("container log stream ended with error")
		}
	}()

	log.Info().Str("path", logPath).Msg("started container log collection")
	return nil
}

// StopLogging stops log collection for a container.
func (w *LogWriter) StopLogging(containerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if info, ok := w.streams[containerID]; ok {
		stopStream(info)
		delete(w.streams, containerID)
	}
}

// Close stops all streams and closes their files.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	var errs []error
	for containerID, info := range w.streams {
		errs = append(errs, stopStream(info))
		delete(w.streams, containerID)
	}
	return errors.Join(errs...)
}

// stopStream closes the stream to unblock the copy, then the file.
func stopStream(info *streamInfo) error {
	_ = info.logStream.Close()
	<-info.done
	return info.logger.Close()
}

func sanitizeName(name string) string {
	return strings.NewReplacer(".", "_", "/", "_", ":", "_", " ", "_").Replace(name)
}
