package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/bnema/gantry/internal/logging"
	"github.com/bnema/gantry/pkg/engine"
)

const defaultFileMode = 0o644

// CopyToContainer writes files into a created container as one tar archive
// extracted at the filesystem root.
func (e *Engine) CopyToContainer(ctx context.Context, containerID string, files []engine.File) error {
	_, log := logCtx(ctx, "CopyToContainer", map[string]any{
		logging.FieldEntityID: containerID,
		"files":               len(files),
	})
	if len(files) == 0 {
		return nil
	}

	archive, err := tarFiles(files)
	if err != nil {
		return logging.WrapErr(log, err, "failed to build file archive")
	}
	if err := e.client.CopyToContainer(ctx, containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return wrapErr(log, err, "failed to copy files to container")
	}

	log.Debug().Msg("files copied to container")
	return nil
}

func tarFiles(files []engine.File) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	for _, f := range files {
		name := strings.TrimPrefix(path.Clean(f.Path), "/")
		if name == "" || name == "." {
			return nil, fmt.Errorf("invalid container path %q", f.Path)
		}
		mode := f.Mode
		if mode == 0 {
			mode = defaultFileMode
		}
		hdr := &tar.Header{
			Name:    name,
			Mode:    mode,
			Size:    int64(len(f.Content)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// ContainerLogs returns stdout and stderr of a container merged into one
// plain stream.
func (e *Engine) ContainerLogs(ctx context.Context, containerID string, follow bool) (io.ReadCloser, error) {
	_, log := logCtx(ctx, "ContainerLogs", map[string]any{logging.FieldEntityID: containerID})

	raw, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	})
	if err != nil {
		return nil, wrapErr(log, err, "failed to get container logs")
	}
	return demux(raw), nil
}

// demux strips the multiplexing headers of a non-TTY stream.
func demux(raw io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		_ = raw.Close()
		_ = pw.CloseWithError(err)
	}()
	return &demuxed{PipeReader: pr, raw: raw}
}

type demuxed struct {
	*io.PipeReader
	raw io.Closer
}

// Close also closes the engine stream so the copying goroutine ends.
func (d *demuxed) Close() error {
	return errors.Join(d.PipeReader.Close(), d.raw.Close())
}

// Exec runs cmd in a running container and collects its output.
func (e *Engine) Exec(ctx context.Context, containerID string, cmd []string) (*engine.ExecResult, error) {
	_, log := logCtx(ctx, "Exec", map[string]any{
		logging.FieldEntityID: containerID,
		"cmd":                 cmd,
	})
	if len(cmd) == 0 {
		return nil, errors.New("exec requires a command")
	}

	created, err := e.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, wrapErr(log, err, "failed to create exec")
	}

	attached, err := e.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, wrapErr(log, err, "failed to attach exec")
	}
	defer attached.Close()

	stdout, stderr, err := parseExecOutput(attached.Reader)
	if err != nil {
		return nil, logging.WrapErr(log, err, "failed to read exec output")
	}

	inspect, err := e.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, wrapErr(log, err, "failed to inspect exec")
	}

	log.Debug().Int("exit_code", inspect.ExitCode).Msg("exec finished")
	return &engine.ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout, Stderr: stderr}, nil
}

func parseExecOutput(r io.Reader) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, r); err != nil {
		return nil, nil, err
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}
