// Package docker implements engine.Engine on the Docker API.
package docker

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/bnema/gantry/internal/logging"
	"github.com/bnema/gantry/pkg/engine"
)

// Ensure Engine implements engine.Engine.
var _ engine.Engine = (*Engine)(nil)

// Options configures the Docker engine.
type Options struct {
	// Host overrides DOCKER_HOST. Empty uses the environment.
	Host string
	// HostOverride is returned by Host instead of the address derived from
	// the daemon host, e.g. when tests run inside a container.
	HostOverride string
}

// Engine implements engine.Engine using the Docker API.
type Engine struct {
	client       *client.Client
	hostOverride string
}

// New creates a Docker engine from the environment and opts.
func New(opts Options) (*Engine, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Engine{client: cli, hostOverride: opts.HostOverride}, nil
}

// NewWithClient creates an engine around an existing client (for testing).
func NewWithClient(cli *client.Client) *Engine {
	return &Engine{client: cli}
}

// Close releases the underlying client.
func (e *Engine) Close() error {
	return e.client.Close()
}

func logCtx(ctx context.Context, action string, fields map[string]any) (context.Context, *zerolog.Logger) {
	all := map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "docker",
		logging.FieldAction:  action,
	}
	maps.Copy(all, fields)
	ctx = logging.WithFields(ctx, all)
	return ctx, logging.FromCtx(ctx)
}

// wrapErr maps engine not-found errors to engine.ErrNotFound. Those are
// expected during cleanup and only logged at debug level.
func wrapErr(log *zerolog.Logger, err error, msg string) error {
	if cerrdefs.IsNotFound(err) {
		log.Debug().Err(err).Msg(msg)
		return fmt.Errorf("%s: %w: %w", msg, engine.ErrNotFound, err)
	}
	return logging.WrapErr(log, err, msg)
}

// InspectImage returns local image metadata.
func (e *Engine) InspectImage(ctx context.Context, ref string) (*engine.ImageData, error) {
	_, log := logCtx(ctx, "InspectImage", map[string]any{"image": ref})

	resp, err := e.client.ImageInspect(ctx, ref)
	if err != nil {
		return nil, wrapErr(log, err, "failed to inspect image")
	}

	data := &engine.ImageData{
		ID:          resp.ID,
		RepoTags:    resp.RepoTags,
		RepoDigests: resp.RepoDigests,
	}
	if resp.Created != "" {
		created, err := time.Parse(time.RFC3339Nano, resp.Created)
		if err != nil {
			log.Debug().Err(err).Str("created", resp.Created).Msg("unparsable image creation time")
		} else {
			data.Created = created
		}
	}
	return data, nil
}

// PullImage pulls an image and waits for the pull to finish.
func (e *Engine) PullImage(ctx context.Context, ref string) error {
	_, log := logCtx(ctx, "PullImage", map[string]any{"image": ref})
	log.Info().Msg("pulling image")

	reader, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return wrapErr(log, err, "failed to pull image")
	}
	defer reader.Close()

	// the pull only completes once the progress stream is drained, and a
	// failing pull reports its error inside the stream
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return logging.WrapErr(log, err, "failed to pull image")
	}

	log.Info().Msg("image pulled successfully")
	return nil
}

// CreateContainer creates a container. The first network is attached at
// create time, the others right after.
func (e *Engine) CreateContainer(ctx context.Context, cfg *engine.ContainerConfig) (string, error) {
	ctx, log := logCtx(ctx, "CreateContainer", map[string]any{
		"container_name": cfg.Name,
		"image":          cfg.Image,
	})

	exposedPorts, portBindings, err := portSpecs(cfg)
	if err != nil {
		return "", err
	}

	containerConfig := &container.Config{
		Image:        cfg.Image,
		Env:          envList(cfg.Env),
		Cmd:          cfg.Cmd,
		Entrypoint:   cfg.Entrypoint,
		ExposedPorts: exposedPorts,
		Labels:       cfg.Labels,
	}
	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		AutoRemove:   cfg.AutoRemove,
		Binds:        cfg.Binds,
		Links:        cfg.Links,
		Privileged:   cfg.Privileged,
	}

	var networkConfig *network.NetworkingConfig
	if len(cfg.Networks) > 0 {
		first := cfg.Networks[0]
		hostConfig.NetworkMode = container.NetworkMode(first.Network)
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				first.Network: {Aliases: first.Aliases},
			},
		}
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, cfg.Name)
	if err != nil {
		return "", wrapErr(log, err, "failed to create container")
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("warning", w).Msg("engine warning on create")
	}

	for _, att := range cfg.Networks[min(1, len(cfg.Networks)):] {
		err := e.client.NetworkConnect(ctx, att.Network, resp.ID, &network.EndpointSettings{Aliases: att.Aliases})
		if err != nil {
			_ = e.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
			return "", wrapErr(log, err, "failed to connect container to network "+att.Network)
		}
	}

	log.Info().Str(logging.FieldEntityID, resp.ID).Msg("container created")
	return resp.ID, nil
}

func portSpecs(cfg *engine.ContainerConfig) (nat.PortSet, nat.PortMap, error) {
	exposed := make(nat.PortSet, len(cfg.ExposedPorts))
	bindings := make(nat.PortMap, len(cfg.ExposedPorts))
	for _, p := range cfg.ExposedPorts {
		proto, port := nat.SplitProtoPort(p)
		natPort, err := nat.NewPort(proto, port)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
		exposed[natPort] = struct{}{}
		bindings[natPort] = []nat.PortBinding{{HostPort: cfg.PortBindings[p]}}
	}
	return exposed, bindings, nil
}

func envList(env map[string]string) []string {
	keys := slices.Sorted(maps.Keys(env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// StartContainer starts a container.
func (e *Engine) StartContainer(ctx context.Context, containerID string) error {
	_, log := logCtx(ctx, "StartContainer", map[string]any{logging.FieldEntityID: containerID})

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return wrapErr(log, err, "failed to start container")
	}

	log.Info().Msg("container started")
	return nil
}

// StopContainer stops a container, killing it after timeout.
func (e *Engine) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	_, log := logCtx(ctx, "StopContainer", map[string]any{logging.FieldEntityID: containerID})

	secs := int(timeout.Seconds())
	if err := e.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return wrapErr(log, err, "failed to stop container")
	}

	log.Info().Msg("container stopped")
	return nil
}

// RemoveContainer force-removes a container and its anonymous volumes.
func (e *Engine) RemoveContainer(ctx context.Context, containerID string) error {
	_, log := logCtx(ctx, "RemoveContainer", map[string]any{logging.FieldEntityID: containerID})

	err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		return wrapErr(log, err, "failed to remove container")
	}

	log.Info().Msg("container removed")
	return nil
}

// InspectContainer returns the state, port bindings and endpoints of a container.
func (e *Engine) InspectContainer(ctx context.Context, containerID string) (*engine.ContainerInfo, error) {
	_, log := logCtx(ctx, "InspectContainer", map[string]any{logging.FieldEntityID: containerID})

	resp, err := e.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, wrapErr(log, err, "failed to inspect container")
	}

	info := &engine.ContainerInfo{
		ID:       resp.ID,
		Name:     strings.TrimPrefix(resp.Name, "/"),
		Ports:    map[string]int{},
		Networks: map[string]engine.Endpoint{},
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
		info.Labels = resp.Config.Labels
		info.State.HasHealthcheck = hasHealthcheck(resp.Config.Healthcheck)
	}
	if resp.State != nil {
		info.State.Status = resp.State.Status
		info.State.Running = resp.State.Running
		info.State.ExitCode = resp.State.ExitCode
		if info.State.HasHealthcheck && resp.State.Health != nil {
			info.State.Health = resp.State.Health.Status
		}
	}
	if resp.NetworkSettings != nil {
		for port, bindings := range resp.NetworkSettings.Ports {
			for _, b := range bindings {
				if hostPort, err := strconv.Atoi(b.HostPort); err == nil && hostPort > 0 {
					info.Ports[string(port)] = hostPort
					break
				}
			}
		}
		for name, ep := range resp.NetworkSettings.Networks {
			if ep == nil {
				continue
			}
			info.Networks[name] = engine.Endpoint{IPAddress: ep.IPAddress, Aliases: ep.Aliases}
		}
	}
	return info, nil
}

// hasHealthcheck reports whether the container declares an enabled healthcheck.
func hasHealthcheck(hc *container.HealthConfig) bool {
	return hc != nil && len(hc.Test) > 0 && hc.Test[0] != "NONE"
}

// ListContainers lists every container, running or not, carrying all labels.
func (e *Engine) ListContainers(ctx context.Context, labels map[string]string) ([]*engine.ContainerInfo, error) {
	_, log := logCtx(ctx, "ListContainers", nil)

	containers, err := e.client.ContainerList(ctx, container.ListOptions{All: true, Filters: labelFilters(labels)})
	if err != nil {
		return nil, wrapErr(log, err, "failed to list containers")
	}

	result := make([]*engine.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, &engine.ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			State:  engine.ContainerState{Status: c.State, Running: c.State == "running"},
			Labels: c.Labels,
		})
	}
	return result, nil
}

func labelFilters(labels map[string]string) filters.Args {
	args := filters.NewArgs()
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		args.Add("label", k+"="+labels[k])
	}
	return args
}

// Host returns the address mapped ports are reachable on.
func (e *Engine) Host(context.Context) (string, error) {
	if e.hostOverride != "" {
		return e.hostOverride, nil
	}
	return hostFromDaemon(e.client.DaemonHost())
}

// hostFromDaemon derives the host of mapped ports from the daemon address.
// Local sockets publish on localhost.
func hostFromDaemon(daemonHost string) (string, error) {
	u, err := url.Parse(daemonHost)
	if err != nil {
		return "", fmt.Errorf("parse daemon host %q: %w", daemonHost, err)
	}
	switch u.Scheme {
	case "unix", "npipe", "":
		return "localhost", nil
	case "tcp", "http", "https", "ssh":
		if h := u.Hostname(); h != "" {
			return h, nil
		}
		return "localhost", nil
	default:
		return "", fmt.Errorf("unsupported daemon host scheme %q", u.Scheme)
	}
}

// Ping checks that the daemon answers.
func (e *Engine) Ping(ctx context.Context) error {
	_, log := logCtx(ctx, "Ping", nil)

	if _, err := e.client.Ping(ctx); err != nil {
		return wrapErr(log, err, "Docker ping failed")
	}
	return nil
}
