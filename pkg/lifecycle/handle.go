package lifecycle

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/bnema/gantry/pkg/engine"
	"github.com/bnema/gantry/pkg/resource"
	"github.com/bnema/gantry/pkg/wait"
)

var _ wait.Target = (*Handle)(nil)

// Handle is the live view of one provisioned resource. It is owned by the
// Lifecycle that created it and safe for concurrent reads.
type Handle struct {
	engine engine.Engine
	spec   resource.Spec
	ports  []string // normalised exposed ports

	mu         sync.RWMutex
	id         string
	engineName string
	host       string
	state      resource.State
	started    bool
	mapped     map[string]int
	endpoints  map[string]engine.Endpoint
	err        error
}

func newHandle(spec resource.Spec, eng engine.Engine, engineName string) *Handle {
	ports, _ := spec.NormalizedPorts()
	return &Handle{
		engine:     eng,
		spec:       spec,
		ports:      ports,
		engineName: engineName,
		state:      resource.StateDefined,
		mapped:     map[string]int{},
		endpoints:  map[string]engine.Endpoint{},
	}
}

// Name returns the logical name from the spec.
func (h *Handle) Name() string { return h.spec.Name }

// Kind returns the resource kind.
func (h *Handle) Kind() resource.Kind {
	if h.spec.Kind == "" {
		return resource.KindContainer
	}
	return h.spec.Kind
}

// Spec returns a copy of the spec the resource was created from.
func (h *Handle) Spec() resource.Spec { return h.spec.Clone() }

// ID returns the engine id, empty until the resource is created.
func (h *Handle) ID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.id
}

// EngineName returns the name the resource carries on the engine.
func (h *Handle) EngineName() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engineName
}

// State returns the current lifecycle state.
func (h *Handle) State() resource.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the cause of the failure when the resource failed.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// ExposedPorts returns the normalised container ports.
func (h *Handle) ExposedPorts() []string { return slices.Clone(h.ports) }

// Host returns the address under which mapped ports are reachable.
func (h *Handle) Host(ctx context.Context) (string, error) {
	h.mu.RLock()
	host, removed := h.host, h.state == resource.StateRemoved
	h.mu.RUnlock()
	if removed {
		return "", resource.ErrRemoved
	}
	if host != "" {
		return host, nil
	}

	host, err := h.engine.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve engine host: %w", err)
	}
	h.mu.Lock()
	h.host = host
	h.mu.Unlock()
	return host, nil
}

// MappedPort returns the host port bound to the container port ("80" or "80/tcp").
func (h *Handle) MappedPort(ctx context.Context, port string) (int, error) {
	key, err := engine.NormalizePort(port)
	if err != nil {
		return 0, err
	}

	id, err := h.containerID()
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	p, ok := h.mapped[key]
	h.mu.RUnlock()
	if ok {
		return p, nil
	}

	// bindings can show up after the start call returned
	if err := h.refresh(ctx, id); err != nil {
		return 0, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if p, ok := h.mapped[key]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("port %s of %s is not mapped", key, h.spec.Name)
}

// Endpoint returns "host:port" for a container port.
func (h *Handle) Endpoint(ctx context.Context, port string) (string, error) {
	host, err := h.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := h.MappedPort(ctx, port)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(mapped)), nil
}

// MappedPorts returns every recorded port binding.
func (h *Handle) MappedPorts() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return maps.Clone(h.mapped)
}

// NetworkEndpoint returns the address of the container on an engine network.
func (h *Handle) NetworkEndpoint(network string) (engine.Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ep, ok := h.endpoints[network]
	return ep, ok
}

// Logs returns a snapshot of the container output.
func (h *Handle) Logs(ctx context.Context) (io.ReadCloser, error) {
	id, err := h.containerID()
	if err != nil {
		return nil, err
	}
	return h.engine.ContainerLogs(ctx, id, false)
}

// FollowLogs streams the container output until ctx ends or the container stops.
func (h *Handle) FollowLogs(ctx context.Context) (io.ReadCloser, error) {
	id, err := h.containerID()
	if err != nil {
		return nil, err
	}
	return h.engine.ContainerLogs(ctx, id, true)
}

// ContainerState inspects the container process.
func (h *Handle) ContainerState(ctx context.Context) (*engine.ContainerState, error) {
	id, err := h.containerID()
	if err != nil {
		return nil, err
	}
	info, err := h.engine.InspectContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	state := info.State
	return &state, nil
}

// Exec runs a command inside the container.
func (h *Handle) Exec(ctx context.Context, cmd []string) (*engine.ExecResult, error) {
	id, err := h.containerID()
	if err != nil {
		return nil, err
	}
	return h.engine.Exec(ctx, id, cmd)
}

func (h *Handle) containerID() (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch {
	case h.state == resource.StateRemoved:
		return "", resource.ErrRemoved
	case h.spec.IsNetwork():
		return "", fmt.Errorf("%s is a network", h.spec.Name)
	case h.id == "":
		return "", fmt.Errorf("%s has not been created", h.spec.Name)
	}
	return h.id, nil
}

// refresh records port bindings and network endpoints from an inspection.
func (h *Handle) refresh(ctx context.Context, id string) error {
	info, err := h.engine.InspectContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", h.spec.Name, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for p, host := range info.Ports {
		if host > 0 {
			h.mapped[p] = host
		}
	}
	for n, ep := range info.Networks {
		h.endpoints[n] = ep
	}
	return nil
}

func (h *Handle) allPortsMapped() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.ports {
		if _, ok := h.mapped[p]; !ok {
			return false
		}
	}
	return true
}

func (h *Handle) setCreated(id string) {
	h.mu.Lock()
	h.id = id
	h.mu.Unlock()
}

func (h *Handle) markStarted() {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
}

func (h *Handle) wasStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// setState moves the handle to the next state if the state machine allows it.
func (h *Handle) setState(to resource.State, cause error) (resource.State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	from := h.state
	if err := resource.CheckTransition(from, to); err != nil {
		return from, fmt.Errorf("%s: %w", h.spec.Name, err)
	}
	h.state = to
	if to == resource.StateFailed {
		h.err = cause
	}
	if to == resource.StateRemoved {
		h.mapped = map[string]int{}
		h.endpoints = map[string]engine.Endpoint{}
	}
	return from, nil
}
