// Package memory provides an in-memory engine. It backs the tests and dry
// runs: containers never run a process, but their ports, logs, health and exit
// codes follow configurable behaviors.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bnema/gantry/pkg/engine"
	"github.com/bnema/gantry/pkg/pullpolicy"
)

// Ensure Engine implements engine.Engine.
var _ engine.Engine = (*Engine)(nil)

// ErrConflict is returned when a name is already taken.
var ErrConflict = errors.New("name already in use")

// Behavior describes how containers of an image behave once started.
type Behavior struct {
	// Logs are emitted LogDelay after start.
	Logs     []string
	LogDelay time.Duration
	// Health is reported HealthDelay after start. Empty means no healthcheck.
	Health      string
	HealthDelay time.Duration
	// Exit makes the container exit with ExitCode right after start.
	Exit     bool
	ExitCode int
	// Listen binds real loopback listeners for the exposed tcp ports.
	Listen bool
	// Exec answers exec calls.
	Exec func(cmd []string) *engine.ExecResult

	PullErr   error
	CreateErr error
	StartErr  error
	StopErr   error
	RemoveErr error
}

// Event is one recorded engine call.
type Event struct {
	Op   string
	Name string
}

type container struct {
	id        string
	config    engine.ContainerConfig
	behavior  Behavior
	status    string
	exitCode  int
	startedAt time.Time
	ports     map[string]int
	listeners []net.Listener
	files     map[string][]byte
	networks  map[string]engine.Endpoint
}

type network struct {
	id     string
	config engine.NetworkConfig
}

// Engine is an in-memory engine.Engine.
type Engine struct {
	mu         sync.Mutex
	images     map[string]*engine.ImageData
	containers map[string]*container
	networks   map[string]*network
	behaviors  map[string]Behavior
	events     []Event
	seq        int
	nextPort   int
	nextIP     int
	host       string
	now        func() time.Time
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{
		images:     make(map[string]*engine.ImageData),
		containers: make(map[string]*container),
		networks:   make(map[string]*network),
		behaviors:  make(map[string]Behavior),
		nextPort:   32768,
		nextIP:     2,
		host:       "127.0.0.1",
		now:        time.Now,
	}
}

// SetBehavior configures containers created from image.
func (e *Engine) SetBehavior(image string, b Behavior) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.behaviors[pullpolicy.NormalizeReference(image)] = b
}

// AddImage makes an image available locally.
func (e *Engine) AddImage(ref string, created time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addImageLocked(ref, created)
}

func (e *Engine) addImageLocked(ref string, created time.Time) {
	key := pullpolicy.NormalizeReference(ref)
	img := &engine.ImageData{ID: "sha256:" + strconv.Itoa(len(e.images)+1), Created: created}
	if pullpolicy.IsDigestReference(ref) {
		img.RepoDigests = []string{ref}
	} else {
		img.RepoTags = []string{ref}
	}
	e.images[key] = img
}

// Events returns the recorded calls in order.
func (e *Engine) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.events)
}

// EventsFor returns the ops recorded for one container or network name.
func (e *Engine) EventsFor(name string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ops []string
	for _, ev := range e.events {
		if ev.Name == name {
			ops = append(ops, ev.Op)
		}
	}
	return ops
}

// ContainerCount returns the number of existing containers.
func (e *Engine) ContainerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.containers)
}

// NetworkCount returns the number of existing networks.
func (e *Engine) NetworkCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.networks)
}

// Files returns the files copied into a container.
func (e *Engine) Files(idOrName string) map[string][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.findContainerLocked(idOrName)
	if c == nil {
		return nil
	}
	return maps.Clone(c.files)
}

// Config returns the create request of a container.
func (e *Engine) Config(idOrName string) (engine.ContainerConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.findContainerLocked(idOrName)
	if c == nil {
		return engine.ContainerConfig{}, false
	}
	return c.config, true
}

// Kill makes a running container exit with code, as if its process died.
func (e *Engine) Kill(idOrName string, code int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.findContainerLocked(idOrName)
	if c == nil {
		return notFound("container", idOrName)
	}
	e.exitLocked(c, code)
	return nil
}

func (e *Engine) record(op, name string) {
	e.events = append(e.events, Event{Op: op, Name: name})
}

func (e *Engine) behaviorFor(image string) Behavior {
	return e.behaviors[pullpolicy.NormalizeReference(image)]
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, engine.ErrNotFound)
}

// InspectImage implements engine.Engine.
func (e *Engine) InspectImage(_ context.Context, ref string) (*engine.ImageData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, ok := e.images[pullpolicy.NormalizeReference(ref)]
	if !ok {
		return nil, notFound("image", ref)
	}
	c := *img
	return &c, nil
}

// PullImage implements engine.Engine.
func (e *Engine) PullImage(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("pull", ref)
	if err := e.behaviorFor(ref).PullErr; err != nil {
		return err
	}
	e.addImageLocked(ref, e.now())
	return nil
}

// CreateContainer implements engine.Engine.
func (e *Engine) CreateContainer(ctx context.Context, cfg *engine.ContainerConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.behaviorFor(cfg.Image)
	e.record("create", cfg.Name)
	if b.CreateErr != nil {
		return "", b.CreateErr
	}
	if _, ok := e.images[pullpolicy.NormalizeReference(cfg.Image)]; !ok {
		return "", notFound("image", cfg.Image)
	}
	if cfg.Name != "" && e.findContainerLocked(cfg.Name) != nil {
		return "", fmt.Errorf("container %s: %w", cfg.Name, ErrConflict)
	}

	endpoints := make(map[string]engine.Endpoint, len(cfg.Networks))
	for _, att := range cfg.Networks {
		n := e.findNetworkLocked(att.Network)
		if n == nil {
			return "", notFound("network", att.Network)
		}
		endpoints[n.config.Name] = engine.Endpoint{
			IPAddress: fmt.Sprintf("172.30.0.%d", e.nextIP),
			Aliases:   slices.Clone(att.Aliases),
		}
		e.nextIP++
	}

	e.seq++
	c := &container{
		id:       fmt.Sprintf("mem%012d", e.seq),
		config:   *cfg,
		behavior: b,
		status:   "created",
		ports:    map[string]int{},
		files:    map[string][]byte{},
		networks: endpoints,
	}
	c.config.Labels = maps.Clone(cfg.Labels)
	if c.config.Name == "" {
		c.config.Name = c.id
	}
	e.containers[c.id] = c
	return c.id, nil
}

// CopyToContainer implements engine.Engine.
func (e *Engine) CopyToContainer(_ context.Context, id string, files []engine.File) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.findContainerLocked(id)
	if c == nil {
		return notFound("container", id)
	}
	e.record("copy", c.config.Name)
	for _, f := range files {
		c.files[f.Path] = bytes.Clone(f.Content)
	}
	return nil
}

// StartContainer implements engine.Engine.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.findContainerLocked(id)
	if c == nil {
		return notFound("container", id)
	}
	e.record("start", c.config.Name)
	if c.behavior.StartErr != nil {
		return c.behavior.StartErr
	}

	for _, p := range c.config.ExposedPorts {
		if err := e.bindPortLocked(c, p); err != nil {
			e.releaseLocked(c)
			return err
		}
	}
	c.status = "running"
	c.startedAt = e.now()
	if c.behavior.Exit {
		e.exitLocked(c, c.behavior.ExitCode)
	}
	return nil
}

func (e *Engine) bindPortLocked(c *container, port string) error {
	pinned, _ := strconv.Atoi(c.config.PortBindings[port])

	if c.behavior.Listen && strings.HasSuffix(port, "/tcp") {
		addr := "127.0.0.1:" + strconv.Itoa(pinned)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("bind %s: %w", port, err)
		}
		go acceptAndClose(ln)
		c.listeners = append(c.listeners, ln)
		c.ports[port] = ln.Addr().(*net.TCPAddr).Port
		return nil
	}

	if pinned > 0 {
		c.ports[port] = pinned
		return nil
	}
	c.ports[port] = e.nextPort
	e.nextPort++
	return nil
}

func acceptAndClose(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = conn.Close()
	}
}

func (e *Engine) releaseLocked(c *container) {
	for _, ln := range c.listeners {
		_ = ln.Close()
	}
	c.listeners = nil
}

func (e *Engine) exitLocked(c *container, code int) {
	c.status = "exited"
	c.exitCode = code
	e.releaseLocked(c)
	if c.config.AutoRemove {
		delete(e.containers, c.id)
		e.record("autoremove", c.config.Name)
	}
}

// StopContainer implements engine.Engine.
func (e *Engine) StopContainer(_ context.Context, id string, _ time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.findContainerLocked(id)
	if c == nil {
		return notFound("container", id)
	}
	e.record("stop", c.config.Name)
	if c.behavior.StopErr != nil {
		return c.behavior.StopErr
	}
	if c.status == "running" {
		e.exitLocked(c, 137)
	}
	return nil
}

// RemoveContainer implements engine.Engine. Removal is forced.
func (e *Engine) RemoveContainer(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.findContainerLocked(id)
	if c == nil {
		return notFound("container", id)
	}
	e.record("remove", c.config.Name)
	if c.behavior.RemoveErr != nil {
		return c.behavior.RemoveErr
	}
	e.releaseLocked(c)
	delete(e.containers, c.id)
	return nil
}

// InspectContainer implements engine.Engine.
func (e *Engine) InspectContainer(_ context.Context, id string) (*engine.ContainerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.findContainerLocked(id)
	if c == nil {
		return nil, notFound("container", id)
	}
	return e.infoLocked(c), nil
}

func (e *Engine) infoLocked(c *container) *engine.ContainerInfo {
	state := engine.ContainerState{
		Status:   c.status,
		Running:  c.status == "running",
		ExitCode: c.exitCode,
	}
	if c.behavior.Health != "" {
		state.HasHealthcheck = true
		state.Health = "starting"
		if c.status == "running" && e.now().Sub(c.startedAt) >= c.behavior.HealthDelay {
			state.Health = c.behavior.Health
		}
	}

	networks := make(map[string]engine.Endpoint, len(c.networks))
	for n, ep := range c.networks {
		networks[n] = engine.Endpoint{IPAddress: ep.IPAddress, Aliases: slices.Clone(ep.Aliases)}
	}
	return &engine.ContainerInfo{
		ID:       c.id,
		Name:     c.config.Name,
		Image:    c.config.Image,
		State:    state,
		Ports:    maps.Clone(c.ports),
		Networks: networks,
		Labels:   maps.Clone(c.config.Labels),
	}
}

// ContainerLogs implements engine.Engine. Following is not simulated, the
// stream holds what was logged so far.
func (e *Engine) ContainerLogs(_ context.Context, id string, _ bool) (io.ReadCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.findContainerLocked(id)
	if c == nil {
		return nil, notFound("container", id)
	}

	var buf bytes.Buffer
	if !c.startedAt.IsZero() && e.now().Sub(c.startedAt) >= c.behavior.LogDelay {
		for _, line := range c.behavior.Logs {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	return io.NopCloser(&buf), nil
}

// Exec implements engine.Engine.
func (e *Engine) Exec(_ context.Context, id string, cmd []string) (*engine.ExecResult, error) {
	e.mu.Lock()
	c := e.findContainerLocked(id)
	if c == nil {
		e.mu.Unlock()
		return nil, notFound("container", id)
	}
	running, fn := c.status == "running", c.behavior.Exec
	e.record("exec", c.config.Name)
	e.mu.Unlock()

	if !running {
		return nil, fmt.Errorf("container %s is not running", id)
	}
	if fn == nil {
		return &engine.ExecResult{}, nil
	}
	return fn(cmd), nil
}

// ListContainers implements engine.Engine.
func (e *Engine) ListContainers(_ context.Context, labels map[string]string) ([]*engine.ContainerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*engine.ContainerInfo
	for _, c := range e.containers {
		if matchLabels(c.config.Labels, labels) {
			out = append(out, e.infoLocked(c))
		}
	}
	slices.SortFunc(out, func(a, b *engine.ContainerInfo) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// CreateNetwork implements engine.Engine.
func (e *Engine) CreateNetwork(ctx context.Context, cfg *engine.NetworkConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("create_network", cfg.Name)
	if e.findNetworkLocked(cfg.Name) != nil {
		return "", fmt.Errorf("network %s: %w", cfg.Name, ErrConflict)
	}
	e.seq++
	n := &network{id: fmt.Sprintf("net%012d", e.seq), config: *cfg}
	n.config.Labels = maps.Clone(cfg.Labels)
	if n.config.Driver == "" {
		n.config.Driver = "bridge"
	}
	e.networks[n.id] = n
	return n.id, nil
}

// RemoveNetwork implements engine.Engine. A network with attached containers
// cannot be removed.
func (e *Engine) RemoveNetwork(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.findNetworkLocked(id)
	if n == nil {
		return notFound("network", id)
	}
	e.record("remove_network", n.config.Name)
	for _, c := range e.containers {
		if _, ok := c.networks[n.config.Name]; ok {
			return fmt.Errorf("network %s has active endpoints", n.config.Name)
		}
	}
	delete(e.networks, n.id)
	return nil
}

// ListNetworks implements engine.Engine.
func (e *Engine) ListNetworks(_ context.Context, labels map[string]string) ([]*engine.NetworkInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*engine.NetworkInfo
	for _, n := range e.networks {
		if matchLabels(n.config.Labels, labels) {
			out = append(out, &engine.NetworkInfo{
				ID:     n.id,
				Name:   n.config.Name,
				Driver: n.config.Driver,
				Labels: maps.Clone(n.config.Labels),
			})
		}
	}
	slices.SortFunc(out, func(a, b *engine.NetworkInfo) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Host implements engine.Engine.
func (e *Engine) Host(context.Context) (string, error) { return e.host, nil }

// Ping implements engine.Engine.
func (e *Engine) Ping(context.Context) error { return nil }

func (e *Engine) findContainerLocked(idOrName string) *container {
	if c, ok := e.containers[idOrName]; ok {
		return c
	}
	for _, c := range e.containers {
		if c.config.Name == idOrName {
			return c
		}
	}
	return nil
}

func (e *Engine) findNetworkLocked(idOrName string) *network {
	if n, ok := e.networks[idOrName]; ok {
		return n
	}
	for _, n := range e.networks {
		if n.config.Name == idOrName {
			return n
		}
	}
	return nil
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
