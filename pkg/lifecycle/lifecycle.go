// Package lifecycle drives one resource through create, start, readiness,
// stop and removal.
package lifecycle

import (
	"context"
	"fmt"
	"maps"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/bnema/gantry/internal/logging"
	"github.com/bnema/gantry/pkg/engine"
	"github.com/bnema/gantry/pkg/pullpolicy"
	"github.com/bnema/gantry/pkg/resource"
	"github.com/bnema/gantry/pkg/wait"
)

const (
	defaultStopTimeout    = 10 * time.Second
	cleanupTimeout        = 30 * time.Second
	portBindingWait       = 2 * time.Second
	portBindingPollPeriod = 50 * time.Millisecond
)

// Observer is notified of every state transition.
type Observer interface {
	Transition(h *Handle, from, to resource.State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(h *Handle, from, to resource.State)

// Transition calls f.
func (f ObserverFunc) Transition(h *Handle, from, to resource.State) { f(h, from, to) }

// Resolver maps logical names of the batch to engine names.
type Resolver interface {
	EngineName(name string) (string, bool)
}

// Options configures a Lifecycle.
type Options struct {
	// Session is appended to generated engine names.
	Session string
	// Labels are added to every engine object and win over spec labels.
	Labels                map[string]string
	DefaultStartupTimeout time.Duration
	DefaultPullPolicy     pullpolicy.Policy
	PullTimeout           time.Duration
	StopTimeout           time.Duration
	Resolver              Resolver
	Observer              Observer
}

// Lifecycle is the state machine of one resource.
type Lifecycle struct {
	engine engine.Engine
	spec   resource.Spec
	opts   Options
	handle *Handle

	// serialises operations, the handle guards reads
	opMu sync.Mutex
}

// New prepares the lifecycle of spec. Nothing touches the engine before Create.
func New(spec resource.Spec, eng engine.Engine, opts Options) *Lifecycle {
	spec = spec.Clone()
	if spec.Kind == "" {
		spec.Kind = resource.KindContainer
	}
	return &Lifecycle{
		engine: eng,
		spec:   spec,
		opts:   opts,
		handle: newHandle(spec, eng, EngineName(spec, opts.Session)),
	}
}

// EngineName is the name a resource gets on the engine.
func EngineName(spec resource.Spec, session string) string {
	if spec.ContainerName != "" && !spec.IsNetwork() {
		return spec.ContainerName
	}
	name := "gantry-" + spec.Name
	if session != "" {
		name += "-" + shortSession(session)
	}
	return name
}

func shortSession(session string) string {
	s := strings.ReplaceAll(session, "-", "")
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

// Handle returns the live view of the resource.
func (l *Lifecycle) Handle() *Handle { return l.handle }

// Run creates, starts and waits for the resource.
func (l *Lifecycle) Run(ctx context.Context) error {
	if err := l.Create(ctx); err != nil {
		return err
	}
	if err := l.Start(ctx); err != nil {
		return err
	}
	return l.AwaitReady(ctx)
}

// Create pulls the image when the policy asks for it and creates the engine
// object with its labels. Networks are created with their driver.
func (l *Lifecycle) Create(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	ctx = l.logContext(ctx, "create")
	if err := l.transition(ctx, resource.StateCreating, nil); err != nil {
		return err
	}

	var err error
	if l.spec.IsNetwork() {
		err = l.createNetwork(ctx)
	} else {
		err = l.createContainer(ctx)
	}
	if err != nil {
		return l.failAndCleanup(ctx, err)
	}
	return l.transition(ctx, resource.StateCreated, nil)
}

func (l *Lifecycle) createNetwork(ctx context.Context) error {
	id, err := l.engine.CreateNetwork(ctx, &engine.NetworkConfig{
		Name:   l.handle.EngineName(),
		Driver: l.spec.Driver,
		Labels: l.labels(),
	})
	if err != nil {
		return &resource.EngineError{Resource: l.spec.Name, Op: "create network", Err: err}
	}
	l.handle.setCreated(id)
	return nil
}

func (l *Lifecycle) createContainer(ctx context.Context) error {
	if err := l.ensureImage(ctx); err != nil {
		return err
	}

	cfg, err := l.containerConfig()
	if err != nil {
		return err
	}
	files, err := l.files()
	if err != nil {
		return err
	}

	id, err := l.engine.CreateContainer(ctx, cfg)
	if err != nil {
		return &resource.EngineError{Resource: l.spec.Name, Op: "create container", Err: err}
	}
	l.handle.setCreated(id)
	logging.FromCtx(ctx).Debug().Str(logging.FieldEntityID, id).Msg("container created")

	if len(files) > 0 {
		if err := l.engine.CopyToContainer(ctx, id, files); err != nil {
			return &resource.EngineError{Resource: l.spec.Name, Op: "copy files", Err: err}
		}
	}
	return nil
}

// ensureImage consults the pull policy and pulls when needed. Pull failures
// are final.
func (l *Lifecycle) ensureImage(ctx context.Context) error {
	log := logging.FromCtx(ctx)

	local, err := l.engine.InspectImage(ctx, l.spec.Image)
	if err != nil {
		if !engine.IsNotFound(err) {
			return &resource.EngineError{Resource: l.spec.Name, Op: "inspect image", Err: err}
		}
		local = nil
	}

	policy := l.spec.PullPolicy
	if policy == nil {
		policy = l.opts.DefaultPullPolicy
	}
	if policy == nil {
		policy = pullpolicy.Default()
	}
	if !policy.ShouldPull(l.spec.Image, local) {
		return nil
	}

	log.Info().Str("image", l.spec.Image).Msg("pulling image")
	pullCtx := ctx
	if l.opts.PullTimeout > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, l.opts.PullTimeout)
		defer cancel()
	}
	if err := l.engine.PullImage(pullCtx, l.spec.Image); err != nil {
		return &resource.PullError{Resource: l.spec.Name, Image: l.spec.Image, Err: err}
	}
	log.Info().Str("image", l.spec.Image).Msg("image pulled")
	return nil
}

func (l *Lifecycle) containerConfig() (*engine.ContainerConfig, error) {
	ports, err := l.spec.NormalizedPorts()
	if err != nil {
		return nil, &resource.ConfigurationError{Resources: []string{l.spec.Name}, Reason: err.Error()}
	}
	pinned, err := l.spec.NormalizedPinnedPorts()
	if err != nil {
		return nil, &resource.ConfigurationError{Resources: []string{l.spec.Name}, Reason: err.Error()}
	}

	bindings := make(map[string]string, len(ports))
	for _, p := range ports {
		bindings[p] = ""
		if host, ok := pinned[p]; ok {
			bindings[p] = strconv.Itoa(host)
		}
	}

	binds := make([]string, 0, len(l.spec.Mounts))
	for _, m := range l.spec.Mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	aliases := append([]string{l.spec.Name}, l.spec.NetworkAliases...)
	networks := make([]engine.NetworkAttachment, 0, len(l.spec.Networks))
	for _, n := range l.spec.Networks {
		networks = append(networks, engine.NetworkAttachment{Network: l.resolve(n), Aliases: aliases})
	}

	links := make([]string, 0, len(l.spec.Links))
	for _, link := range l.spec.Links {
		links = append(links, l.resolve(link)+":"+link)
	}

	return &engine.ContainerConfig{
		Name:         l.handle.EngineName(),
		Image:        l.spec.Image,
		Env:          maps.Clone(l.spec.Env),
		Cmd:          l.spec.Cmd,
		Entrypoint:   l.spec.Entrypoint,
		ExposedPorts: ports,
		PortBindings: bindings,
		Binds:        binds,
		Networks:     networks,
		Links:        links,
		Labels:       l.labels(),
		Privileged:   l.spec.Privileged,
		AutoRemove:   l.spec.AutoRemove,
	}, nil
}

func (l *Lifecycle) files() ([]engine.File, error) {
	files := make([]engine.File, 0, len(l.spec.Files))
	for _, f := range l.spec.Files {
		content := f.Content
		if content == nil {
			data, err := os.ReadFile(f.HostPath)
			if err != nil {
				return nil, &resource.ConfigurationError{
					Resources: []string{l.spec.Name},
					Reason:    fmt.Sprintf("read %s: %v", f.HostPath, err),
				}
			}
			content = data
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		files = append(files, engine.File{Path: f.ContainerPath, Content: content, Mode: mode})
	}
	return files, nil
}

func (l *Lifecycle) resolve(name string) string {
	if l.opts.Resolver != nil {
		if engineName, ok := l.opts.Resolver.EngineName(name); ok {
			return engineName
		}
	}
	return name
}

// labels merges spec labels with the session labels, session labels win.
func (l *Lifecycle) labels() map[string]string {
	labels := make(map[string]string, len(l.spec.Labels)+len(l.opts.Labels)+2)
	maps.Copy(labels, l.spec.Labels)
	maps.Copy(labels, l.opts.Labels)
	labels[resource.LabelResource] = l.spec.Name
	labels[resource.LabelKind] = string(l.spec.Kind)
	return labels
}

// Start starts the container and records the host ports it was bound to.
// Networks have nothing to start.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	ctx = l.logContext(ctx, "start")
	if err := l.transition(ctx, resource.StateStarting, nil); err != nil {
		return err
	}

	if !l.spec.IsNetwork() {
		id := l.handle.ID()
		if err := l.engine.StartContainer(ctx, id); err != nil {
			return l.failAndCleanup(ctx, &resource.EngineError{Resource: l.spec.Name, Op: "start container", Err: err})
		}
		l.handle.markStarted()

		if err := l.recordBindings(ctx, id); err != nil {
			return l.failAndCleanup(ctx, &resource.EngineError{Resource: l.spec.Name, Op: "inspect container", Err: err})
		}
	}

	return l.transition(ctx, resource.StateAwaitingReady, nil)
}

// recordBindings inspects the started container until every exposed port has
// a host binding, for a short while. Containers that exit early keep whatever
// was recorded.
func (l *Lifecycle) recordBindings(ctx context.Context, id string) error {
	backoff := retry.WithMaxDuration(portBindingWait, retry.NewConstant(portBindingPollPeriod))
	var lastErr error
	_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := l.handle.refresh(ctx, id); err != nil {
			lastErr = err
			if engine.IsNotFound(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		lastErr = nil
		if l.handle.allPortsMapped() {
			return nil
		}
		state, err := l.handle.ContainerState(ctx)
		if err == nil && state.Exited() {
			return nil
		}
		return retry.RetryableError(fmt.Errorf("ports not bound yet"))
	})
	if lastErr != nil && engine.IsNotFound(lastErr) && l.spec.AutoRemove {
		return nil
	}
	return lastErr
}

// AwaitReady runs the readiness strategies. On timeout or failure the
// resource is marked failed and removed right away.
func (l *Lifecycle) AwaitReady(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	ctx = l.logContext(ctx, "await_ready")
	if state := l.handle.State(); state != resource.StateAwaitingReady {
		return fmt.Errorf("%s: %w: cannot await readiness in state %s", l.spec.Name, resource.ErrInvalidTransition, state)
	}

	if strategy := l.strategy(); strategy != nil {
		waitCtx := ctx
		if timeout := l.spec.StartupTimeout; timeout > 0 {
			// the resource timeout replaces those of the individual strategies
			strategy = wait.ForAll(l.spec.WaitingFor...).WithStartupTimeout(timeout)
		} else if timeout := l.opts.DefaultStartupTimeout; timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		start := time.Now()
		if err := strategy.WaitUntilReady(waitCtx, l.handle); err != nil {
			logging.FromCtx(ctx).Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("resource not ready")
			return l.failAndCleanup(ctx, &resource.ReadinessError{Resource: l.spec.Name, Err: err})
		}
		logging.FromCtx(ctx).Debug().Dur("elapsed", time.Since(start)).Msg("readiness confirmed")
	}

	return l.transition(ctx, resource.StateReady, nil)
}

func (l *Lifecycle) strategy() wait.Strategy {
	switch len(l.spec.WaitingFor) {
	case 0:
		return nil
	case 1:
		return l.spec.WaitingFor[0]
	default:
		return wait.ForAll(l.spec.WaitingFor...)
	}
}

// Stop stops the container. It is a no-op for resources that never started
// or are already stopped, and "not found" counts as stopped.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.stop(l.logContext(ctx, "stop"))
}

func (l *Lifecycle) stop(ctx context.Context) error {
	switch l.handle.State() {
	case resource.StateDefined, resource.StateStopping, resource.StateStopped, resource.StateRemoved:
		return nil
	case resource.StateFailed:
		if l.handle.ID() == "" {
			return nil
		}
	}

	if err := l.transition(ctx, resource.StateStopping, nil); err != nil {
		return err
	}

	if !l.spec.IsNetwork() && l.handle.wasStarted() {
		timeout := l.opts.StopTimeout
		if timeout <= 0 {
			timeout = defaultStopTimeout
		}
		err := l.engine.StopContainer(ctx, l.handle.ID(), timeout)
		if err != nil && !engine.IsNotFound(err) {
			eerr := &resource.EngineError{Resource: l.spec.Name, Op: "stop container", Err: err}
			_ = l.transition(ctx, resource.StateFailed, eerr)
			return eerr
		}
	}

	return l.transition(ctx, resource.StateStopped, nil)
}

// Remove deletes the engine object, stopping it first when needed. Removing
// a removed resource is a no-op and "not found" counts as removed.
func (l *Lifecycle) Remove(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.remove(l.logContext(ctx, "remove"))
}

func (l *Lifecycle) remove(ctx context.Context) error {
	state := l.handle.State()
	switch {
	case state == resource.StateRemoved:
		return nil
	case state == resource.StateDefined, state == resource.StateFailed && l.handle.ID() == "":
		return l.transition(ctx, resource.StateRemoved, nil)
	case state != resource.StateStopped && state != resource.StateFailed:
		if err := l.stop(ctx); err != nil {
			logging.FromCtx(ctx).Warn().Err(err).Msg("stop before removal failed, forcing removal")
		}
	}

	id := l.handle.ID()
	var err error
	if l.spec.IsNetwork() {
		err = l.engine.RemoveNetwork(ctx, id)
	} else {
		err = l.engine.RemoveContainer(ctx, id)
	}
	if err != nil && !engine.IsNotFound(err) {
		op := "remove container"
		if l.spec.IsNetwork() {
			op = "remove network"
		}
		return &resource.EngineError{Resource: l.spec.Name, Op: op, Err: err}
	}

	return l.transition(ctx, resource.StateRemoved, nil)
}

// failAndCleanup marks the resource failed and removes whatever was created.
// Cleanup failures are logged, the returned error is always cause.
func (l *Lifecycle) failAndCleanup(ctx context.Context, cause error) error {
	_ = l.transition(ctx, resource.StateFailed, cause)

	if l.handle.ID() == "" {
		return cause
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := l.remove(cleanupCtx); err != nil {
		logging.FromCtx(ctx).Warn().Err(err).Msg("failed to remove resource after failure")
	}
	return cause
}

func (l *Lifecycle) transition(ctx context.Context, to resource.State, cause error) error {
	from, err := l.handle.setState(to, cause)
	if err != nil {
		return err
	}

	log := logging.FromCtx(ctx)
	var ev *zerolog.Event
	switch to {
	case resource.StateFailed:
		ev = log.Warn().Err(cause)
	case resource.StateReady, resource.StateRemoved:
		ev = log.Info()
	default:
		ev = log.Debug()
	}
	ev.Str("from", string(from)).Str("to", string(to)).Msg("state transition")

	if l.opts.Observer != nil {
		l.opts.Observer.Transition(l.handle, from, to)
	}
	return nil
}

func (l *Lifecycle) logContext(ctx context.Context, action string) context.Context {
	return logging.WithFields(ctx, map[string]any{
		logging.FieldLayer:     "lifecycle",
		logging.FieldAction:    action,
		logging.FieldResource:  l.spec.Name,
		logging.FieldComponent: string(l.spec.Kind),
	})
}
