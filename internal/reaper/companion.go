package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/bnema/gantry/pkg/engine"
	"github.com/bnema/gantry/pkg/lifecycle"
	"github.com/bnema/gantry/pkg/pullpolicy"
	"github.com/bnema/gantry/pkg/resource"
	"github.com/bnema/gantry/pkg/wait"
)

const (
	DefaultImage      = "testcontainers/ryuk:0.11.0"
	DefaultSocketPath = "/var/run/docker.sock"
	companionPort     = "8080/tcp"
)

// CompanionConfig configures the watchdog container.
type CompanionConfig struct {
	Image               string
	Privileged          bool
	SocketPath          string
	StartupTimeout      time.Duration
	ConnectionTimeout   time.Duration
	ReconnectionTimeout time.Duration
}

// Companion runs the watchdog as a container next to the session resources.
// It carries the managed label but never the session label, so a session
// sweep does not take it down.
type Companion struct {
	engine  engine.Engine
	session Session
	cfg     CompanionConfig
	lc      *lifecycle.Lifecycle
}

// NewCompanion prepares the watchdog container of session.
func NewCompanion(eng engine.Engine, session Session, cfg CompanionConfig) *Companion {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultConnectTimeout
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.ReconnectionTimeout <= 0 {
		cfg.ReconnectionTimeout = DefaultReconnectionTimeout
	}
	return &Companion{engine: eng, session: session, cfg: cfg}
}

// Spec returns the container spec of the watchdog.
func (c *Companion) Spec() resource.Spec {
	spec := resource.Container("reaper", c.cfg.Image)
	spec.ExposedPorts = []string{companionPort}
	spec.Mounts = []resource.Mount{{Source: c.cfg.SocketPath, Target: DefaultSocketPath}}
	spec.Privileged = c.cfg.Privileged
	spec.AutoRemove = true
	spec.StartupTimeout = c.cfg.StartupTimeout
	spec.PullPolicy = pullpolicy.AlwaysUseLocal()
	spec.Labels = map[string]string{resource.LabelReaper: "true"}
	spec.Env = map[string]string{
		"RYUK_CONNECTION_TIMEOUT":            c.cfg.ConnectionTimeout.String(),
		"RYUK_RECONNECTION_TIMEOUT":          c.cfg.ReconnectionTimeout.String(),
		"GANTRY_REAPER_CONNECTION_TIMEOUT":   c.cfg.ConnectionTimeout.String(),
		"GANTRY_REAPER_RECONNECTION_TIMEOUT": c.cfg.ReconnectionTimeout.String(),
	}
	spec.WaitingFor = []wait.Strategy{wait.ForListeningPort(companionPort)}
	return spec
}

// Start runs the watchdog container and returns the address clients dial.
func (c *Companion) Start(ctx context.Context) (string, error) {
	// a failed or removed watchdog is final, a retry needs a fresh lifecycle
	if c.lc == nil || finished(c.lc.Handle().State()) {
		c.lc = lifecycle.New(c.Spec(), c.engine, lifecycle.Options{
			Session: c.session.ID(),
			Labels:  map[string]string{resource.LabelManaged: "true"},
		})
	}
	if c.lc.Handle().State() != resource.StateReady {
		if err := c.lc.Run(ctx); err != nil {
			return "", err
		}
	}

	addr, err := c.lc.Handle().Endpoint(ctx, companionPort)
	if err != nil {
		return "", fmt.Errorf("resolve watchdog endpoint: %w", err)
	}
	return addr, nil
}

func finished(state resource.State) bool {
	return state == resource.StateFailed || state.Terminal()
}

// Handle returns the watchdog container handle once started.
func (c *Companion) Handle() *lifecycle.Handle {
	if c.lc == nil {
		return nil
	}
	return c.lc.Handle()
}
