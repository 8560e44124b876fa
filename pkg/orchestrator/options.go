package orchestrator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/bnema/gantry/internal/reaper"
	"github.com/bnema/gantry/pkg/lifecycle"
	"github.com/bnema/gantry/pkg/pullpolicy"
	"github.com/bnema/gantry/pkg/resource"
)

// Metrics receives provisioning measurements. internal/metrics.Recorder
// implements it.
type Metrics interface {
	ObserveProvision(result string, d time.Duration)
	ObserveTransition(kind resource.Kind, from, to resource.State)
	ObserveReadiness(kind resource.Kind, d time.Duration)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithReaper uses client to register the session instead of starting the
// default companion container.
func WithReaper(client *reaper.Client) Option {
	return func(o *Orchestrator) {
		o.reaper = client
		o.session = client.Session()
	}
}

// WithoutReaper disables crash cleanup. Resources outlive a killed process.
func WithoutReaper() Option {
	return func(o *Orchestrator) {
		o.reaperDisabled = true
	}
}

// WithCompanion configures the companion container started when no reaper
// client is given.
func WithCompanion(cfg reaper.CompanionConfig) Option {
	return func(o *Orchestrator) {
		o.companion = cfg
	}
}

// WithSession labels resources with an existing session.
func WithSession(session reaper.Session) Option {
	return func(o *Orchestrator) {
		o.session = session
	}
}

// WithBatchTimeout bounds a whole Provision call.
func WithBatchTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.batchTimeout = d
	}
}

// WithParallelism caps how many resources of one level start at once.
// Zero or less means no cap.
func WithParallelism(n int) Option {
	return func(o *Orchestrator) {
		o.parallelism = n
	}
}

func WithDefaultStartupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.lifecycle.DefaultStartupTimeout = d
	}
}

func WithPullTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.lifecycle.PullTimeout = d
	}
}

func WithStopTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.lifecycle.StopTimeout = d
	}
}

// WithDefaultPullPolicy is used for specs without their own policy.
func WithDefaultPullPolicy(p pullpolicy.Policy) Option {
	return func(o *Orchestrator) {
		o.lifecycle.DefaultPullPolicy = p
	}
}

// WithLogger is used when the context passed to Provision carries no logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = &log
	}
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithObserver is notified of every resource transition.
func WithObserver(obs lifecycle.Observer) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, obs)
	}
}
