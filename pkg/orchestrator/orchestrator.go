// Package orchestrator provisions batches of declared resources in
// dependency order and tears them down again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/gantry/internal/depgraph"
	"github.com/bnema/gantry/internal/logging"
	"github.com/bnema/gantry/internal/reaper"
	"github.com/bnema/gantry/pkg/engine"
	"github.com/bnema/gantry/pkg/lifecycle"
	"github.com/bnema/gantry/pkg/resource"
)

// Provision results reported to Metrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultInvalid = "invalid"
)

// Orchestrator turns declared specs into ready resources. Every resource it
// creates carries the labels of its session.
type Orchestrator struct {
	engine         engine.Engine
	session        reaper.Session
	reaper         *reaper.Client
	reaperDisabled bool
	companion      reaper.CompanionConfig
	batchTimeout   time.Duration
	parallelism    int
	lifecycle      lifecycle.Options
	logger         *zerolog.Logger
	metrics        Metrics
	observers      []lifecycle.Observer

	reaperMu sync.Mutex

	awaitMu  sync.Mutex
	awaiting map[*lifecycle.Handle]time.Time
}

// New creates an orchestrator driving eng. Without WithReaper or
// WithoutReaper the first Provision starts the companion watchdog.
func New(eng engine.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:   eng,
		awaiting: make(map[*lifecycle.Handle]time.Time),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.reaper != nil {
		o.session = o.reaper.Session()
	}
	if o.session.ID() == "" {
		o.session = reaper.NewSession()
	}
	return o
}

// Session returns the session of the orchestrator.
func (o *Orchestrator) Session() reaper.Session { return o.session }

// Provision validates specs, orders them and runs every resource to Ready,
// one dependency level at a time. On failure everything created so far is
// removed in reverse order and a *resource.ProvisionError is returned.
// Declaration errors are returned before the engine is touched.
func (o *Orchestrator) Provision(ctx context.Context, specs ...resource.Spec) (*ProvisionedSet, error) {
	started := time.Now()
	ctx = o.logContext(ctx, "provision")
	log := logging.FromCtx(ctx)

	batch := make([]resource.Spec, len(specs))
	byName := make(map[string]resource.Spec, len(specs))
	for i, s := range specs {
		batch[i] = s.Clone()
		if batch[i].Kind == "" {
			batch[i].Kind = resource.KindContainer
		}
		byName[batch[i].Name] = batch[i]
	}

	levels, edges, err := plan(batch)
	if err != nil {
		o.observeProvision(ResultInvalid, started)
		log.Warn().Err(err).Msg("rejected resource batch")
		return nil, err
	}

	if err := o.connectReaper(ctx); err != nil {
		o.observeProvision(ResultFailure, started)
		return nil, &resource.ProvisionError{Resource: "reaper", Err: err}
	}

	if o.batchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.batchTimeout)
		defer cancel()
	}

	set := newSet(o.session.ID(), edges)
	opts := o.lifecycle
	opts.Session = o.session.ID()
	opts.Labels = o.session.Labels()
	opts.Resolver = set
	opts.Observer = lifecycle.ObserverFunc(o.transition)

	planned := make([][]*lifecycle.Lifecycle, len(levels))
	for i, level := range levels {
		for _, name := range level {
			lc := lifecycle.New(byName[name], o.engine, opts)
			set.add(lc)
			planned[i] = append(planned[i], lc)
		}
	}

	log.Info().Int("resources", len(batch)).Int("levels", len(levels)).Msg("provisioning")
	for i, level := range planned {
		if err := o.runLevel(ctx, level); err != nil {
			var f *levelFailure
			failed := ""
			if errors.As(err, &f) {
				failed, err = f.resource, f.err
			}
			log.Warn().Err(err).Str(logging.FieldResource, failed).Int("level", i).Msg("provisioning failed, rolling back")

			cleanup := o.teardown(context.WithoutCancel(ctx), set)
			o.observeProvision(ResultFailure, started)
			return nil, &resource.ProvisionError{Resource: failed, Err: err, Cleanup: cleanup}
		}
	}

	o.observeProvision(ResultSuccess, started)
	log.Info().Dur("elapsed", time.Since(started)).Msg("all resources ready")
	return set, nil
}

func plan(batch []resource.Spec) ([][]string, []resource.DependencyEdge, error) {
	if err := resource.Validate(batch); err != nil {
		return nil, nil, err
	}
	graph, err := depgraph.Build(batch)
	if err != nil {
		return nil, nil, err
	}
	levels, err := graph.Levels()
	if err != nil {
		return nil, nil, err
	}
	return levels, graph.Edges(), nil
}

type levelFailure struct {
	resource string
	err      error
}

func (f *levelFailure) Error() string { return f.resource + ": " + f.err.Error() }
func (f *levelFailure) Unwrap() error { return f.err }

// runLevel runs the lifecycles of one level concurrently. The first failure
// cancels the others; lifecycles not yet started are skipped.
func (o *Orchestrator) runLevel(ctx context.Context, level []*lifecycle.Lifecycle) error {
	g, gctx := errgroup.WithContext(ctx)
	if o.parallelism > 0 {
		g.SetLimit(o.parallelism)
	}
	for _, lc := range level {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := lc.Run(gctx); err != nil {
				return &levelFailure{resource: lc.Handle().Name(), err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// a batch deadline hit between two levels
	return ctx.Err()
}

// Teardown stops and removes every resource of set in reverse startup order.
// Every resource is attempted; errors are combined. Once a teardown
// succeeded, later calls return nil.
func (o *Orchestrator) Teardown(ctx context.Context, set *ProvisionedSet) error {
	if set == nil {
		return nil
	}
	set.teardownMu.Lock()
	defer set.teardownMu.Unlock()
	if set.isTornDown() {
		return nil
	}

	ctx = o.logContext(ctx, "teardown")
	if err := o.teardown(ctx, set); err != nil {
		return err
	}
	set.markTornDown()
	logging.FromCtx(ctx).Info().Msg("all resources removed")
	return nil
}

func (o *Orchestrator) teardown(ctx context.Context, set *ProvisionedSet) error {
	var errs error
	for _, lc := range set.reversed() {
		if err := lc.Remove(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		logging.FromCtx(ctx).Warn().Err(errs).Int("errors", len(multierr.Errors(errs))).Msg("teardown incomplete")
	}
	return errs
}

// Close releases the watchdog connection. The watchdog then sweeps whatever
// of the session is left after its reconnection timeout.
func (o *Orchestrator) Close() error {
	o.reaperMu.Lock()
	defer o.reaperMu.Unlock()
	if o.reaper == nil {
		return nil
	}
	return o.reaper.Close()
}

func (o *Orchestrator) connectReaper(ctx context.Context) error {
	if o.reaperDisabled {
		return nil
	}
	o.reaperMu.Lock()
	if o.reaper == nil {
		companion := reaper.NewCompanion(o.engine, o.session, o.companion)
		o.reaper = reaper.NewClient(o.session, reaper.ClientConfig{Companion: companion})
	}
	client := o.reaper
	o.reaperMu.Unlock()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect reaper: %w", err)
	}
	return nil
}

func (o *Orchestrator) transition(h *lifecycle.Handle, from, to resource.State) {
	if o.metrics != nil {
		o.metrics.ObserveTransition(h.Kind(), from, to)
		o.awaitMu.Lock()
		switch to {
		case resource.StateAwaitingReady:
			o.awaiting[h] = time.Now()
		case resource.StateReady:
			if since, ok := o.awaiting[h]; ok {
				o.metrics.ObserveReadiness(h.Kind(), time.Since(since))
			}
			delete(o.awaiting, h)
		case resource.StateFailed:
			delete(o.awaiting, h)
		}
		o.awaitMu.Unlock()
	}
	for _, obs := range o.observers {
		obs.Transition(h, from, to)
	}
}

func (o *Orchestrator) observeProvision(result string, started time.Time) {
	if o.metrics != nil {
		o.metrics.ObserveProvision(result, time.Since(started))
	}
}

func (o *Orchestrator) logContext(ctx context.Context, action string) context.Context {
	if o.logger != nil && zerolog.Ctx(ctx).GetLevel() == zerolog.Disabled {
		ctx = o.logger.WithContext(ctx)
	}
	return logging.WithFields(ctx, map[string]any{
		logging.FieldLayer:   "orchestrator",
		logging.FieldAction:  action,
		logging.FieldSession: o.session.ID(),
	})
}
