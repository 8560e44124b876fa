package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/gantry/internal/adapters/in/cli/ui/components"
	"github.com/bnema/gantry/internal/adapters/in/cli/ui/styles"
	"github.com/bnema/gantry/internal/adapters/out/logwriter"
	"github.com/bnema/gantry/internal/adapters/out/memory"
	"github.com/bnema/gantry/internal/config"
	"github.com/bnema/gantry/internal/envfile"
	"github.com/bnema/gantry/internal/logging"
	"github.com/bnema/gantry/internal/metrics"
	"github.com/bnema/gantry/internal/reaper"
	"github.com/bnema/gantry/pkg/engine"
	"github.com/bnema/gantry/pkg/lifecycle"
	"github.com/bnema/gantry/pkg/orchestrator"
	"github.com/bnema/gantry/pkg/resource"
)

const teardownTimeout = 2 * time.Minute

type upOptions struct {
	files          []string
	detach         bool
	dryRun         bool
	metricsAddress string

	// hold blocks until the environment should be torn down.
	hold func(ctx context.Context)
}

// newUpCmd creates the up command.
func newUpCmd(a *app) *cobra.Command {
	opts := &upOptions{hold: waitForSignal}

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Provision an environment and hold it until interrupted",
		Long: `Load one or more environment files, provision every declared network and
container, print their endpoints and keep them up until SIGINT or SIGTERM.

With --detach the command returns once everything is ready. The environment
then outlives the process and is removed with "gantry down --session <id>".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(cmd.Context(), a, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringSliceVarP(&opts.files, "file", "f", []string{"gantry-env.yaml"}, "environment file(s)")
	cmd.Flags().BoolVarP(&opts.detach, "detach", "d", false, "leave the environment running and skip the reaper")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "provision against an in-memory engine without readiness checks")
	cmd.Flags().StringVar(&opts.metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address")

	return cmd
}

func runUp(ctx context.Context, a *app, opts *upOptions, out io.Writer) error {
	ctx = logging.WithFields(ctx, map[string]any{
		logging.FieldLayer:     "cli",
		logging.FieldComponent: "up",
	})
	log := logging.FromCtx(ctx)

	loader := envfile.NewLoader()
	loader.RegisterSecretProvider(envfile.NewPassProvider())
	loader.RegisterSecretProvider(envfile.NewSopsProvider())

	var specs []resource.Spec
	for _, f := range opts.files {
		loaded, err := loader.Load(ctx, f)
		if err != nil {
			return err
		}
		specs = append(specs, loaded...)
	}

	var eng engine.Engine
	if opts.dryRun {
		eng = memory.New()
		specs = withoutReadiness(specs)
	} else {
		var err error
		eng, err = a.newEngine(a.cfg)
		if err != nil {
			return err
		}
		defer closeEngine(eng)
		if err := eng.Ping(ctx); err != nil {
			return logging.WrapErr(log, err, "container engine unreachable")
		}
	}

	recorder := metrics.New()
	metricsAddress := opts.metricsAddress
	if metricsAddress == "" {
		metricsAddress = a.cfg.Metrics.Address
	}
	if metricsAddress != "" {
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		defer stopMetrics()
		if _, err := recorder.Serve(metricsCtx, metricsAddress); err != nil {
			return err
		}
	}

	orchOpts, err := orchestratorOptions(a.cfg, opts)
	if err != nil {
		return err
	}
	orchOpts = append(orchOpts, orchestrator.WithLogger(a.logger), orchestrator.WithMetrics(recorder))

	if a.cfg.Logging.ContainerLogs.Enabled && !opts.detach {
		writer, err := logwriter.New(logwriter.Config{
			Dir:        a.cfg.Logging.ContainerLogs.Dir,
			MaxSize:    a.cfg.Logging.File.MaxSize,
			MaxBackups: a.cfg.Logging.File.MaxBackups,
			MaxAge:     a.cfg.Logging.File.MaxAge,
		})
		if err != nil {
			return err
		}
		defer writer.Close()
		orchOpts = append(orchOpts, orchestrator.WithObserver(newLogCapture(ctx, writer)))
	}

	orch := orchestrator.New(eng, orchOpts...)
	defer orch.Close()

	fmt.Fprintln(out, styles.Theme.Title.Render(fmt.Sprintf("Provisioning %d resources", len(specs))))

	set, err := orch.Provision(ctx, specs...)
	if err != nil {
		fmt.Fprintln(out, styles.RenderError(err.Error()))
		return err
	}

	fmt.Fprintln(out, components.ResourceTable(resourceRows(ctx, set)))

	switch {
	case opts.dryRun:
		fmt.Fprintln(out, styles.RenderInfo("dry run, tearing down"))
	case opts.detach:
		fmt.Fprintln(out, styles.RenderSuccess("environment ready, session "+set.Session()))
		fmt.Fprintln(out, styles.Theme.Muted.Render("remove it with: gantry down --session "+set.Session()))
		return nil
	default:
		fmt.Fprintln(out, styles.RenderSuccess("environment ready, press Ctrl+C to tear down"))
		opts.hold(ctx)
	}

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := orch.Teardown(teardownCtx, set); err != nil {
		fmt.Fprintln(out, styles.RenderError(err.Error()))
		return err
	}
	fmt.Fprintln(out, styles.RenderSuccess("environment removed"))
	return nil
}

// orchestratorOptions maps the configuration onto orchestrator options.
func orchestratorOptions(cfg *config.Config, opts *upOptions) ([]orchestrator.Option, error) {
	policy, err := cfg.PullPolicy()
	if err != nil {
		return nil, err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithBatchTimeout(cfg.Provision.BatchTimeout),
		orchestrator.WithParallelism(cfg.Provision.Parallelism),
		orchestrator.WithDefaultStartupTimeout(cfg.Readiness.Timeout),
		orchestrator.WithPullTimeout(cfg.Pull.Timeout),
		orchestrator.WithDefaultPullPolicy(policy),
	}

	switch {
	case cfg.Reaper.Disabled || opts.detach || opts.dryRun:
		orchOpts = append(orchOpts, orchestrator.WithoutReaper())
	case cfg.Reaper.Address != "":
		session := reaper.NewSession()
		client := reaper.NewClient(session, reaper.ClientConfig{
			Address:        cfg.Reaper.Address,
			ConnectTimeout: cfg.Reaper.ConnectTimeout,
		})
		orchOpts = append(orchOpts, orchestrator.WithReaper(client))
	default:
		orchOpts = append(orchOpts, orchestrator.WithCompanion(reaper.CompanionConfig{
			Image:               cfg.Reaper.Image,
			Privileged:          cfg.Reaper.Privileged,
			SocketPath:          cfg.Reaper.SocketPath,
			StartupTimeout:      cfg.Reaper.ConnectTimeout,
			ConnectionTimeout:   cfg.Reaper.ConnectionTimeout,
			ReconnectionTimeout: cfg.Reaper.ReconnectionTimeout,
		}))
	}
	return orchOpts, nil
}

// withoutReadiness drops readiness strategies, which an in-memory engine
// cannot satisfy for arbitrary images.
func withoutReadiness(specs []resource.Spec) []resource.Spec {
	out := make([]resource.Spec, len(specs))
	for i, s := range specs {
		s = s.Clone()
		s.WaitingFor = nil
		out[i] = s
	}
	return out
}

func resourceRows(ctx context.Context, set *orchestrator.ProvisionedSet) [][]string {
	handles := set.Handles()
	rows := make([][]string, 0, len(handles))
	for _, h := range handles {
		var endpoints []string
		for _, port := range h.ExposedPorts() {
			endpoint, err := h.Endpoint(ctx, port)
			if err != nil {
				logging.FromCtx(ctx).Debug().Err(err).Str(logging.FieldResource, h.Name()).Str("port", port).Msg("no endpoint")
				continue
			}
			endpoints = append(endpoints, port+" → "+endpoint)
		}
		rows = append(rows, []string{
			h.Name(),
			string(h.Kind()),
			styles.RenderState(h.State()),
			h.EngineName(),
			strings.Join(endpoints, "\n"),
		})
	}
	return rows
}

func waitForSignal(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}

// logCapture copies the output of every started container into the log
// writer until the container stops.
type logCapture struct {
	ctx    context.Context
	writer *logwriter.LogWriter
}

func newLogCapture(ctx context.Context, writer *logwriter.LogWriter) *logCapture {
	return &logCapture{ctx: ctx, writer: writer}
}

func (c *logCapture) Transition(h *lifecycle.Handle, _, to resource.State) {
	if h.Kind() != resource.KindContainer {
		return
	}
	switch to {
	case resource.StateAwaitingReady:
		stream, err := h.FollowLogs(c.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logging.FromCtx(c.ctx).Warn().Err(err).Str(logging.FieldResource, h.Name()).Msg("failed to follow container logs")
			}
			return
		}
		c.start(h.ID(), h.Name(), stream)
	case resource.StateStopping, resource.StateFailed, resource.StateRemoved:
		c.writer.StopLogging(h.ID())
	}
}

func (c *logCapture) start(containerID, name string, stream io.ReadCloser) {
	if err := c.writer.StartLogging(c.ctx, containerID, name, stream); err != nil {
		logging.FromCtx(c.ctx).Warn().Err(err).Str(logging.FieldResource, name).Msg("failed to capture container logs")
		_ = stream.Close()
	}
}
