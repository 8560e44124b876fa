package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/gantry/internal/adapters/in/cli/ui/styles"
	"github.com/bnema/gantry/internal/logging"
	"github.com/bnema/gantry/internal/metrics"
	"github.com/bnema/gantry/internal/reaper"
)

type reaperOptions struct {
	listen              string
	connectionTimeout   time.Duration
	reconnectionTimeout time.Duration
	metricsAddress      string
}

// newReaperCmd creates the reaper command. It runs the watchdog in the
// foreground, e.g. as the entrypoint of a companion image.
func newReaperCmd(a *app) *cobra.Command {
	opts := &reaperOptions{}

	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Run the watchdog that removes resources of dead sessions",
		Long: `Accept client connections that register label filters. Once no client has
been connected for the reconnection timeout, or none connected at all within
the connection timeout, remove everything matching the registered filters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("connection-timeout") {
				opts.connectionTimeout = a.cfg.Reaper.ConnectionTimeout
			}
			if !cmd.Flags().Changed("reconnection-timeout") {
				opts.reconnectionTimeout = a.cfg.Reaper.ReconnectionTimeout
			}
			if opts.metricsAddress == "" {
				opts.metricsAddress = a.cfg.Metrics.Address
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReaper(ctx, a, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", reaper.DefaultListenAddress, "address to accept clients on")
	cmd.Flags().DurationVar(&opts.connectionTimeout, "connection-timeout", reaper.DefaultConnectionTimeout, "how long to wait for the first client")
	cmd.Flags().DurationVar(&opts.reconnectionTimeout, "reconnection-timeout", reaper.DefaultReconnectionTimeout, "how long to wait for a client after the last one left")
	cmd.Flags().StringVar(&opts.metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address")

	return cmd
}

func runReaper(ctx context.Context, a *app, opts *reaperOptions, out io.Writer) error {
	ctx = logging.WithFields(ctx, map[string]any{
		logging.FieldLayer:     "cli",
		logging.FieldComponent: "reaper",
	})

	eng, err := a.newEngine(a.cfg)
	if err != nil {
		return err
	}
	defer closeEngine(eng)

	recorder := metrics.New()
	if opts.metricsAddress != "" {
		if _, err := recorder.Serve(ctx, opts.metricsAddress); err != nil {
			return err
		}
	}

	server := reaper.NewServer(eng, reaper.ServerConfig{
		ListenAddress:       opts.listen,
		ConnectionTimeout:   opts.connectionTimeout,
		ReconnectionTimeout: opts.reconnectionTimeout,
	})
	report, err := server.Serve(ctx)
	if err != nil {
		return err
	}
	recorder.ObserveSweep(report)

	fmt.Fprintln(out, styles.RenderSuccess(fmt.Sprintf(
		"swept %d containers and %d networks (%d failures)",
		report.Containers, report.Networks, report.Failures,
	)))
	return nil
}
