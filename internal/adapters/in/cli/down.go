package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bnema/gantry/internal/adapters/in/cli/ui/components"
	"github.com/bnema/gantry/internal/adapters/in/cli/ui/styles"
	"github.com/bnema/gantry/internal/logging"
	"github.com/bnema/gantry/internal/reaper"
	"github.com/bnema/gantry/pkg/resource"
)

// newDownCmd creates the down command.
func newDownCmd(a *app) *cobra.Command {
	var (
		session string
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Remove the resources of a session",
		Long: `Remove every container and network labeled with the given session, or with
--all every resource gantry created, including watchdog companions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := downFilter(session, all)
			if err != nil {
				return err
			}
			return runDown(cmd.Context(), a, filter, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "session id printed by up --detach")
	cmd.Flags().BoolVar(&all, "all", false, "remove everything gantry manages")

	return cmd
}

func downFilter(session string, all bool) (reaper.Filter, error) {
	switch {
	case session != "" && all:
		return nil, errors.New("--session and --all are mutually exclusive")
	case all:
		return reaper.Filter{resource.LabelManaged: "true"}, nil
	case session != "":
		return reaper.SessionFromID(session).Filter(), nil
	}
	return nil, errors.New("either --session or --all is required")
}

func runDown(ctx context.Context, a *app, filter reaper.Filter, out io.Writer) error {
	ctx = logging.WithFields(ctx, map[string]any{
		logging.FieldLayer:     "cli",
		logging.FieldComponent: "down",
	})

	eng, err := a.newEngine(a.cfg)
	if err != nil {
		return err
	}
	defer closeEngine(eng)

	report := reaper.Sweep(ctx, eng, []reaper.Filter{filter})

	fmt.Fprintln(out, components.SimpleTable(
		[]string{"Containers", "Networks", "Failures"},
		[][]string{{fmt.Sprint(report.Containers), fmt.Sprint(report.Networks), fmt.Sprint(report.Failures)}},
	))
	if report.Failures > 0 {
		return fmt.Errorf("%d resources could not be removed", report.Failures)
	}
	fmt.Fprintln(out, styles.RenderSuccess("removed resources matching "+filter.String()))
	return nil
}
