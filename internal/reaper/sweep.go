package reaper

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/bnema/gantry/internal/logging"
	"github.com/bnema/gantry/pkg/engine"
)

const (
	networkRemoveRetries = 10
	networkRemoveDelay   = 500 * time.Millisecond
)

// SweepReport counts what a sweep removed and what it failed to remove.
type SweepReport struct {
	Containers int
	Networks   int
	Failures   int
}

// Add accumulates another report.
func (r *SweepReport) Add(o SweepReport) {
	r.Containers += o.Containers
	r.Networks += o.Networks
	r.Failures += o.Failures
}

// Sweep removes every container, then every network, matching one of the
// filters. Objects that vanished in between count as removed. Failures are
// logged and counted, never returned.
func Sweep(ctx context.Context, eng engine.Engine, filters []Filter) SweepReport {
	ctx = logging.WithFields(ctx, map[string]any{
		logging.FieldLayer:     "reaper",
		logging.FieldComponent: "sweep",
	})
	log := logging.FromCtx(ctx)

	var report SweepReport
	for _, f := range filters {
		containers, err := eng.ListContainers(ctx, f)
		if err != nil {
			log.Warn().Err(err).Str("filter", f.Encode()).Msg("failed to list containers")
			report.Failures++
			continue
		}
		for _, c := range containers {
			err := eng.RemoveContainer(ctx, c.ID)
			switch {
			case err == nil, engine.IsNotFound(err):
				report.Containers++
				log.Debug().Str(logging.FieldEntityID, c.ID).Str("name", c.Name).Msg("container removed")
			default:
				report.Failures++
				log.Warn().Err(err).Str(logging.FieldEntityID, c.ID).Msg("failed to remove container")
			}
		}
	}

	for _, f := range filters {
		networks, err := eng.ListNetworks(ctx, f)
		if err != nil {
			log.Warn().Err(err).Str("filter", f.Encode()).Msg("failed to list networks")
			report.Failures++
			continue
		}
		for _, n := range networks {
			if err := removeNetwork(ctx, eng, n.ID); err != nil {
				report.Failures++
				log.Warn().Err(err).Str(logging.FieldEntityID, n.ID).Msg("failed to remove network")
				continue
			}
			report.Networks++
			log.Debug().Str(logging.FieldEntityID, n.ID).Str("name", n.Name).Msg("network removed")
		}
	}

	log.Info().
		Int("containers", report.Containers).
		Int("networks", report.Networks).
		Int("failures", report.Failures).
		Msg("sweep finished")
	return report
}

// removeNetwork retries while endpoints of removed containers detach.
func removeNetwork(ctx context.Context, eng engine.Engine, id string) error {
	backoff := retry.WithMaxRetries(networkRemoveRetries, retry.NewConstant(networkRemoveDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := eng.RemoveNetwork(ctx, id)
		if err == nil || engine.IsNotFound(err) {
			return nil
		}
		return retry.RetryableError(err)
	})
}
