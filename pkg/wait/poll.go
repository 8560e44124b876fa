package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

var errNotReady = errors.New("not ready")

// attemptFunc runs one readiness check. ready reports success, observation
// describes what was seen and a non-nil error ends the wait as failed.
type attemptFunc func(ctx context.Context) (ready bool, observation string, err error)

type pollConfig struct {
	name           string
	timeout        time.Duration
	interval       time.Duration
	attemptTimeout time.Duration
	exponential    bool
	// oneShot strategies expect the container to exit.
	oneShot bool
}

func (c pollConfig) withDefaults() pollConfig {
	if c.interval <= 0 {
		c.interval = defaultPollInterval
	}
	if c.attemptTimeout <= 0 {
		c.attemptTimeout = defaultAttemptTimeout
	}
	return c
}

func (c pollConfig) backoff() retry.Backoff {
	if c.exponential {
		return retry.WithCappedDuration(16*c.interval, retry.NewExponential(c.interval))
	}
	return retry.NewConstant(c.interval)
}

// poll repeats attempt until it reports ready, fails, or the deadline passes.
// An explicit strategy timeout is clipped to the deadline of ctx; without one
// the deadline of ctx applies as is.
func poll(ctx context.Context, target Target, cfg pollConfig, attempt attemptFunc) error {
	cfg = cfg.withDefaults()
	log := zerolog.Ctx(ctx).With().Str("strategy", cfg.name).Logger()

	own := cfg.timeout
	if overridden(ctx) {
		own = 0
	}
	timeout := effectiveTimeout(ctx, own)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		last     string
		attempts int
	)
	err := retry.Do(waitCtx, retry.WithMaxDuration(timeout, cfg.backoff()), func(rctx context.Context) error {
		attempts++
		attemptCtx, cancelAttempt := context.WithTimeout(rctx, cfg.attemptTimeout)
		defer cancelAttempt()

		ready, observation, err := attempt(attemptCtx)
		if observation != "" {
			last = observation
		}
		if err != nil {
			return err
		}
		if ready {
			return nil
		}

		if !cfg.oneShot && target != nil {
			if state, serr := target.ContainerState(attemptCtx); serr == nil && state.Exited() {
				return fmt.Errorf("%w with code %d", ErrContainerExited, state.ExitCode)
			}
		}

		log.Debug().Int("attempt", attempts).Str("observation", observation).Msg("not ready yet")
		return retry.RetryableError(errNotReady)
	})

	switch {
	case err == nil:
		log.Debug().Int("attempts", attempts).Msg("ready")
		return nil
	case errors.Is(ctx.Err(), context.Canceled):
		return &CanceledError{Strategy: cfg.name, Err: ctx.Err()}
	case errors.Is(err, errNotReady), waitCtx.Err() != nil:
		return &TimeoutError{
			Timeout:      timeout,
			Observations: []Observation{{Strategy: cfg.name, Last: last}},
		}
	default:
		return fmt.Errorf("%s: %w", cfg.name, err)
	}
}

type overrideKey struct{}

// withOverride makes strategies run under the deadline of ctx and ignore their
// own timeouts.
func withOverride(ctx context.Context) context.Context {
	return context.WithValue(ctx, overrideKey{}, true)
}

func overridden(ctx context.Context) bool {
	v, _ := ctx.Value(overrideKey{}).(bool)
	return v
}

// effectiveTimeout is the time a wait may take: own when set, otherwise the
// default, clipped to the remaining deadline of ctx. Without own and with a
// deadline, the remaining time is reported rounded to milliseconds.
func effectiveTimeout(ctx context.Context, own time.Duration) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		if own > 0 {
			return own
		}
		return defaultStartupTimeout
	}
	remaining := time.Until(dl)
	if own > 0 && own <= remaining {
		return own
	}
	if remaining <= 0 {
		return 0
	}
	return remaining.Round(time.Millisecond)
}
