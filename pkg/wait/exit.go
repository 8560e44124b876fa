package wait

import (
	"context"
	"fmt"
	"time"
)

var _ Strategy = (*ExitStrategy)(nil)

// ExitStrategy is the one-shot strategy: the container is done when its
// process exited with code 0.
type ExitStrategy struct {
	cfg pollConfig
}

// ForExit waits for the container to exit successfully.
func ForExit() *ExitStrategy {
	return &ExitStrategy{cfg: pollConfig{name: "exit", oneShot: true}}
}

// WithStartupTimeout bounds the whole wait.
func (s *ExitStrategy) WithStartupTimeout(d time.Duration) *ExitStrategy {
	s.cfg.timeout = d
	return s
}

// WithPollInterval sets the delay between inspections.
func (s *ExitStrategy) WithPollInterval(d time.Duration) *ExitStrategy {
	s.cfg.interval = d
	return s
}

// Timeout returns the explicitly configured startup timeout, zero if unset.
func (s *ExitStrategy) Timeout() time.Duration { return s.cfg.timeout }

// WaitUntilReady implements Strategy.
func (s *ExitStrategy) WaitUntilReady(ctx context.Context, target Target) error {
	return poll(ctx, target, s.cfg, func(ctx context.Context) (bool, string, error) {
		state, err := target.ContainerState(ctx)
		if err != nil {
			return false, "inspecting container: " + err.Error(), nil
		}
		if !state.Exited() {
			return false, "status " + state.Status, nil
		}
		if state.ExitCode != 0 {
			return false, "", fmt.Errorf("%w with code %d", ErrContainerExited, state.ExitCode)
		}
		return true, "exited with code 0", nil
	})
}
