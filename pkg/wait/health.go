package wait

import (
	"context"
	"fmt"
	"time"
)

var _ Strategy = (*HealthStrategy)(nil)

// HealthStrategy waits until the engine reports the container healthy.
type HealthStrategy struct {
	cfg pollConfig
}

// ForHealthCheck waits for the image or spec defined healthcheck to pass.
func ForHealthCheck() *HealthStrategy {
	return &HealthStrategy{cfg: pollConfig{name: "healthcheck"}}
}

// WithStartupTimeout bounds the whole wait.
func (s *HealthStrategy) WithStartupTimeout(d time.Duration) *HealthStrategy {
	s.cfg.timeout = d
	return s
}

// WithPollInterval sets the delay between inspections.
func (s *HealthStrategy) WithPollInterval(d time.Duration) *HealthStrategy {
	s.cfg.interval = d
	return s
}

// Timeout returns the explicitly configured startup timeout, zero if unset.
func (s *HealthStrategy) Timeout() time.Duration { return s.cfg.timeout }

// WaitUntilReady implements Strategy.
func (s *HealthStrategy) WaitUntilReady(ctx context.Context, target Target) error {
	return poll(ctx, target, s.cfg, func(ctx context.Context) (bool, string, error) {
		state, err := target.ContainerState(ctx)
		if err != nil {
			return false, "inspecting container: " + err.Error(), nil
		}
		if !state.HasHealthcheck {
			return false, "", fmt.Errorf("container has no healthcheck")
		}
		return state.Health == "healthy", "health " + state.Health, nil
	})
}
