package wait

import (
	"context"
	"errors"
	"time"
)

var _ Strategy = (*FuncStrategy)(nil)

// CheckFunc is a custom readiness predicate. Returning an error marks the
// attempt as not ready and the error text becomes the observation; wrap it
// with Permanent to fail the wait instead.
type CheckFunc func(ctx context.Context, target Target) error

// FuncStrategy runs a custom predicate through the shared poller.
type FuncStrategy struct {
	fn  CheckFunc
	cfg pollConfig
}

// ForFunc polls fn until it returns nil.
func ForFunc(name string, fn CheckFunc) *FuncStrategy {
	if name == "" {
		name = "func"
	}
	return &FuncStrategy{fn: fn, cfg: pollConfig{name: name}}
}

// WithStartupTimeout bounds the whole wait.
func (s *FuncStrategy) WithStartupTimeout(d time.Duration) *FuncStrategy {
	s.cfg.timeout = d
	return s
}

// WithPollInterval sets the delay between calls.
func (s *FuncStrategy) WithPollInterval(d time.Duration) *FuncStrategy {
	s.cfg.interval = d
	return s
}

// Timeout returns the explicitly configured startup timeout, zero if unset.
func (s *FuncStrategy) Timeout() time.Duration { return s.cfg.timeout }

// WaitUntilReady implements Strategy.
func (s *FuncStrategy) WaitUntilReady(ctx context.Context, target Target) error {
	return poll(ctx, target, s.cfg, func(ctx context.Context) (bool, string, error) {
		err := s.fn(ctx, target)
		if err == nil {
			return true, "ok", nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return false, p.err.Error(), p.err
		}
		return false, err.Error(), nil
	})
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a CheckFunc error as a definitive failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
