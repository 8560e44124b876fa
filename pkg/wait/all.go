package wait

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

var _ Strategy = (*MultiStrategy)(nil)

// MultiStrategy is ready when every child is ready. Children run concurrently
// under the composite timeout.
type MultiStrategy struct {
	strategies []Strategy
	timeout    time.Duration
}

// ForAll combines strategies with AND semantics.
func ForAll(strategies ...Strategy) *MultiStrategy {
	return &MultiStrategy{strategies: strategies}
}

// WithStartupTimeout bounds the composite as a whole and replaces the
// timeouts of its children. Without it the longest explicit child timeout
// applies, or the deadline of the context when no child sets one.
func (s *MultiStrategy) WithStartupTimeout(d time.Duration) *MultiStrategy {
	s.timeout = d
	return s
}

// Timeout returns the composite timeout, zero when neither the composite nor
// any child sets one.
func (s *MultiStrategy) Timeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	var longest time.Duration
	for _, child := range s.strategies {
		if t, ok := child.(StrategyTimeout); ok && t.Timeout() > longest {
			longest = t.Timeout()
		}
	}
	return longest
}

// WaitUntilReady implements Strategy. A definitive failure of one child
// cancels the others. When the deadline passes the returned *TimeoutError holds
// the last observation of every child that timed out.
func (s *MultiStrategy) WaitUntilReady(ctx context.Context, target Target) error {
	if len(s.strategies) == 0 {
		return nil
	}

	own := s.Timeout()
	if overridden(ctx) {
		own = 0
	}
	timeout := effectiveTimeout(ctx, own)
	if s.timeout > 0 {
		ctx = withOverride(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	childCtx, abort := context.WithCancel(ctx)
	defer abort()

	errs := make([]error, len(s.strategies))
	var g errgroup.Group
	for i, child := range s.strategies {
		g.Go(func() error {
			err := child.WaitUntilReady(childCtx, target)
			if err != nil && !errors.Is(err, ErrTimedOut) {
				abort()
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var (
		merged   *TimeoutError
		canceled error
	)
	for _, err := range errs {
		var (
			te *TimeoutError
			ce *CanceledError
		)
		switch {
		case err == nil:
		case errors.As(err, &te):
			if merged == nil {
				merged = &TimeoutError{Timeout: timeout}
			}
			merged.Observations = append(merged.Observations, te.Observations...)
		case errors.As(err, &ce):
			if canceled == nil {
				canceled = err
			}
		default:
			return err
		}
	}

	if merged != nil {
		return merged
	}
	return canceled
}
