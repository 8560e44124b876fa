package wait

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"
)

var _ Strategy = (*LogStrategy)(nil)

// LogStrategy waits until a pattern shows up in the container output a given
// number of times.
type LogStrategy struct {
	pattern     string
	isRegexp    bool
	occurrences int
	cfg         pollConfig
}

// ForLog waits for the literal text to appear in the container logs.
func ForLog(pattern string) *LogStrategy {
	return &LogStrategy{
		pattern:     pattern,
		occurrences: 1,
		cfg:         pollConfig{name: "log"},
	}
}

// AsRegexp treats the pattern as a regular expression.
func (s *LogStrategy) AsRegexp() *LogStrategy {
	s.isRegexp = true
	return s
}

// WithOccurrence requires n matches before the container counts as ready.
func (s *LogStrategy) WithOccurrence(n int) *LogStrategy {
	if n > 0 {
		s.occurrences = n
	}
	return s
}

// WithStartupTimeout bounds the whole wait.
func (s *LogStrategy) WithStartupTimeout(d time.Duration) *LogStrategy {
	s.cfg.timeout = d
	return s
}

// WithPollInterval sets the delay between log reads.
func (s *LogStrategy) WithPollInterval(d time.Duration) *LogStrategy {
	s.cfg.interval = d
	return s
}

// Timeout returns the explicitly configured startup timeout, zero if unset.
func (s *LogStrategy) Timeout() time.Duration { return s.cfg.timeout }

func (s *LogStrategy) String() string {
	return fmt.Sprintf("log(%q x%d)", s.pattern, s.occurrences)
}

// WaitUntilReady implements Strategy.
func (s *LogStrategy) WaitUntilReady(ctx context.Context, target Target) error {
	expr := regexp.QuoteMeta(s.pattern)
	if s.isRegexp {
		expr = s.pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid log pattern %q: %w", s.pattern, err)
	}

	cfg := s.cfg
	cfg.name = s.String()
	return poll(ctx, target, cfg, func(ctx context.Context) (bool, string, error) {
		rc, err := target.Logs(ctx)
		if err != nil {
			return false, "reading logs: " + err.Error(), nil
		}
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil && len(data) == 0 {
			return false, "reading logs: " + err.Error(), nil
		}

		matches := len(re.FindAllIndex(data, -1))
		observation := fmt.Sprintf("%d of %d occurrences", matches, s.occurrences)
		return matches >= s.occurrences, observation, nil
	})
}
