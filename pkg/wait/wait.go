// Package wait holds the readiness strategies that decide when a started
// container can be handed to a caller.
package wait

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bnema/gantry/pkg/engine"
)

const (
	defaultStartupTimeout = 60 * time.Second
	defaultPollInterval   = 100 * time.Millisecond
	defaultAttemptTimeout = 5 * time.Second
)

var (
	// ErrTimedOut matches every *TimeoutError.
	ErrTimedOut = errors.New("readiness timed out")
	// ErrContainerExited is returned when the container stops while a
	// strategy that expects it to keep running is waiting.
	ErrContainerExited = errors.New("container exited")
)

// Target is the read side of a started container.
type Target interface {
	Host(ctx context.Context) (string, error)
	MappedPort(ctx context.Context, port string) (int, error)
	ExposedPorts() []string
	Logs(ctx context.Context) (io.ReadCloser, error)
	ContainerState(ctx context.Context) (*engine.ContainerState, error)
	Exec(ctx context.Context, cmd []string) (*engine.ExecResult, error)
}

// Strategy decides when a target is ready. A nil error means ready, an error
// matching ErrTimedOut means the deadline passed, anything else is a failure.
type Strategy interface {
	WaitUntilReady(ctx context.Context, target Target) error
}

// StrategyTimeout is implemented by strategies that carry their own startup
// timeout. Zero means the strategy runs until the deadline of its context,
// or for the default startup timeout when the context has none.
type StrategyTimeout interface {
	Timeout() time.Duration
}

// Observation is the last thing a strategy saw before giving up.
type Observation struct {
	Strategy string
	Last     string
}

// TimeoutError reports a readiness deadline together with what each strategy
// last observed.
type TimeoutError struct {
	Timeout      time.Duration
	Observations []Observation
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "not ready after %s", e.Timeout)
	for _, o := range e.Observations {
		last := o.Last
		if last == "" {
			last = "no observation"
		}
		fmt.Fprintf(&b, "; %s: %s", o.Strategy, last)
	}
	return b.String()
}

// Is makes errors.Is(err, ErrTimedOut) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimedOut
}

// CanceledError reports that the caller gave up before readiness was decided.
type CanceledError struct {
	Strategy string
	Err      error
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("%s: wait canceled: %v", e.Strategy, e.Err)
}

func (e *CanceledError) Unwrap() error { return e.Err }
