package resource

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration matches every *ConfigurationError.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrInvalidTransition is returned for a lifecycle transition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrRemoved is returned by accessors of a handle whose resource is gone.
	ErrRemoved = errors.New("resource removed")
)

// ConfigurationError reports a batch that cannot be provisioned as declared.
// It is always detected before any resource is touched.
type ConfigurationError struct {
	Resources []string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if len(e.Resources) == 0 {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration for %s: %s", strings.Join(e.Resources, ", "), e.Reason)
}

// Is makes errors.Is(err, ErrConfiguration) hold.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// PullError reports a failed image fetch. Pull failures are not retried.
type PullError struct {
	Resource string
	Image    string
	Err      error
}

func (e *PullError) Error() string {
	return fmt.Sprintf("%s: pull %s: %v", e.Resource, e.Image, e.Err)
}

func (e *PullError) Unwrap() error { return e.Err }

// ReadinessError reports a resource that never became ready. Err is either a
// *wait.TimeoutError or the failure reason.
type ReadinessError struct {
	Resource string
	Err      error
}

func (e *ReadinessError) Error() string {
	return fmt.Sprintf("%s: not ready: %v", e.Resource, e.Err)
}

func (e *ReadinessError) Unwrap() error { return e.Err }

// EngineError wraps an engine failure with the operation that caused it.
type EngineError struct {
	Resource string
	Op       string
	Err      error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Resource, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// ProvisionError is returned when a batch failed and was rolled back. Cleanup
// holds the teardown errors, if any.
type ProvisionError struct {
	Resource string
	Err      error
	Cleanup  error
}

func (e *ProvisionError) Error() string {
	msg := "provision failed"
	if e.Resource != "" {
		msg += " at " + e.Resource
	}
	msg += ": " + e.Err.Error()
	if e.Cleanup != nil {
		msg += " (cleanup: " + e.Cleanup.Error() + ")"
	}
	return msg
}

func (e *ProvisionError) Unwrap() error { return e.Err }
