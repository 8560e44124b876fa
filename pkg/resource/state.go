package resource

import "fmt"

// State is the lifecycle state of one resource.
type State string

const (
	StateDefined       State = "defined"
	StateCreating      State = "creating"
	StateCreated       State = "created"
	StateStarting      State = "starting"
	StateAwaitingReady State = "awaiting_ready"
	StateReady         State = "ready"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	StateRemoved       State = "removed"
	StateFailed        State = "failed"
)

var transitions = map[State][]State{
	StateDefined:       {StateCreating, StateRemoved},
	StateCreating:      {StateCreated},
	StateCreated:       {StateStarting, StateStopping},
	StateStarting:      {StateAwaitingReady},
	StateAwaitingReady: {StateReady},
	StateReady:         {StateStopping},
	StateStopping:      {StateStopped},
	StateStopped:       {StateRemoved},
	// a failed resource can still be cleaned up
	StateFailed: {StateStopping, StateRemoved},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateRemoved
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateFailed && !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an ErrInvalidTransition error when from -> to is not allowed.
func CheckTransition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
