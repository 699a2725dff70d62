package nydusd

import (
	"fmt"

	"rafsctl/internal/services"
)

// State tracks a daemon session through its lifecycle. Transitions are
// linear (Unstarted -> Mounting -> Mounted -> Unmounting -> Terminated)
// with Failed absorbing from any live state.
type State string

const (
	StateUnstarted  State = "unstarted"
	StateMounting   State = "mounting"
	StateMounted    State = "mounted"
	StateUnmounting State = "unmounting"
	StateTerminated State = "terminated"
	StateFailed     State = "failed"
)

// ParseState validates a stored state label.
func ParseState(value string) (State, error) {
	switch State(value) {
	case StateUnstarted, StateMounting, StateMounted, StateUnmounting, StateTerminated, StateFailed:
		return State(value), nil
	default:
		return "", services.Wrap(services.ErrValidation, "nydusd", "parse_state", fmt.Sprintf("unknown session state %q", value), nil)
	}
}

func (s State) String() string {
	return string(s)
}

// Terminal reports whether the session can make no further progress.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// Live reports whether the daemon process is expected to be running.
func (s State) Live() bool {
	return s == StateMounting || s == StateMounted || s == StateUnmounting
}
