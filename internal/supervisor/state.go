package supervisor

import "fmt"

// State is a step of one Run invocation. Every invocation that passes
// validation ends in StateDone, reached through StateTearingDown.
type State int

const (
	StateIdle State = iota
	StateListenerOpen
	StateChildSpawned
	StateAwaitingReady
	StateReady
	StateTestRunning
	StateTimeout
	StateTearingDown
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListenerOpen:
		return "listener-open"
	case StateChildSpawned:
		return "child-spawned"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateReady:
		return "ready"
	case StateTestRunning:
		return "test-running"
	case StateTimeout:
		return "timeout"
	case StateTearingDown:
		return "tearing-down"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
