package orchestrator

import "fmt"

// State is the lifecycle stage of one export.
type State int32

const (
	StateIdle State = iota
	StateCounting
	StateStreaming
	StateDraining
	StateFinalized
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCounting:
		return "counting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateFailed || s == StateAborted
}
