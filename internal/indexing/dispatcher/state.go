package dispatcher

import "slices"

// State is the position of a dispatcher in its batch loop.
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateExecuting  State = "executing"
	StateCommitting State = "committing"
	StatePaused     State = "paused"
	StateStopped    State = "stopped"
)

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateIdle:       {StateFetching, StatePaused, StateStopped},
	StateFetching:   {StateExecuting, StateIdle, StatePaused, StateStopped},
	StateExecuting:  {StateCommitting, StateIdle, StatePaused, StateStopped},
	StateCommitting: {StateIdle, StatePaused, StateStopped},
	StatePaused:     {StateIdle, StateStopped},
	StateStopped:    {},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateIdle:
		return "Idle - waiting for the next batch"
	case StateFetching:
		return "Fetching - reading blocks from the source"
	case StateExecuting:
		return "Executing - running handlers inside a transaction"
	case StateCommitting:
		return "Committing - advancing the cursor and committing"
	case StatePaused:
		return "Paused - held by operator"
	case StateStopped:
		return "Stopped - no further batches are scheduled"
	default:
		return "Unknown state"
	}
}
