package download

// State is a task's position in its lifecycle
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateMerging   State = "merging"
	StateFinished  State = "finished"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateCancelled},
	StateRunning: {StateMerging, StateFinished, StateFailed, StateCancelled},
	StateMerging: {StateFinished, StateFailed, StateCancelled},
}

// Terminal returns true once no further transition is possible
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCancelled
}

// Active reports whether a worker currently owns the task
func (s State) Active() bool {
	return s == StateRunning || s == StateMerging
}

// CanTransition reports whether moving from s to next is allowed.
// Staying in the same non-terminal state is allowed so progress can be recorded.
func (s State) CanTransition(next State) bool {
	if s == next {
		return !s.Terminal()
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
