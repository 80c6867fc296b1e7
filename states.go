package fetchq

// State selects which tasks ListTasks reports.
type State string

const (
	// StatePending contains tasks waiting in the queue.
	StatePending State = "pending"
	// StateActive contains tasks held by a worker.
	StateActive State = "active"
)

// AllStates lists every valid state in a stable order.
var AllStates = []State{StatePending, StateActive}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	switch s {
	case string(StatePending):
		return StatePending, nil
	case string(StateActive):
		return StateActive, nil
	default:
		return "", ErrUnknownState
	}
}
