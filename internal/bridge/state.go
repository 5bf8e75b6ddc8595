package bridge

// State is the lifecycle state of the runtime.
type State int

const (
	// StateNotStarted means Start was never called.
	StateNotStarted State = iota
	// StateStarting means the client and engine are being brought up.
	StateStarting
	// StateReady means units of work are accepted.
	StateReady
	// StateStopping means the runtime is draining and shutting down.
	StateStopping
	// StateStopped is terminal.
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateNotStarted: {StateStarting, StateStopped},
	StateStarting:   {StateReady, StateStopped},
	StateReady:      {StateStopping},
	StateStopping:   {StateStopped},
}

// canTransition reports whether from -> to is allowed.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
