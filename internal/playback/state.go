package playback

import "fmt"

// State is the playback state of a chat session.
type State int

const (
	// StateIdle means nothing is playing.
	StateIdle State = iota
	// StatePlaying means media is streaming into the call.
	StatePlaying
	// StatePaused means the stream is paused.
	StatePaused
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StateIdle
	case "playing":
		*s = StatePlaying
	case "paused":
		*s = StatePaused
	default:
		return fmt.Errorf("unknown playback state %q", text)
	}
	return nil
}

// A new play replaces whatever was playing, so every state may move to
// Playing.
var transitions = map[State][]State{
	StateIdle:    {StatePlaying},
	StatePlaying: {StatePlaying, StatePaused, StateIdle},
	StatePaused:  {StatePlaying, StatePaused, StateIdle},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
