package conn

import "fmt"

// State is where one logical connection is in its lifecycle.
type State int

const (
	StateDisconnected State = iota // no session; parked in the registry or never connected
	StateConnected                 // bound to a live session, traffic flows
	StateReconnecting              // a session is being set up and handshaken
	StateFailed                    // gave up; pending sends failed, terminal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions lists the legal state changes. Failed is terminal.
var transitions = map[State][]State{
	StateConnected:    {StateDisconnected, StateFailed},
	StateDisconnected: {StateReconnecting, StateFailed},
	StateReconnecting: {StateConnected, StateDisconnected, StateFailed},
	StateFailed:       {},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to State) bool {
	for _, valid := range transitions[from] {
		if to == valid {
			return true
		}
	}
	return false
}
