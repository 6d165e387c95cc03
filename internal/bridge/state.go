// Package bridge implements the connection lifecycle manager: the state
// machine that orchestrates connect/disconnect, credential refresh, health
// checking and the bounded retry protocol.
package bridge

// ConnectionState represents the current state of the proxy connection.
type ConnectionState string

const (
	// StateDisconnected indicates no active proxy configuration. This is
	// the initial state and the only state reachable by explicit user
	// action or by exhausting retries.
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting indicates a connection is being established.
	StateConnecting ConnectionState = "connecting"
	// StateConnected indicates the host proxy is configured and healthy.
	StateConnected ConnectionState = "connected"
	// StateError indicates a failure is being handled. Not terminal:
	// retries lead back to Connecting, give-up leads to Disconnected.
	StateError ConnectionState = "error"
)

// IsConnected returns true if the state represents an active connection.
func (s ConnectionState) IsConnected() bool {
	return s == StateConnected
}

// CanConnect returns true if a new connection can be initiated from this state.
func (s ConnectionState) CanConnect() bool {
	return s == StateDisconnected || s == StateError
}

// validTransitions defines the allowed state transitions.
var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {
		StateConnecting,
	},
	StateConnecting: {
		StateConnected,
		StateError,
		StateDisconnected,
	},
	StateConnected: {
		StateError,
		StateDisconnected,
	},
	StateError: {
		StateConnecting, // retry
		StateDisconnected,
	},
}

// IsValidTransition checks if transitioning from one state to another is allowed.
func IsValidTransition(from, to ConnectionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllStates returns all possible connection states.
func AllStates() []ConnectionState {
	return []ConnectionState{
		StateDisconnected,
		StateConnecting,
		StateConnected,
		StateError,
	}
}
