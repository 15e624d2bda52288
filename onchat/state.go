package onchat

// ConnectionState represents the current state of the WebSocket connection.
type ConnectionState int

const (
	// StateClosed means there is no connection, either not yet dialed or lost.
	StateClosed ConnectionState = iota

	// StateConnecting means the client is establishing a connection.
	StateConnecting

	// StateOpen means the socket is open. Authentication may still be pending.
	StateOpen

	// StateError means the transport failed. A reconnect may already be scheduled.
	StateError
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateEvent represents a state change event.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	Error    error // Optional error that caused the state change
}

// AuthState is the Auth Sequencer state.
type AuthState int

const (
	AuthUnauthenticated AuthState = iota
	AuthAuthenticating
	AuthAuthenticated
)

func (s AuthState) String() string {
	switch s {
	case AuthUnauthenticated:
		return "unauthenticated"
	case AuthAuthenticating:
		return "authenticating"
	case AuthAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// AuthEvent reports an auth state transition. User is the identity the
// transition refers to; Error explains why the session was dropped, if it was.
type AuthEvent struct {
	OldState AuthState
	NewState AuthState
	User     string
	Error    error
}
