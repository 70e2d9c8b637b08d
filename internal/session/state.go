package session

// State is the lifecycle position of a controller's current call
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateErrored
)

// String returns the lowercase state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Active reports whether the state holds or is acquiring call resources
func (s State) Active() bool {
	return s == StateConnecting || s == StateOpen
}

// User-visible status strings
const (
	StatusIdle       = "idle"
	StatusConnecting = "connecting"
	StatusLive       = "live"
	StatusEnded      = "ended"
)

// errorStatus formats the status shown for a failed call
func errorStatus(reason string) string {
	return "error: " + reason
}
