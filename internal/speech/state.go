package speech

// State is the lifecycle state of the speech session manager.
type State int

const (
	// StateIdle means no session is in progress. A new session may be
	// started.
	StateIdle State = iota

	// StateActive means a session is capturing and the platform recognizer
	// is running.
	StateActive

	// StateAwaitingRestart means the platform ended recognition on its own
	// while the session was active and the manager is restarting it.
	StateAwaitingRestart

	// StateEnded is transient: the session has been invalidated and the
	// manager is stopping the recognizer and running callbacks. It returns
	// to StateIdle afterwards. A new session may be started from this state.
	StateEnded
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateAwaitingRestart:
		return "awaiting-restart"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// capturing reports whether a session is in progress.
func (s State) capturing() bool {
	return s == StateActive || s == StateAwaitingRestart
}
