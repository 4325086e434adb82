package model

// SessionState is the lifecycle state of the tunnel session.
type SessionState int

const (
	// StateIdle means there is no tunnel: no device, no bridge, no engine.
	StateIdle = SessionState(iota)

	// StateStarting means a start request is bringing the subsystems up.
	StateStarting

	// StateRunning means the device is established and the engine loop
	// has been dispatched.
	StateRunning

	// StateStopping means teardown is in progress.
	StateStopping
)

// String maps a [SessionState] to a string.
func (ss SessionState) String() string {
	switch ss {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "INVALID"
	}
}
