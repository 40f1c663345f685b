package controller

// State is the outcome of a lifecycle operation. Only STOPPED and RUNNING
// describe the emulator itself; they are derived by probing the port.
type State string

const (
	Stopped        State = "STOPPED"
	Running        State = "RUNNING"
	AlreadyRunning State = "ALREADY_RUNNING"
	Killed         State = "KILLED"
)

func (s State) String() string { return string(s) }
