package process

// State is the lifecycle state of a Handle.
type State int

const (
	Idle State = iota
	Starting
	Running
	Finished
	Killed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Killed:
		return "killed"
	default:
		return "unknown"
	}
}
