package registry

// EventType enumerates registry lifecycle notifications.
type EventType int

const (
	// Started fires when the first process is registered (0→1 total).
	Started EventType = iota
	// GroupStarted fires when a group becomes non-empty.
	GroupStarted
	// GroupFinished fires when a group becomes empty.
	GroupFinished
	// Finished fires when the last process is removed (1→0 total).
	Finished
)

func (t EventType) String() string {
	switch t {
	case Started:
		return "started"
	case GroupStarted:
		return "group_started"
	case GroupFinished:
		return "group_finished"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification. GroupID is set for group events only.
type Event struct {
	Type    EventType
	GroupID int
}
