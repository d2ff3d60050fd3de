package scheduler

// State is the position of the scheduler in its cycle.
type State int32

const (
	Idle State = iota
	Fetching
	Validating
	Writing
	Sleeping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Validating:
		return "validating"
	case Writing:
		return "writing"
	case Sleeping:
		return "sleeping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
