package state

// Action is the single runtime operation that moves a container toward its
// desired status.
type Action uint8

const (
	ActionNone Action = iota
	ActionCreate
	ActionStart
	ActionStop
	ActionPause
	ActionUnpause
	ActionRestart
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionCreate:
		return "create"
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	case ActionPause:
		return "pause"
	case ActionUnpause:
		return "unpause"
	case ActionRestart:
		return "restart"
	default:
		return "invalid"
	}
}

// NextAction derives the runtime operation for r. Records without a
// runtime container id always start with ActionCreate; the runtime brings
// the created container to the desired status in the same call.
func (r Record) NextAction() Action {
	if r.ContainerID == "" {
		return ActionCreate
	}
	switch r.Desired {
	case DesiredRunning:
		switch r.Current {
		case CurrentRunning:
			return ActionNone
		case CurrentPaused:
			return ActionUnpause
		default:
			return ActionStart
		}
	case DesiredStopped:
		if r.Current == CurrentStopped {
			return ActionNone
		}
		return ActionStop
	case DesiredPaused:
		if r.Current == CurrentPaused {
			return ActionNone
		}
		return ActionPause
	case DesiredRestarted:
		return ActionRestart
	}
	return ActionNone
}
