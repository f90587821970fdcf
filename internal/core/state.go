package core

// UpdateState is the persisted stage of the update pipeline.
type UpdateState string

const (
	UpdateStateIdle        UpdateState = "STATE_IDLE"
	UpdateStateStarting    UpdateState = "STATE_STARTING"
	UpdateStateDownloading UpdateState = "STATE_DOWNLOADING"
	UpdateStateConverting  UpdateState = "STATE_CONVERTING"
	UpdateStateInstalling  UpdateState = "STATE_INSTALLING"
	// UpdateStateRemoving is the dedicated deletion flow. It preempts
	// any in-flight update and exits back to idle.
	UpdateStateRemoving UpdateState = "STATE_REMOVING"
	UpdateStateError    UpdateState = "STATE_ERROR"
)

// transitions lists every legal next state. No transition may skip an
// intermediate update stage; removing is reachable from anywhere.
var transitions = map[UpdateState][]UpdateState{
	UpdateStateIdle:        {UpdateStateStarting, UpdateStateRemoving},
	UpdateStateStarting:    {UpdateStateDownloading, UpdateStateRemoving},
	UpdateStateDownloading: {UpdateStateConverting, UpdateStateError, UpdateStateRemoving},
	UpdateStateConverting:  {UpdateStateInstalling, UpdateStateError, UpdateStateRemoving},
	UpdateStateInstalling:  {UpdateStateIdle, UpdateStateError, UpdateStateRemoving},
	UpdateStateRemoving:    {UpdateStateIdle, UpdateStateError},
	UpdateStateError:       {UpdateStateStarting, UpdateStateRemoving},
}

// KnownUpdateState reports whether s is one of the persisted states.
func KnownUpdateState(s UpdateState) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether s -> to is a legal transition.
func (s UpdateState) CanTransition(to UpdateState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// InProgress reports whether s is a stale in-flight marker when seen at
// process start: no live owner can exist then, so recovery restarts.
func (s UpdateState) InProgress() bool {
	switch s {
	case UpdateStateStarting, UpdateStateDownloading, UpdateStateConverting,
		UpdateStateInstalling, UpdateStateRemoving:
		return true
	default:
		return false
	}
}
