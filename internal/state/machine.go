package state

// Machine owns the State for one download id and computes transitions.
//
// Commands (user intent) and events (scheduler facts) go through disjoint
// transition tables. The event table excludes Paused on purpose: pausing
// cancels the underlying work unit, and the resulting failed/cancelled
// report must not override an explicit Paused state. Every type switch is
// exhaustive over the known variants; an unknown (state, input) pair is a
// rejection, never a silent acceptance.
//
// Machine is not safe for concurrent use. The controller serializes all
// access per id.
type Machine struct {
	current State
}

// NewMachine creates a machine in the Idle state.
func NewMachine() *Machine {
	return &Machine{current: Idle{}}
}

// Restore creates a machine already positioned at s. Used only when
// rehydrating persisted downloads, where there is no event stream to replay.
func Restore(s State) *Machine {
	return &Machine{current: s}
}

// Current returns the machine's state.
func (m *Machine) Current() State {
	return m.current
}

// ExecuteCommand applies a user command. It returns the next state and true
// when the transition is valid, or the unchanged state and false when the
// command is rejected for the current state.
func (m *Machine) ExecuteCommand(cmd Command) (State, bool) {
	var next State

	switch cmd.(type) {
	case Start:
		switch m.current.(type) {
		case Idle, Failed, Cancelled:
			next = Queued{}
		default:
			return m.current, false
		}
	case Pause:
		switch m.current.(type) {
		case Queued, Running:
			next = Paused{}
		default:
			return m.current, false
		}
	case Resume:
		switch m.current.(type) {
		case Paused:
			next = Queued{}
		default:
			return m.current, false
		}
	case Cancel:
		switch m.current.(type) {
		case Queued, Running, Paused:
			next = Cancelled{}
		default:
			return m.current, false
		}
	case Remove:
		// Remove always succeeds at the state level; record deletion is the
		// controller's job.
		next = Cancelled{}
	default:
		return m.current, false
	}

	m.current = next

	return next, true
}

// HandleEvent applies a scheduler event. Same contract as ExecuteCommand.
func (m *Machine) HandleEvent(ev Event) (State, bool) {
	var next State

	switch e := ev.(type) {
	case WorkEnqueued:
		switch m.current.(type) {
		case Queued:
			next = Queued{}
		default:
			return m.current, false
		}
	case WorkStarted:
		switch m.current.(type) {
		case Queued:
			next = Running{}
		default:
			return m.current, false
		}
	case ProgressUpdated:
		switch m.current.(type) {
		case Queued, Running:
			next = Running{
				Progress:        e.Progress,
				DownloadedBytes: e.DownloadedBytes,
				TotalBytes:      e.TotalBytes,
			}
		default:
			return m.current, false
		}
	case WorkCompleted:
		switch m.current.(type) {
		case Running:
			next = Completed{LocalPath: e.LocalPath, FileSize: e.FileSize}
		default:
			return m.current, false
		}
	case WorkFailed:
		// Paused is excluded: a pause cancels the work unit and the scheduler
		// reports that as a failure, which must not clobber Paused.
		switch m.current.(type) {
		case Queued, Running:
			next = Failed{Reason: e.Reason}
		default:
			return m.current, false
		}
	case WorkCancelled:
		// Same Paused exclusion as WorkFailed.
		switch m.current.(type) {
		case Queued, Running:
			next = Cancelled{}
		default:
			return m.current, false
		}
	default:
		return m.current, false
	}

	m.current = next

	return next, true
}

// IsActive reports whether the download has live or pending work.
func (m *Machine) IsActive() bool {
	switch m.current.(type) {
	case Queued, Running:
		return true
	default:
		return false
	}
}

// CanPause reports whether a Pause command would be accepted.
func (m *Machine) CanPause() bool {
	return m.IsActive()
}

// CanResume reports whether a Resume command would be accepted.
func (m *Machine) CanResume() bool {
	_, ok := m.current.(Paused)
	return ok
}
