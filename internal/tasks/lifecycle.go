package tasks

import "fmt"

// State of a task as observed through status polls. The harness never sees
// the scheduler's internal state, only what polling reveals.
type State string

const (
	StateStarting  State = "Starting"
	StateRunning   State = "Running"
	StateStopped   State = "Stopped"
	StateCompleted State = "Completed"
)

func (s State) Terminal() bool { return s == StateStopped || s == StateCompleted }

// Tracker follows one task through Starting → Running → {Stopped|Completed}.
// Stopped is reached via an explicit stop, Completed is inferred when
// liveness drops without one. Once process_alive has been observed false it
// may never revert; Observe reports a violation instead of going back.
type Tracker struct {
	TaskID string

	state     State
	stopAsked bool
	seenDead  bool
}

func NewTracker(taskID string) *Tracker {
	return &Tracker{TaskID: taskID, state: StateStarting}
}

func (t *Tracker) State() State { return t.state }

// StopRequested records that an explicit stop was issued, so a later dead
// observation resolves to Stopped rather than Completed.
func (t *Tracker) StopRequested() {
	t.stopAsked = true
}

// Observe folds one process_alive observation into the state machine.
// A nil observation (field absent in the response) leaves the state alone.
func (t *Tracker) Observe(alive *bool) (State, error) {
	if alive == nil {
		return t.state, nil
	}
	if *alive {
		if t.seenDead {
			return t.state, fmt.Errorf("task %s: process_alive reverted to true after being observed false", t.TaskID)
		}
		if t.state == StateStarting {
			t.state = StateRunning
		}
		return t.state, nil
	}
	t.seenDead = true
	if !t.state.Terminal() {
		if t.stopAsked {
			t.state = StateStopped
		} else {
			t.state = StateCompleted
		}
	}
	return t.state, nil
}
