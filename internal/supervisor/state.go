package supervisor

import (
	"fmt"
	"time"

	"github.com/loykin/tether/internal/process"
)

// State is the supervisor's lifecycle state.
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//	Running -> Crashed (process vanished without a stop request)
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

var allStates = []State{StateStopped, StateStarting, StateRunning, StateStopping, StateCrashed}

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range allStates {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Notification is delivered to subscribers. It is either a StateChanged or
// a Crash.
type Notification interface {
	notification()
}

// StateChanged reports one state transition.
type StateChanged struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Crash reports a backend that died while no stop was requested. It is
// raised at most once per spawned process.
type Crash struct {
	Profile string           `json:"profile"`
	PID     int              `json:"pid"`
	Exit    process.ExitInfo `json:"-"`
	Reason  string           `json:"reason"`
	At      time.Time        `json:"at"`
}

func (StateChanged) notification() {}
func (Crash) notification()        {}
