package swap

import "time"

// State is the persisted progress marker of an instance's user-data swap.
type State string

const (
	// StateAbsent is never stored; it is what a lookup miss means.
	StateAbsent       State = ""
	StatePendingReset State = "pending_reset"
	StateCompleted    State = "completed"
)

// Power states reported by the instance API.
const (
	PowerPending      = "pending"
	PowerRunning      = "running"
	PowerShuttingDown = "shutting-down"
	PowerTerminated   = "terminated"
	PowerStopping     = "stopping"
	PowerStopped      = "stopped"
)

func (s State) String() string {
	if s == StateAbsent {
		return "none"
	}
	return string(s)
}

// Known reports whether s is one of the states the workflow can produce.
func (s State) Known() bool {
	switch s {
	case StateAbsent, StatePendingReset, StateCompleted:
		return true
	default:
		return false
	}
}

// InstanceRecord is the durable row kept per instance id.
type InstanceRecord struct {
	InstanceID   string
	State        State
	OrigUserData []byte
	// HasOriginal distinguishes an empty captured payload from none captured.
	HasOriginal bool
	UpdatedAt   time.Time
}

// Transition describes what a HandleStop call did. To is StateAbsent when
// nothing changed.
type Transition struct {
	InstanceID string `json:"instance_id"`
	From       State  `json:"from"`
	To         State  `json:"to"`
}

// Changed reports whether a state transition was committed.
func (t Transition) Changed() bool { return t.To != StateAbsent }
