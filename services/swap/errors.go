package swap

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConditionFailed is returned by a Tracker when a conditional write
	// found the stored record in a different state than expected.
	ErrConditionFailed = errors.New("conditional write failed")
	// ErrNotFound is returned when a record attribute or an instance does not exist.
	ErrNotFound = errors.New("not found")
)

// Stage names used in errors and logs.
const (
	StageLoadRecord      = "load_record"
	StageReadPayload     = "read_payload"
	StageCaptureOriginal = "capture_original"
	StageWritePayload    = "write_payload"
	StageRestorePayload  = "restore_payload"
	StageCommitState     = "commit_state"
	StageLoadOriginal    = "load_original"
	StagePoll            = "poll"
	StageStop            = "stop"
	StageStart           = "start"
)

// DependencyError wraps a failure of the instance API or the durable store.
type DependencyError struct {
	InstanceID string
	Stage      string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.InstanceID, e.Stage, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// TimeoutError is returned when a Poller exhausts its attempt budget.
type TimeoutError struct {
	InstanceID string
	Expected   string
	LastState  string
	Attempts   int
	Interval   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("exceeded %d attempts while waiting for %s to enter the %s state (last observed %q)",
		e.Attempts, e.InstanceID, e.Expected, e.LastState)
}

// UnknownStateError means the stored inst_state is outside the known set.
type UnknownStateError struct {
	InstanceID string
	State      State
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("%s in unknown inst_state: %q", e.InstanceID, string(e.State))
}

// ConflictError means a concurrent invocation already committed the
// transition this one attempted.
type ConflictError struct {
	InstanceID string
	From       State
	To         State
	Err        error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: transition %s -> %s already taken: %v", e.InstanceID, e.From, e.To, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IsConflict reports whether err carries a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func depErr(instanceID, stage string, err error) error {
	return &DependencyError{InstanceID: instanceID, Stage: stage, Err: err}
}
