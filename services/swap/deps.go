package swap

import "context"

// PayloadStore reads and writes the user data attached to an instance.
type PayloadStore interface {
	Payload(ctx context.Context, instanceID string) ([]byte, error)
	SetPayload(ctx context.Context, instanceID string, data []byte) error
	// SwapPayload writes data and returns what it replaced.
	SwapPayload(ctx context.Context, instanceID string, data []byte) ([]byte, error)
}

// PowerController drives and observes an instance's power state.
type PowerController interface {
	Stop(ctx context.Context, instanceID string, force bool) error
	Start(ctx context.Context, instanceID string) error
	PowerState(ctx context.Context, instanceID string) (string, error)
}

// Tracker persists swap progress per instance id. Implementations must make
// PutOriginal and Transition conditional writes and report a lost condition
// with ErrConditionFailed.
type Tracker interface {
	// Get returns the full record; a missing record yields State == StateAbsent.
	Get(ctx context.Context, instanceID string) (InstanceRecord, error)
	// Original returns the captured orig_userdata, or ErrNotFound.
	Original(ctx context.Context, instanceID string) ([]byte, error)
	// PutOriginal stores orig_userdata only if none is stored yet.
	PutOriginal(ctx context.Context, instanceID string, data []byte) error
	// Transition sets inst_state to "to" only if it currently equals "from".
	// Moving to StatePendingReset additionally requires orig_userdata.
	Transition(ctx context.Context, instanceID string, from, to State) error
}
