package swap

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("marionette/services/swap")

// StateMachine swaps an instance's user data on its first observed stop and
// restores it on the next one. All progress lives in the Tracker, so any
// number of StateMachine values may serve notifications concurrently.
type StateMachine struct {
	payloads   PayloadStore
	tracker    Tracker
	substitute []byte
	logger     *log.Logger
}

// NewStateMachine creates a state machine bound to the provided dependencies.
func NewStateMachine(payloads PayloadStore, tracker Tracker, substitute []byte, logger *log.Logger) (*StateMachine, error) {
	if payloads == nil {
		return nil, errors.New("payload store is required")
	}
	if tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if len(substitute) == 0 {
		return nil, errors.New("substitute payload is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &StateMachine{
		payloads:   payloads,
		tracker:    tracker,
		substitute: bytes.Clone(substitute),
		logger:     logger,
	}, nil
}

// HandleStop advances the stored state of instanceID by at most one step.
// It must only be called once the instance is known to be stopped.
func (sm *StateMachine) HandleStop(ctx context.Context, instanceID string) (Transition, error) {
	if sm == nil {
		return Transition{}, errors.New("nil state machine")
	}
	if instanceID == "" {
		return Transition{}, errors.New("instance id is required")
	}

	ctx, span := tracer.Start(ctx, "swap.HandleStop", trace.WithAttributes(attribute.String("instance.id", instanceID)))
	defer span.End()

	tr, err := sm.handleStop(ctx, instanceID)
	observeTransition(tr, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return tr, err
	}
	span.SetAttributes(attribute.String("swap.from", tr.From.String()), attribute.String("swap.to", tr.To.String()))
	return tr, nil
}

func (sm *StateMachine) handleStop(ctx context.Context, instanceID string) (Transition, error) {
	rec, err := sm.tracker.Get(ctx, instanceID)
	if err != nil {
		return Transition{InstanceID: instanceID}, depErr(instanceID, StageLoadRecord, err)
	}

	switch rec.State {
	case StateAbsent:
		return sm.install(ctx, instanceID, rec)
	case StatePendingReset:
		return sm.revert(ctx, instanceID)
	case StateCompleted:
		sm.logger.Printf("INFO '%s' (inst_state %s): skipping, swap already completed", instanceID, rec.State)
		return Transition{InstanceID: instanceID, From: StateCompleted}, nil
	default:
		return Transition{InstanceID: instanceID, From: rec.State}, &UnknownStateError{InstanceID: instanceID, State: rec.State}
	}
}

// install captures the current payload and replaces it with the substitute.
// The capture is committed before the instance is written so that a
// concurrent invocation can never capture the substitute as the original.
func (sm *StateMachine) install(ctx context.Context, instanceID string, rec InstanceRecord) (Transition, error) {
	tr := Transition{InstanceID: instanceID, From: StateAbsent}

	orig := rec.OrigUserData
	if rec.HasOriginal {
		sm.logger.Printf("INFO '%s' (inst_state %s): reusing previously captured user data", instanceID, StateAbsent)
	} else {
		current, err := sm.payloads.Payload(ctx, instanceID)
		if err != nil {
			return tr, depErr(instanceID, StageReadPayload, err)
		}
		switch err := sm.tracker.PutOriginal(ctx, instanceID, current); {
		case err == nil:
			orig = current
		case errors.Is(err, ErrConditionFailed):
			stored, err := sm.tracker.Original(ctx, instanceID)
			if err != nil {
				return tr, depErr(instanceID, StageLoadOriginal, err)
			}
			sm.logger.Printf("INFO '%s' (inst_state %s): user data captured concurrently, using stored copy", instanceID, StateAbsent)
			orig = stored
		default:
			return tr, depErr(instanceID, StageCaptureOriginal, err)
		}
	}

	sm.logger.Printf("INFO '%s' (inst_state %s): setting substitute user data (%d bytes captured)", instanceID, StateAbsent, len(orig))
	if err := sm.payloads.SetPayload(ctx, instanceID, sm.substitute); err != nil {
		return tr, depErr(instanceID, StageWritePayload, err)
	}

	if err := sm.commit(ctx, instanceID, StateAbsent, StatePendingReset); err != nil {
		if IsConflict(err) {
			return tr, sm.undoInstall(ctx, instanceID, orig, err)
		}
		return tr, err
	}
	tr.To = StatePendingReset
	sm.logger.Printf("INFO '%s' (inst_state %s): substitute user data set, inst_state now %s", instanceID, StateAbsent, StatePendingReset)
	return tr, nil
}

// undoInstall handles a lost absent -> pending_reset commit. When the winner
// has already reverted, the captured original is written back over the
// substitute this invocation installed.
func (sm *StateMachine) undoInstall(ctx context.Context, instanceID string, orig []byte, conflict error) error {
	rec, err := sm.tracker.Get(ctx, instanceID)
	if err != nil {
		return depErr(instanceID, StageLoadRecord, err)
	}
	if rec.State != StateCompleted {
		return conflict
	}

	sm.logger.Printf("WARN '%s' (inst_state %s): lost install race after revert, restoring original user data", instanceID, rec.State)
	if err := sm.payloads.SetPayload(ctx, instanceID, orig); err != nil {
		return depErr(instanceID, StageRestorePayload, err)
	}
	return conflict
}

func (sm *StateMachine) revert(ctx context.Context, instanceID string) (Transition, error) {
	tr := Transition{InstanceID: instanceID, From: StatePendingReset}

	orig, err := sm.tracker.Original(ctx, instanceID)
	if err != nil {
		return tr, depErr(instanceID, StageLoadOriginal, err)
	}

	sm.logger.Printf("INFO '%s' (inst_state %s): reverting to original user data", instanceID, StatePendingReset)
	replaced, err := sm.payloads.SwapPayload(ctx, instanceID, orig)
	if err != nil {
		return tr, depErr(instanceID, StageWritePayload, err)
	}
	if !bytes.Equal(replaced, sm.substitute) {
		sm.logger.Printf("WARN '%s' (inst_state %s): replaced user data was not the substitute (%d bytes)", instanceID, StatePendingReset, len(replaced))
	}

	if err := sm.commit(ctx, instanceID, StatePendingReset, StateCompleted); err != nil {
		return tr, err
	}
	tr.To = StateCompleted
	sm.logger.Printf("INFO '%s' (inst_state %s): reverted to original user data, inst_state now %s", instanceID, StatePendingReset, StateCompleted)
	return tr, nil
}

func (sm *StateMachine) commit(ctx context.Context, instanceID string, from, to State) error {
	err := sm.tracker.Transition(ctx, instanceID, from, to)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConditionFailed):
		return &ConflictError{InstanceID: instanceID, From: from, To: to, Err: err}
	default:
		return depErr(instanceID, StageCommitState, err)
	}
}
