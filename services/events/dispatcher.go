package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"marionette/services/swap"
)

// Mode switches the dispatcher between acting on events and only logging them.
type Mode string

const (
	ModeActive   Mode = "active"
	ModeInactive Mode = "inactive"
)

// ParseMode validates a configured mode; empty means active.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeActive:
		return ModeActive, nil
	case ModeInactive:
		return ModeInactive, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Actions reported in a Result.
const (
	ActionIgnored   = "ignored"
	ActionInactive  = "inactive"
	ActionSwapped   = "swapped"
	ActionNoop      = "noop"
	ActionConflict  = "conflict"
	ActionScheduled = "scheduled"
)

// StopHandler advances the swap state of a stopped instance.
type StopHandler interface {
	HandleStop(ctx context.Context, instanceID string) (swap.Transition, error)
}

// RestartScheduler defers a forced restart for the instances in a creation event.
type RestartScheduler interface {
	Schedule(ctx context.Context, notification []byte) error
}

// Result describes what Dispatch did with one event.
type Result struct {
	EventID    string     `json:"event_id,omitempty"`
	Kind       Kind       `json:"kind"`
	Action     string     `json:"action"`
	InstanceID string     `json:"instance_id,omitempty"`
	From       swap.State `json:"from,omitempty"`
	To         swap.State `json:"to,omitempty"`
}

var dispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marionette",
	Name:      "events_dispatched_total",
	Help:      "Events received, by kind and resulting action.",
}, []string{"kind", "action"})

// Dispatcher routes decoded events to the swap and restart workflows.
type Dispatcher struct {
	stops    StopHandler
	restarts RestartScheduler
	mode     Mode
	logger   *log.Logger
}

// NewDispatcher creates a Dispatcher. restarts may be nil, in which case
// RunInstances events are ignored.
func NewDispatcher(stops StopHandler, restarts RestartScheduler, mode Mode, logger *log.Logger) (*Dispatcher, error) {
	if stops == nil {
		return nil, errors.New("stop handler is required")
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = ModeActive
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{stops: stops, restarts: restarts, mode: mode, logger: logger}, nil
}

// Dispatch handles one raw EventBridge event. A nil error means the event
// can be acknowledged; a lost race with a concurrent delivery counts as
// handled.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) (Result, error) {
	if d == nil {
		return Result{}, errors.New("nil dispatcher")
	}

	env, err := Parse(body)
	if err != nil {
		return Result{Kind: KindOther}, err
	}

	res, err := d.dispatch(ctx, env, body)
	res.EventID = env.ID
	dispatchedTotal.WithLabelValues(string(res.Kind), res.Action).Inc()
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, env Envelope, body []byte) (Result, error) {
	kind := env.Kind()
	res := Result{Kind: kind, Action: ActionIgnored}

	switch kind {
	case KindStateChange:
		detail, err := env.StateChange()
		if err != nil {
			return res, err
		}
		res.InstanceID = detail.InstanceID
		if detail.State != swap.PowerStopped {
			return res, nil
		}
		if d.mode == ModeInactive {
			d.logger.Printf("INFO '%s': inactive, not handling stop", detail.InstanceID)
			res.Action = ActionInactive
			return res, nil
		}
		return d.handleStop(ctx, res)

	case KindRunInstances:
		if d.restarts == nil {
			return res, nil
		}
		if d.mode == ModeInactive {
			d.logger.Printf("INFO event %s: inactive, not scheduling restart", env.ID)
			res.Action = ActionInactive
			return res, nil
		}
		if err := d.restarts.Schedule(ctx, body); err != nil {
			d.logger.Printf("ERROR event %s: schedule restart: %v", env.ID, err)
			return res, err
		}
		res.Action = ActionScheduled
		return res, nil
	}

	return res, nil
}

func (d *Dispatcher) handleStop(ctx context.Context, res Result) (Result, error) {
	tr, err := d.stops.HandleStop(ctx, res.InstanceID)
	res.From, res.To = tr.From, tr.To

	var conflict *swap.ConflictError
	switch {
	case errors.As(err, &conflict):
		d.logger.Printf("INFO '%s': %v", res.InstanceID, err)
		res.Action = ActionConflict
		return res, nil
	case err != nil:
		d.logger.Printf("ERROR '%s': %v", res.InstanceID, err)
		return res, err
	case tr.Changed():
		res.Action = ActionSwapped
	default:
		res.Action = ActionNoop
	}
	return res, nil
}
