package swap

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultPollMaxAttempts = 300
)

// Poller blocks until an instance reports an expected power state.
type Poller struct {
	power       PowerController
	interval    time.Duration
	maxAttempts int
	sleep       func(time.Duration)
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithPollPolicy overrides the default interval and attempt budget.
func WithPollPolicy(interval time.Duration, maxAttempts int) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
	}
}

// WithSleep replaces time.Sleep, mainly for tests.
func WithSleep(fn func(time.Duration)) PollerOption {
	return func(p *Poller) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// NewPoller creates a Poller observing instances through power.
func NewPoller(power PowerController, opts ...PollerOption) (*Poller, error) {
	if power == nil {
		return nil, errors.New("power controller is required")
	}
	p := &Poller{
		power:       power,
		interval:    DefaultPollInterval,
		maxAttempts: DefaultPollMaxAttempts,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Wait is WaitFor with the poller's configured policy.
func (p *Poller) Wait(ctx context.Context, instanceID, expected string) error {
	return p.WaitFor(ctx, instanceID, expected, p.interval, p.maxAttempts)
}

// WaitFor observes the power state of instanceID up to maxAttempts times,
// sleeping interval between observations, and returns nil as soon as it
// equals expected. The sleep is not interruptible; ctx only bounds the
// individual lookups.
func (p *Poller) WaitFor(ctx context.Context, instanceID, expected string, interval time.Duration, maxAttempts int) error {
	if p == nil {
		return errors.New("nil poller")
	}
	if instanceID == "" || expected == "" {
		return errors.New("instance id and expected state are required")
	}
	if maxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}

	ctx, span := tracer.Start(ctx, "swap.WaitFor", trace.WithAttributes(
		attribute.String("instance.id", instanceID),
		attribute.String("power.expected", expected),
	))
	defer span.End()

	var last string
	for attempt := 1; ; attempt++ {
		state, err := p.power.PowerState(ctx, instanceID)
		if err != nil {
			pollAttempts.WithLabelValues(expected, "error").Observe(float64(attempt))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return depErr(instanceID, StagePoll, err)
		}
		last = state
		if state == expected {
			pollAttempts.WithLabelValues(expected, "ok").Observe(float64(attempt))
			span.SetAttributes(attribute.Int("poll.attempts", attempt))
			return nil
		}
		if attempt >= maxAttempts {
			pollAttempts.WithLabelValues(expected, "timeout").Observe(float64(attempt))
			err := &TimeoutError{InstanceID: instanceID, Expected: expected, LastState: last, Attempts: attempt, Interval: interval}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		p.sleep(interval)
	}
}
