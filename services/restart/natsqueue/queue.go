// Package natsqueue carries restart jobs over a JetStream subject. Delays are
// enforced by the consumer, which naks early messages with the remaining
// delay.
package natsqueue

import (
	"context"
	"errors"
	"io"
	"time"

	"marionette/services/restart"
)

const (
	DefaultSubject = "marionette.restarts"
	DefaultStream  = "MARIONETTE_RESTARTS"
	DefaultDurable = "marionette-restart-worker"
)

// Transport is the part of *bus.Bus used here.
type Transport interface {
	PublishDelayed(ctx context.Context, subj string, data []byte, delay time.Duration) error
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

var _ restart.DelayQueue = (*Queue)(nil)

// Queue publishes and consumes restart jobs on one subject.
type Queue struct {
	transport Transport
	subject   string
	durable   string
}

// New creates a Queue; empty subject and durable select the defaults.
func New(transport Transport, subject, durable string) (*Queue, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if durable == "" {
		durable = DefaultDurable
	}
	return &Queue{transport: transport, subject: subject, durable: durable}, nil
}

// Subject reports the subject jobs are published on.
func (q *Queue) Subject() string { return q.subject }

// SendDelayed implements restart.DelayQueue.
func (q *Queue) SendDelayed(ctx context.Context, body []byte, delay time.Duration) error {
	if delay < 0 {
		return errors.New("delay must not be negative")
	}
	return q.transport.PublishDelayed(ctx, q.subject, body, delay)
}

// Run consumes jobs until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, fn restart.Handler) error {
	if fn == nil {
		return errors.New("nil handler")
	}
	sub, err := q.transport.Subscribe(ctx, q.subject, q.durable, fn)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Close()
}
