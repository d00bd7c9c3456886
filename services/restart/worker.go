package restart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"marionette/services/events"
	"marionette/services/swap"
)

var tracer = otel.Tracer("marionette/services/restart")

// Waiter blocks until an instance reaches a power state; *swap.Poller
// satisfies it.
type Waiter interface {
	Wait(ctx context.Context, instanceID, expected string) error
}

// Worker force-stops and restarts every instance named in a delayed job.
// It never reads or writes swap state.
type Worker struct {
	power  swap.PowerController
	waiter Waiter
	settle time.Duration
	sleep  func(time.Duration)
	logger *log.Logger
}

// WorkerOption customises a Worker.
type WorkerOption func(*Worker)

// WithSettle sets the pause between observing stopped and starting.
func WithSettle(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d >= 0 {
			w.settle = d
		}
	}
}

// WithWorkerSleep replaces time.Sleep for the settle pause.
func WithWorkerSleep(fn func(time.Duration)) WorkerOption {
	return func(w *Worker) {
		if fn != nil {
			w.sleep = fn
		}
	}
}

// NewWorker creates a Worker.
func NewWorker(power swap.PowerController, waiter Waiter, logger *log.Logger, opts ...WorkerOption) (*Worker, error) {
	if power == nil {
		return nil, errors.New("power controller is required")
	}
	if waiter == nil {
		return nil, errors.New("waiter is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w := &Worker{
		power:  power,
		waiter: waiter,
		settle: DefaultSettle,
		sleep:  time.Sleep,
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Handle processes one job body. Jobs that can never succeed are logged and
// acknowledged; any other failure is returned so the job is redelivered.
func (w *Worker) Handle(ctx context.Context, body []byte) error {
	if w == nil {
		return errors.New("nil worker")
	}

	job, err := decodeJob(body)
	if err != nil {
		return w.drop("", err)
	}
	env, err := events.Parse(job.Notification)
	if err != nil {
		return w.drop(job.ID.String(), err)
	}
	ids, err := env.RunInstanceIDs()
	if err != nil {
		return w.drop(job.ID.String(), err)
	}

	ctx, span := tracer.Start(ctx, "restart.Handle", trace.WithAttributes(
		attribute.String("restart.job_id", job.ID.String()),
		attribute.StringSlice("restart.instance_ids", ids),
	))
	defer span.End()

	if len(ids) == 0 {
		w.logger.Printf("INFO restart job %s: no instances in notification", job.ID)
		jobsTotal.WithLabelValues("empty").Inc()
		return nil
	}

	for _, id := range ids {
		if err := w.Restart(ctx, id); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			jobsTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("restart job %s: %w", job.ID, err)
		}
	}
	jobsTotal.WithLabelValues("completed").Inc()
	return nil
}

// Restart force-stops instanceID, waits until it is stopped, pauses for the
// settle time and starts it again.
func (w *Worker) Restart(ctx context.Context, instanceID string) error {
	if err := w.restart(ctx, instanceID); err != nil {
		restartsTotal.WithLabelValues("failed").Inc()
		w.logger.Printf("ERROR '%s': restart failed: %v", instanceID, err)
		return err
	}
	restartsTotal.WithLabelValues("restarted").Inc()
	return nil
}

func (w *Worker) restart(ctx context.Context, instanceID string) error {
	w.logger.Printf("INFO '%s': force stopping", instanceID)
	if err := w.power.Stop(ctx, instanceID, true); err != nil {
		return &swap.DependencyError{InstanceID: instanceID, Stage: swap.StageStop, Err: err}
	}

	if err := w.waiter.Wait(ctx, instanceID, swap.PowerStopped); err != nil {
		return err
	}

	w.sleep(w.settle)

	w.logger.Printf("INFO '%s': starting", instanceID)
	if err := w.power.Start(ctx, instanceID); err != nil {
		return &swap.DependencyError{InstanceID: instanceID, Stage: swap.StageStart, Err: err}
	}
	return nil
}

func (w *Worker) drop(jobID string, err error) error {
	w.logger.Printf("ERROR restart job %s: dropping undecodable job: %v", jobID, err)
	jobsTotal.WithLabelValues("malformed").Inc()
	return nil
}
