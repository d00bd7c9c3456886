package restart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
)

// Scheduler defers restarts by placing creation notifications on a DelayQueue.
type Scheduler struct {
	queue  DelayQueue
	delay  time.Duration
	now    func() time.Time
	logger *log.Logger
}

// NewScheduler creates a Scheduler; a non-positive delay selects DefaultDelay.
func NewScheduler(queue DelayQueue, delay time.Duration, logger *log.Logger) (*Scheduler, error) {
	if queue == nil {
		return nil, errors.New("delay queue is required")
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scheduler{queue: queue, delay: delay, now: time.Now, logger: logger}, nil
}

// Delay reports the configured delay.
func (s *Scheduler) Delay() time.Duration { return s.delay }

// Schedule enqueues notification for a restart after the configured delay.
func (s *Scheduler) Schedule(ctx context.Context, notification []byte) error {
	if s == nil {
		return errors.New("nil scheduler")
	}
	if !json.Valid(notification) {
		return errors.New("notification is not valid json")
	}

	job := Job{ID: uuid.New(), ScheduledAt: s.now().UTC(), Notification: json.RawMessage(notification)}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	if err := s.queue.SendDelayed(ctx, body, s.delay); err != nil {
		jobsTotal.WithLabelValues("schedule_failed").Inc()
		return fmt.Errorf("enqueue restart job %s: %w", job.ID, err)
	}
	jobsTotal.WithLabelValues("scheduled").Inc()
	s.logger.Printf("INFO restart job %s scheduled in %s", job.ID, s.delay)
	return nil
}
