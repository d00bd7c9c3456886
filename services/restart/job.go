// Package restart forces a delayed stop/start cycle on freshly created
// instances so their first boot picks up swapped user data.
package restart

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"marionette/services/swap"
)

const (
	DefaultDelay  = 120 * time.Second
	DefaultSettle = time.Second
)

// leaseSlack covers API latency on top of the poll and settle budget.
const leaseSlack = time.Minute

// Lease is how long a consumer holds a job before the queue may hand it out
// again. It covers one complete restart; consumers renew it while a job
// naming several instances is still running. Non-positive poll settings
// select the poller defaults.
func Lease(pollInterval time.Duration, pollMaxAttempts int, settle time.Duration) time.Duration {
	if pollInterval <= 0 {
		pollInterval = swap.DefaultPollInterval
	}
	if pollMaxAttempts <= 0 {
		pollMaxAttempts = swap.DefaultPollMaxAttempts
	}
	if settle < 0 {
		settle = DefaultSettle
	}
	return pollInterval*time.Duration(pollMaxAttempts) + settle + leaseSlack
}

// Handler processes one message taken off a delay queue. Returning an error
// leaves the message for redelivery.
type Handler func(ctx context.Context, body []byte) error

// DelayQueue hands a message back to consumers once delay has passed.
type DelayQueue interface {
	SendDelayed(ctx context.Context, body []byte, delay time.Duration) error
}

// Job is the message placed on the delay queue.
type Job struct {
	ID           uuid.UUID       `json:"job_id"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	Notification json.RawMessage `json:"notification"`
}

// decodeJob accepts either a Job or a bare creation notification.
func decodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, err
	}
	if len(job.Notification) == 0 {
		return Job{Notification: json.RawMessage(body)}, nil
	}
	return job, nil
}
