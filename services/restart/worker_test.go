package restart

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"marionette/services/events"
	"marionette/services/swap"
)

type fakePower struct {
	calls    []string
	states   []string
	stopErr  error
	startErr error
}

func (f *fakePower) Stop(ctx context.Context, id string, force bool) error {
	f.calls = append(f.calls, "stop:"+id+":"+map[bool]string{true: "force", false: "soft"}[force])
	return f.stopErr
}

func (f *fakePower) Start(ctx context.Context, id string) error {
	f.calls = append(f.calls, "start:"+id)
	return f.startErr
}

func (f *fakePower) PowerState(ctx context.Context, id string) (string, error) {
	f.calls = append(f.calls, "state:"+id)
	if len(f.states) == 0 {
		return swap.PowerStopped, nil
	}
	s := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return s, nil
}

func newTestWorker(t *testing.T, power *fakePower, maxAttempts int) (*Worker, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	sleep := func(d time.Duration) { slept = append(slept, d) }
	poller, err := swap.NewPoller(power, swap.WithPollPolicy(2*time.Second, maxAttempts), swap.WithSleep(sleep))
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}
	w, err := NewWorker(power, poller, nil, WithWorkerSleep(sleep))
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}
	return w, &slept
}

func jobBody(t *testing.T, ids ...string) []byte {
	t.Helper()
	notification, err := events.RunInstancesEvent(ids...)
	if err != nil {
		t.Fatalf("RunInstancesEvent() error = %v", err)
	}
	body, err := json.Marshal(Job{Notification: notification})
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return body
}

func TestHandleRestartsEveryInstance(t *testing.T) {
	power := &fakePower{states: []string{"stopping", "stopped", "stopped"}}
	w, slept := newTestWorker(t, power, 300)

	if err := w.Handle(context.Background(), jobBody(t, "i-1", "i-2")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	want := []string{
		"stop:i-1:force", "state:i-1", "state:i-1", "start:i-1",
		"stop:i-2:force", "state:i-2", "start:i-2",
	}
	if strings.Join(power.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v, want %v", power.calls, want)
	}
	// one poll interval for i-1, then a settle pause per instance
	wantSleeps := []time.Duration{2 * time.Second, DefaultSettle, DefaultSettle}
	if len(*slept) != len(wantSleeps) {
		t.Fatalf("sleeps = %v, want %v", *slept, wantSleeps)
	}
	for i := range wantSleeps {
		if (*slept)[i] != wantSleeps[i] {
			t.Fatalf("sleeps = %v, want %v", *slept, wantSleeps)
		}
	}
}

func TestHandleAcceptsBareNotification(t *testing.T) {
	power := &fakePower{}
	w, _ := newTestWorker(t, power, 3)
	notification, _ := events.RunInstancesEvent("i-9")

	if err := w.Handle(context.Background(), notification); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if power.calls[len(power.calls)-1] != "start:i-9" {
		t.Fatalf("calls = %v", power.calls)
	}
}

func TestHandleTimeoutDoesNotStart(t *testing.T) {
	power := &fakePower{states: []string{"stopping"}}
	w, slept := newTestWorker(t, power, 3)

	err := w.Handle(context.Background(), jobBody(t, "i-1"))
	var timeout *swap.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Handle() error = %v, want TimeoutError", err)
	}
	if timeout.Attempts != 3 || len(*slept) != 2 {
		t.Fatalf("attempts = %d, sleeps = %v", timeout.Attempts, *slept)
	}
	for _, c := range power.calls {
		if strings.HasPrefix(c, "start:") {
			t.Fatalf("instance started after timeout: %v", power.calls)
		}
	}
}

func TestHandleDependencyErrors(t *testing.T) {
	tests := []struct {
		name  string
		power *fakePower
		stage string
	}{
		{name: "stop", power: &fakePower{stopErr: errors.New("IncorrectInstanceState")}, stage: swap.StageStop},
		{name: "start", power: &fakePower{startErr: errors.New("InsufficientInstanceCapacity")}, stage: swap.StageStart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newTestWorker(t, tt.power, 3)
			err := w.Handle(context.Background(), jobBody(t, "i-1", "i-2"))
			var dep *swap.DependencyError
			if !errors.As(err, &dep) || dep.Stage != tt.stage || dep.InstanceID != "i-1" {
				t.Fatalf("Handle() error = %v, want %s DependencyError for i-1", err, tt.stage)
			}
			for _, c := range tt.power.calls {
				if strings.Contains(c, "i-2") {
					t.Fatalf("worker continued after failure: %v", tt.power.calls)
				}
			}
		})
	}
}

func TestHandleDropsMalformedJobs(t *testing.T) {
	power := &fakePower{}
	w, _ := newTestWorker(t, power, 3)
	for _, body := range []string{
		`not json`,
		`{"job_id":"00000000-0000-0000-0000-000000000000","notification":{"detail-type":"EC2 Instance State-change Notification","detail":{}}}`,
		`{"version":"0"}`,
	} {
		if err := w.Handle(context.Background(), []byte(body)); err != nil {
			t.Fatalf("Handle(%s) error = %v", body, err)
		}
	}
	if len(power.calls) != 0 {
		t.Fatalf("malformed jobs touched instances: %v", power.calls)
	}
}

func TestHandleEmptyInstanceSet(t *testing.T) {
	power := &fakePower{}
	w, _ := newTestWorker(t, power, 3)
	if err := w.Handle(context.Background(), jobBody(t)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(power.calls) != 0 {
		t.Fatalf("calls = %v", power.calls)
	}
}
