package swap

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitForTimesOutAfterExactAttempts(t *testing.T) {
	inst := newFakeInstances()
	inst.power["i-1"] = []string{PowerRunning}

	var slept []time.Duration
	p, err := NewPoller(inst, WithSleep(func(d time.Duration) { slept = append(slept, d) }))
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}

	err = p.WaitFor(context.Background(), "i-1", PowerStopped, 2*time.Second, 3)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("WaitFor() error = %v, want TimeoutError", err)
	}
	if inst.powerCalls != 3 {
		t.Fatalf("polls = %d, want 3", inst.powerCalls)
	}
	if timeout.Attempts != 3 || timeout.InstanceID != "i-1" || timeout.Expected != PowerStopped {
		t.Fatalf("TimeoutError = %+v", timeout)
	}
	if len(slept) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(slept))
	}
	for _, d := range slept {
		if d != 2*time.Second {
			t.Fatalf("slept %s, want 2s", d)
		}
	}
}

func TestWaitForSucceeds(t *testing.T) {
	tests := []struct {
		name      string
		states    []string
		wantPolls int
	}{
		{name: "already stopped", states: []string{PowerStopped}, wantPolls: 1},
		{name: "stops later", states: []string{PowerRunning, PowerStopping, PowerStopped}, wantPolls: 3},
		{name: "stops on last attempt", states: []string{PowerStopping, PowerStopping, PowerStopping, PowerStopping, PowerStopped}, wantPolls: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := newFakeInstances()
			inst.power["i-1"] = tt.states
			p, err := NewPoller(inst, WithSleep(func(time.Duration) {}))
			if err != nil {
				t.Fatalf("NewPoller() error = %v", err)
			}
			if err := p.WaitFor(context.Background(), "i-1", PowerStopped, time.Millisecond, 5); err != nil {
				t.Fatalf("WaitFor() error = %v", err)
			}
			if inst.powerCalls != tt.wantPolls {
				t.Fatalf("polls = %d, want %d", inst.powerCalls, tt.wantPolls)
			}
		})
	}
}

func TestWaitForDependencyError(t *testing.T) {
	inst := newFakeInstances()
	inst.powerErr = errors.New("InvalidInstanceID.NotFound")
	p, _ := NewPoller(inst, WithSleep(func(time.Duration) {}))

	err := p.WaitFor(context.Background(), "i-1", PowerStopped, time.Millisecond, 10)
	var dep *DependencyError
	if !errors.As(err, &dep) || dep.Stage != StagePoll {
		t.Fatalf("WaitFor() error = %v, want poll DependencyError", err)
	}
	if inst.powerCalls != 1 {
		t.Fatalf("polls = %d, want 1", inst.powerCalls)
	}
}

func TestWaitUsesPolicy(t *testing.T) {
	inst := newFakeInstances()
	sleeps := 0
	p, _ := NewPoller(inst, WithPollPolicy(time.Second, 4), WithSleep(func(time.Duration) { sleeps++ }))

	if err := p.Wait(context.Background(), "i-1", PowerStopped); err == nil {
		t.Fatalf("Wait() expected timeout")
	}
	if inst.powerCalls != 4 || sleeps != 3 {
		t.Fatalf("polls = %d sleeps = %d, want 4 and 3", inst.powerCalls, sleeps)
	}
}

func TestWaitForRejectsBadArguments(t *testing.T) {
	p, _ := NewPoller(newFakeInstances())
	if err := p.WaitFor(context.Background(), "i-1", PowerStopped, time.Second, 0); err == nil {
		t.Fatalf("WaitFor() with zero attempts expected error")
	}
	if err := p.WaitFor(context.Background(), "", PowerStopped, time.Second, 1); err == nil {
		t.Fatalf("WaitFor() without instance expected error")
	}
	if _, err := NewPoller(nil); err == nil {
		t.Fatalf("NewPoller(nil) expected error")
	}
}
