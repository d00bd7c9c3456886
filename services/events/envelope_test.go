package events

import (
	"errors"
	"reflect"
	"testing"
)

const stoppedEvent = `{
  "version": "0",
  "id": "7bf73129-1428-4cd3-a780-95db273d1602",
  "detail-type": "EC2 Instance State-change Notification",
  "source": "aws.ec2",
  "account": "123456789012",
  "time": "2024-05-01T12:00:00Z",
  "region": "us-east-1",
  "resources": ["arn:aws:ec2:us-east-1:123456789012:instance/i-0abc"],
  "detail": {"instance-id": "i-0abc", "state": "stopped"}
}`

const runInstancesEvent = `{
  "version": "0",
  "id": "run-1",
  "detail-type": "AWS API Call via CloudTrail",
  "source": "aws.ec2",
  "detail": {
    "eventSource": "ec2.amazonaws.com",
    "eventName": "RunInstances",
    "responseElements": {"instancesSet": {"items": [{"instanceId": "i-1"}, {"instanceId": "i-2"}]}}
  }
}`

func TestParseStateChange(t *testing.T) {
	env, err := Parse([]byte(stoppedEvent))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if env.Kind() != KindStateChange {
		t.Fatalf("Kind() = %q", env.Kind())
	}
	detail, err := env.StateChange()
	if err != nil {
		t.Fatalf("StateChange() error = %v", err)
	}
	if detail.InstanceID != "i-0abc" || detail.State != "stopped" {
		t.Fatalf("StateChange() = %+v", detail)
	}
	if env.Time.IsZero() || env.Account != "123456789012" {
		t.Fatalf("envelope fields not decoded: %+v", env)
	}
}

func TestRunInstanceIDs(t *testing.T) {
	env, err := Parse([]byte(runInstancesEvent))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if env.Kind() != KindRunInstances {
		t.Fatalf("Kind() = %q", env.Kind())
	}
	ids, err := env.RunInstanceIDs()
	if err != nil {
		t.Fatalf("RunInstanceIDs() error = %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"i-1", "i-2"}) {
		t.Fatalf("RunInstanceIDs() = %v", ids)
	}
}

func TestKindOther(t *testing.T) {
	tests := []string{
		`{"detail-type": "AWS API Call via CloudTrail", "detail": {"eventSource": "ec2.amazonaws.com", "eventName": "TerminateInstances"}}`,
		`{"detail-type": "AWS API Call via CloudTrail", "detail": {"eventSource": "s3.amazonaws.com", "eventName": "RunInstances"}}`,
		`{"detail-type": "Scheduled Event", "detail": {}}`,
	}
	for _, body := range tests {
		env, err := Parse([]byte(body))
		if err != nil {
			t.Fatalf("Parse(%s) error = %v", body, err)
		}
		if env.Kind() != KindOther {
			t.Fatalf("Kind(%s) = %q, want other", body, env.Kind())
		}
	}
}

func TestMalformed(t *testing.T) {
	tests := []string{
		`not json`,
		`{"id": "x"}`,
		`{"detail-type": "EC2 Instance State-change Notification", "detail": {"state": "stopped"}}`,
	}
	for _, body := range tests {
		env, err := Parse([]byte(body))
		if err == nil {
			_, err = env.StateChange()
		}
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: error = %v, want ErrMalformed", body, err)
		}
	}
}

func TestBuiltEventsRoundTrip(t *testing.T) {
	body, err := StateChangeEvent("i-9", "stopped")
	if err != nil {
		t.Fatalf("StateChangeEvent() error = %v", err)
	}
	env, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if d, err := env.StateChange(); err != nil || d.InstanceID != "i-9" {
		t.Fatalf("StateChange() = %+v, %v", d, err)
	}

	body, err = RunInstancesEvent("i-7")
	if err != nil {
		t.Fatalf("RunInstancesEvent() error = %v", err)
	}
	env, err = Parse(body)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if ids, err := env.RunInstanceIDs(); err != nil || len(ids) != 1 || ids[0] != "i-7" {
		t.Fatalf("RunInstanceIDs() = %v, %v", ids, err)
	}
}
