// Package events decodes EventBridge envelopes and routes them to the swap
// and restart workflows.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	DetailTypeStateChange = "EC2 Instance State-change Notification"
	DetailTypeAPICall     = "AWS API Call via CloudTrail"

	SourceEC2 = "aws.ec2"

	eventSourceEC2    = "ec2.amazonaws.com"
	eventRunInstances = "RunInstances"
)

// ErrMalformed marks events that can never be handled, however often they
// are redelivered.
var ErrMalformed = errors.New("malformed event")

// Kind classifies an envelope.
type Kind string

const (
	KindStateChange  Kind = "state_change"
	KindRunInstances Kind = "run_instances"
	KindOther        Kind = "other"
)

// Envelope is the EventBridge event wrapper.
type Envelope struct {
	Version    string          `json:"version"`
	ID         string          `json:"id"`
	DetailType string          `json:"detail-type"`
	Source     string          `json:"source"`
	Account    string          `json:"account"`
	Time       time.Time       `json:"time"`
	Region     string          `json:"region"`
	Resources  []string        `json:"resources"`
	Detail     json.RawMessage `json:"detail"`
}

// StateChangeDetail is the detail of an instance state-change notification.
type StateChangeDetail struct {
	InstanceID string `json:"instance-id"`
	State      string `json:"state"`
}

type apiCallDetail struct {
	EventSource      string `json:"eventSource"`
	EventName        string `json:"eventName"`
	ResponseElements *struct {
		InstancesSet struct {
			Items []struct {
				InstanceID string `json:"instanceId"`
			} `json:"items"`
		} `json:"instancesSet"`
	} `json:"responseElements"`
}

// Parse decodes an EventBridge envelope.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.DetailType == "" {
		return Envelope{}, fmt.Errorf("%w: no detail-type", ErrMalformed)
	}
	return env, nil
}

// Kind reports which workflow, if any, the envelope belongs to.
func (e Envelope) Kind() Kind {
	switch e.DetailType {
	case DetailTypeStateChange:
		return KindStateChange
	case DetailTypeAPICall:
		var d apiCallDetail
		if err := json.Unmarshal(e.Detail, &d); err != nil {
			return KindOther
		}
		if d.EventSource == eventSourceEC2 && d.EventName == eventRunInstances {
			return KindRunInstances
		}
	}
	return KindOther
}

// StateChange decodes the detail of a state-change notification.
func (e Envelope) StateChange() (StateChangeDetail, error) {
	if e.DetailType != DetailTypeStateChange {
		return StateChangeDetail{}, fmt.Errorf("event %q is not a state-change notification", e.DetailType)
	}
	var d StateChangeDetail
	if err := json.Unmarshal(e.Detail, &d); err != nil {
		return StateChangeDetail{}, fmt.Errorf("%w: state-change detail: %w", ErrMalformed, err)
	}
	if d.InstanceID == "" {
		return StateChangeDetail{}, fmt.Errorf("%w: state-change detail has no instance-id", ErrMalformed)
	}
	return d, nil
}

// RunInstanceIDs returns the ids of the instances a RunInstances call created.
func (e Envelope) RunInstanceIDs() ([]string, error) {
	var d apiCallDetail
	if err := json.Unmarshal(e.Detail, &d); err != nil {
		return nil, fmt.Errorf("%w: api call detail: %w", ErrMalformed, err)
	}
	if d.EventSource != eventSourceEC2 || d.EventName != eventRunInstances {
		return nil, fmt.Errorf("%w: event %s/%s is not RunInstances", ErrMalformed, d.EventSource, d.EventName)
	}
	if d.ResponseElements == nil {
		return nil, nil
	}

	ids := make([]string, 0, len(d.ResponseElements.InstancesSet.Items))
	for _, item := range d.ResponseElements.InstancesSet.Items {
		if item.InstanceID != "" {
			ids = append(ids, item.InstanceID)
		}
	}
	return ids, nil
}

// StateChangeEvent builds the envelope EventBridge emits when an instance
// enters state.
func StateChangeEvent(instanceID, state string) ([]byte, error) {
	detail, err := json.Marshal(StateChangeDetail{InstanceID: instanceID, State: state})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Version:    "0",
		DetailType: DetailTypeStateChange,
		Source:     SourceEC2,
		Time:       time.Now().UTC().Truncate(time.Second),
		Detail:     detail,
	})
}

// RunInstancesEvent builds a minimal CloudTrail RunInstances envelope.
func RunInstancesEvent(instanceIDs ...string) ([]byte, error) {
	items := make([]map[string]string, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		items = append(items, map[string]string{"instanceId": id})
	}
	detail, err := json.Marshal(map[string]any{
		"eventSource": eventSourceEC2,
		"eventName":   eventRunInstances,
		"responseElements": map[string]any{
			"instancesSet": map[string]any{"items": items},
		},
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Version:    "0",
		DetailType: DetailTypeAPICall,
		Source:     SourceEC2,
		Time:       time.Now().UTC().Truncate(time.Second),
		Detail:     detail,
	})
}
