package swap

import (
	"bytes"
	"context"
	"sync"
)

type fakeTracker struct {
	mu      sync.Mutex
	records map[string]*InstanceRecord

	getErr        error
	putErr        error
	transitionErr error

	// barrier, when set, holds every Get until all expected callers arrived.
	barrier *sync.WaitGroup
	// afterRead runs once, after the next Get has read the record and before
	// it returns, to simulate a caller stalled between read and write.
	afterRead func()

	putOriginalOK int
	transitions   []Transition
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{records: make(map[string]*InstanceRecord)}
}

func (t *fakeTracker) seed(rec InstanceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := rec
	cp.OrigUserData = bytes.Clone(rec.OrigUserData)
	t.records[rec.InstanceID] = &cp
}

func (t *fakeTracker) record(id string) (InstanceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return InstanceRecord{}, false
	}
	return *rec, true
}

func (t *fakeTracker) Get(ctx context.Context, id string) (InstanceRecord, error) {
	if t.barrier != nil {
		t.barrier.Done()
		t.barrier.Wait()
	}
	t.mu.Lock()
	if t.getErr != nil {
		t.mu.Unlock()
		return InstanceRecord{}, t.getErr
	}
	cp := InstanceRecord{InstanceID: id, State: StateAbsent}
	if rec, ok := t.records[id]; ok {
		cp = *rec
		cp.OrigUserData = bytes.Clone(rec.OrigUserData)
	}
	hook := t.afterRead
	t.afterRead = nil
	t.mu.Unlock()

	if hook != nil {
		hook()
	}
	return cp, nil
}

func (t *fakeTracker) Original(ctx context.Context, id string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok || !rec.HasOriginal {
		return nil, ErrNotFound
	}
	return bytes.Clone(rec.OrigUserData), nil
}

func (t *fakeTracker) PutOriginal(ctx context.Context, id string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.putErr != nil {
		return t.putErr
	}
	rec, ok := t.records[id]
	if ok && rec.HasOriginal {
		return ErrConditionFailed
	}
	if !ok {
		rec = &InstanceRecord{InstanceID: id}
		t.records[id] = rec
	}
	rec.OrigUserData = bytes.Clone(data)
	rec.HasOriginal = true
	t.putOriginalOK++
	return nil
}

func (t *fakeTracker) Transition(ctx context.Context, id string, from, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.transitionErr != nil {
		return t.transitionErr
	}
	rec, ok := t.records[id]
	current := StateAbsent
	if ok {
		current = rec.State
	}
	if current != from {
		return ErrConditionFailed
	}
	if to == StatePendingReset && (!ok || !rec.HasOriginal) {
		return ErrConditionFailed
	}
	if !ok {
		rec = &InstanceRecord{InstanceID: id}
		t.records[id] = rec
	}
	rec.State = to
	t.transitions = append(t.transitions, Transition{InstanceID: id, From: from, To: to})
	return nil
}

type fakeInstances struct {
	mu       sync.Mutex
	payloads map[string][]byte
	power    map[string][]string // queued power states; the last one repeats

	readErr  error
	writeErr error
	powerErr error

	writes     int
	powerCalls int
	stops      []string
	starts     []string
	forced     []bool
}

func newFakeInstances() *fakeInstances {
	return &fakeInstances{payloads: make(map[string][]byte), power: make(map[string][]string)}
}

func (f *fakeInstances) payload(id string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.payloads[id])
}

func (f *fakeInstances) Payload(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return bytes.Clone(f.payloads[id]), nil
}

func (f *fakeInstances) SetPayload(ctx context.Context, id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.payloads[id] = bytes.Clone(data)
	f.writes++
	return nil
}

func (f *fakeInstances) SwapPayload(ctx context.Context, id string, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	prev := f.payloads[id]
	f.payloads[id] = bytes.Clone(data)
	f.writes++
	return prev, nil
}

func (f *fakeInstances) Stop(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	f.forced = append(f.forced, force)
	return nil
}

func (f *fakeInstances) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, id)
	return nil
}

func (f *fakeInstances) PowerState(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerCalls++
	if f.powerErr != nil {
		return "", f.powerErr
	}
	states := f.power[id]
	if len(states) == 0 {
		return PowerRunning, nil
	}
	state := states[0]
	if len(states) > 1 {
		f.power[id] = states[1:]
	}
	return state, nil
}
