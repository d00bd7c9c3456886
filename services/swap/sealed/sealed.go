// Package sealed encrypts captured user data with age before it reaches the
// underlying swap.Tracker. Records written before sealing was enabled are
// returned unchanged.
package sealed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"marionette/services/swap"
)

var header = []byte("age-encryption.org/v1\n")

var _ swap.Tracker = (*Tracker)(nil)

// Tracker wraps another swap.Tracker.
type Tracker struct {
	inner      swap.Tracker
	recipients []age.Recipient
	identities []age.Identity
}

// New seals originals for recipients and opens them with identities.
func New(inner swap.Tracker, recipients []age.Recipient, identities []age.Identity) (*Tracker, error) {
	if inner == nil {
		return nil, errors.New("tracker is required")
	}
	if len(recipients) == 0 {
		return nil, errors.New("at least one age recipient is required")
	}
	return &Tracker{inner: inner, recipients: recipients, identities: identities}, nil
}

// NewFromKeys builds a Tracker from an AGE-SECRET-KEY-1... identity and
// optional extra age1... recipients that should also be able to open
// captured originals.
func NewFromKeys(inner swap.Tracker, secretKey string, extraRecipients ...string) (*Tracker, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(secretKey))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	recipients := []age.Recipient{identity.Recipient()}
	for _, r := range extraRecipients {
		if strings.TrimSpace(r) == "" {
			continue
		}
		parsed, err := age.ParseX25519Recipient(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("parse age recipient %q: %w", r, err)
		}
		recipients = append(recipients, parsed)
	}
	return New(inner, recipients, []age.Identity{identity})
}

// Get implements swap.Tracker.
func (t *Tracker) Get(ctx context.Context, instanceID string) (swap.InstanceRecord, error) {
	rec, err := t.inner.Get(ctx, instanceID)
	if err != nil || !rec.HasOriginal {
		return rec, err
	}
	plain, err := t.open(rec.OrigUserData)
	if err != nil {
		return swap.InstanceRecord{}, fmt.Errorf("open orig_userdata of %s: %w", instanceID, err)
	}
	rec.OrigUserData = plain
	return rec, nil
}

// Original implements swap.Tracker.
func (t *Tracker) Original(ctx context.Context, instanceID string) ([]byte, error) {
	data, err := t.inner.Original(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	plain, err := t.open(data)
	if err != nil {
		return nil, fmt.Errorf("open orig_userdata of %s: %w", instanceID, err)
	}
	return plain, nil
}

// PutOriginal implements swap.Tracker.
func (t *Tracker) PutOriginal(ctx context.Context, instanceID string, data []byte) error {
	sealed, err := t.seal(data)
	if err != nil {
		return fmt.Errorf("seal orig_userdata of %s: %w", instanceID, err)
	}
	return t.inner.PutOriginal(ctx, instanceID, sealed)
}

// Transition implements swap.Tracker.
func (t *Tracker) Transition(ctx context.Context, instanceID string, from, to swap.State) error {
	return t.inner.Transition(ctx, instanceID, from, to)
}

func (t *Tracker) seal(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, t.recipients...)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *Tracker) open(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, header) {
		return data, nil
	}
	if len(t.identities) == 0 {
		return nil, errors.New("no age identity configured")
	}
	r, err := age.Decrypt(bytes.NewReader(data), t.identities...)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
