package bus

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DeliverAfterHeader carries the unix-millisecond time before which a
// delayed message must not be handed to subscribers.
const DeliverAfterHeader = "Marionette-Deliver-After"

// DefaultAckWait matches the JetStream server default.
const DefaultAckWait = 30 * time.Second

// Bus wraps a NATS JetStream connection for publishing and consuming events.
type Bus struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	ackWait time.Duration
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js, ackWait: DefaultAckWait}, nil
}

// SetAckWait sets the ack wait of consumers created by later Subscribe calls.
// Messages still being handled are marked in progress every third of it.
func (b *Bus) SetAckWait(d time.Duration) {
	if b != nil && d > 0 {
		b.ackWait = d
	}
}

// AckWait reports the ack wait used for new consumers.
func (b *Bus) AckWait() time.Duration {
	if b == nil || b.ackWait <= 0 {
		return DefaultAckWait
	}
	return b.ackWait
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Ping reports whether the connection is currently usable.
func (b *Bus) Ping(ctx context.Context) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if !b.conn.IsConnected() {
		return errors.New("nats: not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// PublishDelayed publishes data so that Subscribe withholds it until delay
// has elapsed.
func (b *Bus) PublishDelayed(ctx context.Context, subj string, data []byte, delay time.Duration) error {
	if b == nil {
		return errors.New("nil bus")
	}

	msg := nats.NewMsg(subj)
	msg.Data = data
	if delay > 0 {
		msg.Header.Set(DeliverAfterHeader, strconv.FormatInt(time.Now().Add(delay).UnixMilli(), 10))
	}
	_, err := b.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

// EnsureStream creates the stream for subjects if it does not exist yet.
func (b *Bus) EnsureStream(name string, subjects ...string) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if _, err := b.js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
	})
	return err
}

// remainingDelay reports how long a message must still be withheld.
func remainingDelay(h nats.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}
	raw := h.Get(DeliverAfterHeader)
	if raw == "" {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	if d := time.UnixMilli(ms).Sub(now); d > 0 {
		return d
	}
	return 0
}

// keepAlive calls beat every interval until the returned stop function is
// called or ctx ends.
func keepAlive(ctx context.Context, interval time.Duration, beat func() error) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = beat()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe creates a durable consumer on the given subject and invokes fn for each message.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}
	ackWait := b.AckWait()

	handler := func(msg *nats.Msg) {
		if wait := remainingDelay(msg.Header, time.Now()); wait > 0 {
			_ = msg.NakWithDelay(wait)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		stop := keepAlive(handlerCtx, ackWait/3, func() error { return msg.InProgress() })
		err := fn(handlerCtx, msg.Data)
		stop()
		if err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}

	sub, err := b.js.Subscribe(subj, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit(), nats.AckWait(ackWait))
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
