package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/nao1215/onionfetch/internal/model"
)

// DefaultCapacity is the default number of buffered events.
const DefaultCapacity = 5

var (
	// ErrNoReceiver is returned by Publish after the receiver detached.
	ErrNoReceiver = errors.New("notification channel has no receiver")

	// ErrClosed is returned by Publish after the sender side closed the channel.
	ErrClosed = errors.New("notification channel is closed")
)

// SendPolicy decides what a failed delivery means to the publisher.
type SendPolicy int

const (
	// SendFatal reports the failure to the publisher, which ends its unit.
	SendFatal SendPolicy = iota

	// SendDrop silently discards events that cannot be delivered.
	SendDrop
)

// String returns a human-readable name of the policy.
func (p SendPolicy) String() string {
	switch p {
	case SendFatal:
		return "fatal"
	case SendDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Channel is a bounded, ordered event queue with suspend-on-full semantics.
//
// Several goroutines may Publish concurrently. Close must be called exactly
// by the sender side once all publishers returned; the receiver then drains
// the remaining events and observes the closed Events() channel.
type Channel struct {
	events   chan model.Event
	detached chan struct{}
	policy   SendPolicy

	mu         sync.RWMutex
	closed     bool
	detachOnce sync.Once
}

// Option configures a Channel.
type Option func(*Channel)

// WithSendPolicy sets how delivery failures are reported.
func WithSendPolicy(p SendPolicy) Option {
	return func(c *Channel) {
		c.policy = p
	}
}

// New creates a channel holding at most capacity undelivered events.
// A non-positive capacity uses DefaultCapacity.
func New(capacity int, opts ...Option) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Channel{
		events:   make(chan model.Event, capacity),
		detached: make(chan struct{}),
		policy:   SendFatal,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish enqueues ev, suspending while the buffer is full.
// It returns ErrNoReceiver when the receiver detached, ErrClosed after Close,
// or the context error when ctx ends first. Under SendDrop every delivery
// failure except context cancellation is swallowed.
func (c *Channel) Publish(ctx context.Context, ev model.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return c.fail(ErrClosed)
	}

	// A detached receiver wins over free buffer space.
	select {
	case <-c.detached:
		return c.fail(ErrNoReceiver)
	default:
	}

	select {
	case c.events <- ev:
		return nil
	case <-c.detached:
		return c.fail(ErrNoReceiver)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail applies the send policy to a delivery error.
func (c *Channel) fail(err error) error {
	if c.policy == SendDrop {
		return nil
	}
	return model.NewKindError(model.KindChannelSend, err)
}

// Events returns the receive side. It is closed after Close once drained.
func (c *Channel) Events() <-chan model.Event {
	return c.events
}

// Receive waits for the next event. ok is false when the channel was closed
// and drained, or when ctx ended.
func (c *Channel) Receive(ctx context.Context) (ev model.Event, ok bool) {
	select {
	case ev, ok = <-c.events:
		return ev, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Len returns the number of buffered events.
func (c *Channel) Len() int {
	return len(c.events)
}

// Cap returns the channel capacity.
func (c *Channel) Cap() int {
	return cap(c.events)
}

// Close marks the end of the event stream. It waits for in-flight Publish
// calls to return, so it must not be called while a publisher is suspended
// on a full buffer that nobody drains. Calling Close twice is safe.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

// Detach is called by the receiver when it stops listening. Suspended and
// future publishers fail with ErrNoReceiver instead of blocking forever.
func (c *Channel) Detach() {
	c.detachOnce.Do(func() {
		close(c.detached)
	})
}
