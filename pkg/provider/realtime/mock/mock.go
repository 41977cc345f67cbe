// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Open calls and feed controlled channels. Use Channel
// to script incoming provider events and inspect what the session layer sent.
//
// Example:
//
//	ch := mock.NewChannel()
//	p := &mock.Provider{Channel: ch}
//	ch.Emit(realtime.Event{Type: "session.created", Raw: []byte(`{"type":"session.created"}`)})
package mock

import (
	"context"
	"sync"

	"github.com/domovoy-ai/domovoy/pkg/provider/realtime"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Open.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Channel is returned by Open. If nil, Open returns a new default
	// Channel.
	Channel realtime.Channel

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Open records the call and returns Channel, OpenErr.
func (p *Provider) Open(ctx context.Context, cfg realtime.SessionConfig) (realtime.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Channel != nil {
		return p.Channel, nil
	}
	return NewChannel(), nil
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// Channel is a scriptable realtime.Channel.
type Channel struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// Sent records every event passed to Send, in order.
	Sent []realtime.Event

	// ErrVal is returned by Err.
	ErrVal error

	events chan realtime.Event
	closed bool
}

// NewChannel creates a channel with a buffered event queue.
func NewChannel() *Channel {
	return &Channel{events: make(chan realtime.Event, 64)}
}

// Emit queues an incoming event for the consumer. Emitting on a closed
// channel is a no-op.
func (c *Channel) Emit(e realtime.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- e
}

// Send records the event and returns SendErr.
func (c *Channel) Send(_ context.Context, e realtime.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.SendErr
	}
	c.Sent = append(c.Sent, e)
	return c.SendErr
}

// Events returns the scripted incoming event channel.
func (c *Channel) Events() <-chan realtime.Event { return c.events }

// Err returns ErrVal.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ErrVal
}

// Close closes the event channel. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

// SentTypes returns the types of all sent events, in order.
func (c *Channel) SentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Sent))
	for i, e := range c.Sent {
		out[i] = e.Type
	}
	return out
}

// Ensure Channel implements realtime.Channel at compile time.
var _ realtime.Channel = (*Channel)(nil)
