// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled channels. Use
// Channel to inject inbound events and inspect everything the session sent.
//
// Example:
//
//	ch := mock.NewChannel()
//	p := &mock.Provider{Channels: []*mock.Channel{ch}}
//	ch.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/posvoice/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg s2s.Config
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Channels are returned by successive Connect calls. When exhausted, a
	// fresh Channel is created and appended.
	Channels []*Channel

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectHook, if set, runs inside Connect before the result is returned.
	// It may block to simulate a slow dial.
	ConnectHook func(ctx context.Context) error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	next int
}

var _ s2s.Provider = (*Provider)(nil)

// Connect records the call and returns the next channel.
func (p *Provider) Connect(ctx context.Context, cfg s2s.Config) (s2s.Channel, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	hook := p.ConnectHook
	connErr := p.ConnectErr
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if connErr != nil {
		return nil, connErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.Channels) {
		p.Channels = append(p.Channels, NewChannel())
	}
	ch := p.Channels[p.next]
	p.next++
	return ch, nil
}

// CallCount returns the number of Connect calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Channel returns the i-th channel handed out (or pre-seeded). Thread-safe.
func (p *Provider) Channel(i int) *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.Channels) {
		return nil
	}
	return p.Channels[i]
}

// ── Channel ───────────────────────────────────────────────────────────────────

// Channel is a mock implementation of s2s.Channel.
type Channel struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send method.
	SendErr error

	// Audio records every frame passed to SendAudio.
	Audio [][]byte

	// Texts records every SendText call.
	Texts []string

	// ToolResponses records every SendToolResponse call in order.
	ToolResponses [][]s2s.ToolResponse

	// CloseCount is the number of Close calls.
	CloseCount int

	events    chan s2s.Event
	closed    bool
	remoteErr error
	sent      chan struct{}
}

var _ s2s.Channel = (*Channel)(nil)

// NewChannel returns a Channel with a buffered events stream.
func NewChannel() *Channel {
	return &Channel{
		events: make(chan s2s.Event, 64),
		sent:   make(chan struct{}, 256),
	}
}

// Emit injects one inbound event. It is a no-op after the channel ended.
func (c *Channel) Emit(ev s2s.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// RemoteClose simulates the service ending the stream with err.
func (c *Channel) RemoteClose(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.remoteErr = err
	close(c.events)
}

// Sent is signalled after every successful Send call.
func (c *Channel) Sent() <-chan struct{} { return c.sent }

func (c *Channel) notify() {
	select {
	case c.sent <- struct{}{}:
	default:
	}
}

// SendAudio records pcm.
func (c *Channel) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return s2s.ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Audio = append(c.Audio, append([]byte(nil), pcm...))
	c.notify()
	return nil
}

// SendText records text.
func (c *Channel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return s2s.ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Texts = append(c.Texts, text)
	c.notify()
	return nil
}

// SendToolResponse records responses.
func (c *Channel) SendToolResponse(responses ...s2s.ToolResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return s2s.ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.ToolResponses = append(c.ToolResponses, append([]s2s.ToolResponse(nil), responses...))
	c.notify()
	return nil
}

// Events returns the inbound stream.
func (c *Channel) Events() <-chan s2s.Event { return c.events }

// Err returns the error passed to RemoteClose.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteErr
}

// Close ends the stream. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCount++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// TextsSnapshot returns a copy of the recorded texts. Thread-safe.
func (c *Channel) TextsSnapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Texts...)
}

// AudioCount returns the number of recorded audio frames. Thread-safe.
func (c *Channel) AudioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Audio)
}

// ToolResponsesSnapshot returns a copy of the recorded responses. Thread-safe.
func (c *Channel) ToolResponsesSnapshot() [][]s2s.ToolResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]s2s.ToolResponse(nil), c.ToolResponses...)
}

// IsClosed reports whether Close or RemoteClose was called. Thread-safe.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
