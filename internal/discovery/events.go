package discovery

import (
	"errors"

	"github.com/ashureev/shoplens/internal/domain"
)

// EventType identifies a pushed session event.
type EventType string

const (
	EventSnapshot   EventType = "snapshot"
	EventVoiceState EventType = "voice_state"
	EventInterim    EventType = "interim"
	EventError      EventType = "error"
)

// Event is pushed to subscribers when the session changes.
type Event struct {
	Type       EventType        `json:"type"`
	Snapshot   *domain.Snapshot `json:"snapshot,omitempty"`
	VoiceState string           `json:"voice_state,omitempty"`
	Text       string           `json:"text,omitempty"`
	Code       string           `json:"code,omitempty"`
	Error      string           `json:"error,omitempty"`
}

const subscriberBuffer = 32

// Subscribe returns a channel of session events and a function that ends
// the subscription. Slow subscribers miss events rather than blocking the
// session. The channel is closed on unsubscribe or when the controller closes.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
}

func (c *Controller) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Controller) publishSnapshot() domain.Snapshot {
	snap := c.Snapshot()
	c.publish(Event{Type: EventSnapshot, Snapshot: &snap})
	return snap
}

// ErrorCode maps an error to the code sent to the presentation layer.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNetworkFailure):
		return "network"
	case errors.Is(err, ErrCapabilityUnavailable):
		return "capability_unavailable"
	case errors.Is(err, ErrRecognition):
		return "recognition"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "internal"
	}
}
