// Package realtime delivers advisory message events to subscribed clients.
// Events never carry authoritative state; clients reconcile against the
// message record.
package realtime

import (
	"context"
	"encoding/json"
)

// Event types published for a message.
const (
	EventStatus = "status"
	EventDone   = "done"
	EventError  = "error"
)

// Notifier is the publication port used by the lifecycle manager.
type Notifier interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// Event is one published notification.
type Event struct {
	Channel string          `json:"channel"`
	Type    string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// MessageChannel names the channel events for message id are published on.
func MessageChannel(id string) string {
	return "message:" + id
}

func newEvent(channel, event string, payload any) (Event, error) {
	ev := Event{Channel: channel, Type: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Data = raw
	}
	return ev, nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, string, string, any) error { return nil }
