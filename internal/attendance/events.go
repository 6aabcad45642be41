package attendance

import (
	"context"
	"time"
)

// EventKind names what changed.
type EventKind string

const (
	EventRecord     EventKind = "record"
	EventTransition EventKind = "transition"
	EventStandby    EventKind = "standby"
)

// Event is published after every server-side write so views can re-derive
// their state instead of ticking their own copies.
type Event struct {
	Kind    EventKind       `json:"kind"`
	Record  *Record         `json:"record,omitempty"`
	Subject *Subject        `json:"subject,omitempty"`
	Standby *StandbyStudent `json:"standby,omitempty"`
	At      time.Time       `json:"at"`
}

// Notifier fans events out to subscribers. Notify must not block on slow
// subscribers.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

func recordEvent(rec Record, at time.Time) Event {
	return Event{Kind: EventRecord, Record: &rec, At: at}
}
