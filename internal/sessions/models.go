package sessions

import (
	"fmt"
	"time"

	"voice-gateway/internal/calls"
)

// Session is a participant's time-boxed access grant to a Call.
// Sessions live in the cache only; Active only ever goes from true to false.

type Session struct {
	ID             string    `json:"id"`
	CallID         string    `json:"call_id"`
	ActorID        string    `json:"actor_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Active         bool      `json:"active"`
}

// ErrNotFound matches calls.ErrNotFound so callers can treat both the same way.
var ErrNotFound = fmt.Errorf("sessions: %w", calls.ErrNotFound)

type EventKind string

const (
	EventCreated EventKind = "created"
	EventEnded   EventKind = "ended"
)

type Event struct {
	Kind    EventKind
	Session Session
	Reason  string
	At      time.Time
}

type Observer func(Event)
