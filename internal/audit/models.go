package audit

import "time"

// Event is an immutable, append-only record of a call or session lifecycle step.
//
// Invariants:
// - Events are never updated or deleted.
// - Kind is required; every call event also carries call_id.
// - Recording is best-effort; lifecycle operations never wait on it.

type Event struct {
	ID   string    `json:"id" db:"id"`
	Kind EventKind `json:"kind" db:"kind"`

	CallID    string `json:"call_id,omitempty" db:"call_id"`
	SessionID string `json:"session_id,omitempty" db:"session_id"`
	ActorID   string `json:"actor_id,omitempty" db:"actor_id"`

	FromStatus string `json:"from_status,omitempty" db:"from_status"`
	ToStatus   string `json:"to_status,omitempty" db:"to_status"`
	Reason     string `json:"reason,omitempty" db:"reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventKind string

const (
	KindCallCreated    EventKind = "call_created"
	KindStatusChanged  EventKind = "call_status_changed"
	KindCallEnded      EventKind = "call_ended"
	KindSessionCreated EventKind = "session_created"
	KindSessionEnded   EventKind = "session_ended"

	KindLegLinked       EventKind = "sip_leg_linked"
	KindLegReleased     EventKind = "sip_leg_released"
	KindSignalingJoined EventKind = "signaling_joined"
	KindSignalingLeft   EventKind = "signaling_left"
)
