package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voice-gateway/internal/calls"
)

var (
	// ErrUnknownConnection matches calls.ErrNotFound.
	ErrUnknownConnection = fmt.Errorf("signaling: unknown connection: %w", calls.ErrNotFound)
	// ErrNotInCall means the connection is joined to a different call than the message names.
	ErrNotInCall = errors.New("signaling: connection is not in this call")
	// ErrCallEnded means the call is already terminal and can no longer be joined.
	ErrCallEnded = errors.New("signaling: call already ended")
)

// StatusConnected is the only status a live connection has; left connections are deleted.
const StatusConnected = "connected"

// Wire event names, both directions.
const (
	EventJoinCall     = "join-call"
	EventLeaveCall    = "leave-call"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"

	EventCallJoined      = "call-joined"
	EventCallLeft        = "call-left"
	EventParticipantLeft = "participant-left"
	EventError           = "error"
)

// Connection is one browser signaling connection joined to a call.
type Connection struct {
	ID                string            `json:"id"`
	CallID            string            `json:"call_id"`
	ActorID           string            `json:"actor_id,omitempty"`
	SessionID         string            `json:"session_id,omitempty"`
	Status            string            `json:"status"`
	JoinedAt          time.Time         `json:"joined_at"`
	LastActivityAt    time.Time         `json:"last_activity_at"`
	LocalDescription  json.RawMessage   `json:"local_description,omitempty"`
	RemoteDescription json.RawMessage   `json:"remote_description,omitempty"`
	Candidates        []json.RawMessage `json:"candidates,omitempty"`
}

func (c Connection) clone() Connection {
	c.Candidates = append([]json.RawMessage(nil), c.Candidates...)
	return c
}

// Relayed is what peers receive for offer, answer and ice-candidate.
type Relayed struct {
	From    string          `json:"from"`
	CallID  string          `json:"call_id"`
	Payload json.RawMessage `json:"payload"`
}

type Joined struct {
	CallID       string   `json:"call_id"`
	ConnectionID string   `json:"connection_id"`
	SessionID    string   `json:"session_id,omitempty"`
	Participants []string `json:"participants"`
}

type Left struct {
	CallID          string `json:"call_id"`
	ConnectionID    string `json:"connection_id"`
	DurationSeconds int    `json:"duration"`
}

type ConnectionEventKind string

const (
	ConnectionJoined ConnectionEventKind = "joined"
	ConnectionLeft   ConnectionEventKind = "left"
)

type ConnectionEvent struct {
	Kind       ConnectionEventKind
	Connection Connection
	Duration   time.Duration
	Reason     string
}

type Listener func(ConnectionEvent)
