package telephony

import (
	"errors"
	"fmt"
	"time"

	"voice-gateway/internal/calls"
)

var (
	// ErrUnknownTransportHandle means the stack referenced a handle this process never linked.
	ErrUnknownTransportHandle = errors.New("telephony: unknown transport handle")
	// ErrNoLiveLeg is returned by call control when the call has no SIP leg in this process.
	ErrNoLiveLeg = fmt.Errorf("telephony: no live leg for call: %w", calls.ErrNotFound)
	// ErrAdmissionRejected means the concurrent call cap is reached.
	ErrAdmissionRejected = errors.New("telephony: concurrent call limit reached")
)

// Local status mirror of a SIP leg.
const (
	HandleInitiated   = "initiated"
	HandleRinging     = "ringing"
	HandleEstablished = "established"
	HandleTerminated  = "terminated"
)

// TransportHandle is a read-only snapshot of a SIP leg linked to a Call.
type TransportHandle struct {
	Handle     string          `json:"handle"`
	CallID     string          `json:"call_id"`
	Direction  calls.Direction `json:"direction"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	AnsweredAt *time.Time      `json:"answered_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type HandleEventKind string

const (
	HandleLinked   HandleEventKind = "linked"
	HandleReleased HandleEventKind = "released"
)

// HandleEvent tells listeners a leg was linked to or released from its Call.
type HandleEvent struct {
	Kind   HandleEventKind
	Handle TransportHandle
	Status calls.Status
	Reason string
}

type Listener func(HandleEvent)

// DialRequest starts an outbound call.
type DialRequest struct {
	PhoneNumber string `json:"phone_number"`
	// Target is the SIP URI to INVITE; defaults to sip:<phone_number>@<trunk host>.
	Target   string `json:"target,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}
