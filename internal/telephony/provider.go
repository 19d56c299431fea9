package telephony

import (
	"context"

	"voice-gateway/internal/calls"
)

// Stack is the command side of a SIP signalling stack.
//
// Rules:
// - No SIP library calls outside stack adapters.
// - A handle is the stack-level call identifier (the SIP Call-ID).
// - Commands must not call back into the EventSink synchronously.
type Stack interface {
	// Accept answers an inbound leg.
	Accept(ctx context.Context, handle string) error
	// Reject declines an inbound leg with a final SIP status code.
	Reject(ctx context.Context, handle string, code int) error
	// Bye tears the leg down whatever its state: BYE once established, otherwise CANCEL or a final error response.
	Bye(ctx context.Context, handle string) error
	// Invite starts an outbound leg and returns its handle.
	Invite(ctx context.Context, target string) (string, error)
}

// EventSink receives transport events from a Stack adapter.
// Errors returned for unknown handles are protocol desyncs; adapters log and drop them.
type EventSink interface {
	HandleInvite(ctx context.Context, handle, from, to string) (string, error)
	HandleStateChange(ctx context.Context, handle string, state TransportState) error
	HandleTerminated(ctx context.Context, handle string) error
}

// TransportState is what the stack reports about a leg.
type TransportState string

const (
	StateRinging     TransportState = "ringing"
	StateEstablished TransportState = "established"
	StateTerminated  TransportState = "terminated"
	StateBusy        TransportState = "busy"
	StateNoAnswer    TransportState = "no_answer"
	StateFailed      TransportState = "failed"
)

func (s TransportState) terminal() bool {
	switch s {
	case StateTerminated, StateBusy, StateNoAnswer, StateFailed:
		return true
	}
	return false
}

// callStatus maps a terminal transport state to the Call status it ends with.
func (s TransportState) callStatus() calls.Status {
	switch s {
	case StateBusy:
		return calls.StatusBusy
	case StateNoAnswer:
		return calls.StatusNoAnswer
	case StateFailed:
		return calls.StatusFailed
	}
	return calls.StatusCompleted
}
