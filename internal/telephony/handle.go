package telephony

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

const (
	evRing      = "ring"
	evEstablish = "establish"
	evTerminate = "terminate"
)

func newHandleFSM() *fsm.FSM {
	return fsm.NewFSM(
		HandleInitiated,
		fsm.Events{
			{Name: evRing, Src: []string{HandleInitiated}, Dst: HandleRinging},
			{Name: evEstablish, Src: []string{HandleInitiated, HandleRinging}, Dst: HandleEstablished},
			{Name: evTerminate, Src: []string{HandleInitiated, HandleRinging, HandleEstablished}, Dst: HandleTerminated},
		},
		fsm.Callbacks{},
	)
}

// leg is the coordinator's entry for one handle. Values are replaced, never mutated
// in place; the FSM pointer is shared between copies and only driven under the handle lock.
type leg struct {
	snap     TransportHandle
	machine  *fsm.FSM
	admitted bool
}

func newLeg(handle, callID string, snap TransportHandle, admitted bool) leg {
	snap.Handle = handle
	snap.CallID = callID
	snap.Status = HandleInitiated
	return leg{snap: snap, machine: newHandleFSM(), admitted: admitted}
}

// can reports whether event applies in the current state. Duplicate transport events fail it.
func (l leg) can(event string) bool {
	return l.machine.Can(event)
}

// fire drives the FSM and returns the updated copy. ok is false when the event does not
// apply in the current state. Callers check can first and fire only after the Call write
// has succeeded.
func (l leg) fire(ctx context.Context, event string, now time.Time) (leg, bool) {
	if err := l.machine.Event(ctx, event); err != nil {
		return l, false
	}
	l.snap.Status = l.machine.Current()
	l.snap.UpdatedAt = now
	if event == evEstablish {
		at := now
		l.snap.AnsweredAt = &at
	}
	return l, true
}

func (l leg) established() bool {
	return l.machine.Current() == HandleEstablished
}

// elapsed is whole seconds since the leg started, rounded down.
func (l leg) elapsed(now time.Time) int {
	d := now.Sub(l.snap.StartedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
