package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"voice-gateway/internal/calls"
	"voice-gateway/internal/reaper"
	"voice-gateway/pkg/utils"
)

// CallRegistry is the part of calls.Registry the coordinator writes through.
type CallRegistry interface {
	Create(ctx context.Context, d calls.Draft) (calls.Call, error)
	UpdateStatus(ctx context.Context, id string, to calls.Status) (calls.Call, error)
	End(ctx context.Context, id string, f calls.EndFields) (calls.Call, error)
}

const (
	ReasonServiceStop = "service_stop"
	ReasonHangup      = "hangup"
	ReasonRejected    = "rejected"
	ReasonRemote      = "remote"
)

const detachTimeout = 5 * time.Second

// Coordinator maps SIP legs onto Calls.
//
// Every entry point is serialized per handle. The coordinator never holds Call values across
// operations; it only keeps the Call id of each leg.
type Coordinator struct {
	registry  CallRegistry
	stack     Stack
	admission Admission
	log       *slog.Logger

	locks *utils.KeyedMutex

	// dialing is read-held while an outbound INVITE is in flight and its handle not yet linked.
	dialing sync.RWMutex

	mu     sync.RWMutex
	legs   map[string]leg
	byCall map[string]string

	lisMu     sync.RWMutex
	listeners []Listener

	clock func() time.Time
}

func NewCoordinator(registry CallRegistry, stack Stack, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		stack:    stack,
		log:      log.With("component", "sip_coordinator"),
		locks:    utils.NewKeyedMutex(),
		legs:     make(map[string]leg),
		byCall:   make(map[string]string),
		clock:    time.Now,
	}
}

// WithAdmission enables the inbound concurrency cap.
func (c *Coordinator) WithAdmission(a Admission) *Coordinator {
	c.admission = a
	return c
}

func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

func (c *Coordinator) Subscribe(l Listener) {
	c.lisMu.Lock()
	c.listeners = append(c.listeners, l)
	c.lisMu.Unlock()
}

// HandleInvite links a new inbound leg to a freshly created Call and returns the Call id.
// Redelivery of an invite for a known handle returns the existing Call id.
func (c *Coordinator) HandleInvite(ctx context.Context, handle, from, to string) (string, error) {
	unlock := c.locks.Lock(handle)
	defer unlock()

	if l, ok := c.lookup(handle); ok {
		c.log.Info("duplicate invite ignored", "handle", handle, "call_id", l.snap.CallID)
		return l.snap.CallID, nil
	}

	admitted := false
	if c.admission != nil {
		ok, err := c.admission.Acquire(ctx)
		switch {
		case err != nil:
			// Fail open: a Redis outage must not block inbound traffic.
			c.log.Warn("admission check failed", "handle", handle, "err", err)
		case !ok:
			c.log.Info("invite rejected by admission cap", "handle", handle, "from", from)
			return "", ErrAdmissionRejected
		default:
			admitted = true
		}
	}

	call, err := c.registry.Create(ctx, calls.Draft{PhoneNumber: from, Direction: calls.DirectionIncoming})
	if err != nil {
		if admitted {
			c.release(ctx, handle)
		}
		return "", fmt.Errorf("create call for %s: %w", handle, err)
	}

	now := c.clock().UTC()
	l := newLeg(handle, call.ID, TransportHandle{
		Direction: calls.DirectionIncoming,
		StartedAt: now,
		UpdatedAt: now,
	}, admitted)
	c.publish(l)

	c.log.Info("inbound leg linked", "handle", handle, "call_id", call.ID, "from", from, "to", to)
	c.emit(HandleEvent{Kind: HandleLinked, Handle: l.snap, Status: call.Status})
	return call.ID, nil
}

// Dial sends an outbound INVITE and links the resulting leg to a new outgoing Call.
func (c *Coordinator) Dial(ctx context.Context, req DialRequest) (calls.Call, error) {
	draft := calls.Draft{ClientID: req.ClientID, PhoneNumber: req.PhoneNumber, Direction: calls.DirectionOutgoing}
	if err := draft.Validate(); err != nil {
		return calls.Call{}, err
	}
	target := req.Target
	if target == "" {
		target = req.PhoneNumber
	}

	c.dialing.RLock()
	defer c.dialing.RUnlock()

	handle, err := c.stack.Invite(ctx, target)
	if err != nil {
		return calls.Call{}, fmt.Errorf("invite %s: %w", target, err)
	}

	unlock := c.locks.Lock(handle)
	defer unlock()

	call, err := c.registry.Create(ctx, draft)
	if err != nil {
		if byeErr := c.stack.Bye(ctx, handle); byeErr != nil {
			c.log.Warn("abandon outbound leg failed", "handle", handle, "err", byeErr)
		}
		return calls.Call{}, err
	}

	now := c.clock().UTC()
	l := newLeg(handle, call.ID, TransportHandle{
		Direction: calls.DirectionOutgoing,
		StartedAt: now,
		UpdatedAt: now,
	}, false)
	c.publish(l)

	c.log.Info("outbound leg linked", "handle", handle, "call_id", call.ID, "target", target)
	c.emit(HandleEvent{Kind: HandleLinked, Handle: l.snap, Status: call.Status})
	return call, nil
}

// HandleStateChange applies a transport state to the linked Call.
func (c *Coordinator) HandleStateChange(ctx context.Context, handle string, state TransportState) error {
	if _, ok := c.lookup(handle); !ok {
		// The event may have overtaken Dial; wait for in-flight dials to link their handles.
		c.dialing.Lock()
		c.dialing.Unlock()
	}

	unlock := c.locks.Lock(handle)
	defer unlock()

	l, ok := c.lookup(handle)
	if !ok {
		return fmt.Errorf("%w: %s (%s)", ErrUnknownTransportHandle, handle, state)
	}
	now := c.clock().UTC()

	switch state {
	case StateRinging:
		return c.advance(ctx, l, evRing, calls.StatusRinging, now)
	case StateEstablished:
		return c.advance(ctx, l, evEstablish, calls.StatusAnswered, now)
	}
	if !state.terminal() {
		return fmt.Errorf("telephony: unsupported transport state %q", state)
	}
	return c.finish(ctx, l, state.callStatus(), ReasonRemote, now)
}

func (c *Coordinator) HandleTerminated(ctx context.Context, handle string) error {
	return c.HandleStateChange(ctx, handle, StateTerminated)
}

// Answer accepts the inbound leg of a call. The Call becomes answered once the stack reports the leg established.
func (c *Coordinator) Answer(ctx context.Context, callID string) error {
	return c.control(callID, func(l leg) error {
		if l.snap.Direction != calls.DirectionIncoming {
			return fmt.Errorf("%w: only inbound legs can be answered", calls.ErrInvalidInput)
		}
		return c.stack.Accept(ctx, l.snap.Handle)
	})
}

// Reject declines an inbound leg with 486 Busy Here and ends the Call as busy.
func (c *Coordinator) Reject(ctx context.Context, callID string) error {
	return c.control(callID, func(l leg) error {
		if l.established() {
			return fmt.Errorf("%w: call already answered", calls.ErrInvalidInput)
		}
		if err := c.stack.Reject(ctx, l.snap.Handle, 486); err != nil {
			c.log.Warn("reject failed", "handle", l.snap.Handle, "err", err)
		}
		return c.finish(ctx, l, calls.StatusBusy, ReasonRejected, c.clock().UTC())
	})
}

// Hangup tears the leg down and ends the Call.
func (c *Coordinator) Hangup(ctx context.Context, callID string) error {
	return c.control(callID, func(l leg) error {
		if err := c.stack.Bye(ctx, l.snap.Handle); err != nil {
			c.log.Warn("bye failed", "handle", l.snap.Handle, "err", err)
		}
		status := calls.StatusNoAnswer
		if l.established() {
			status = calls.StatusCompleted
		}
		return c.finish(ctx, l, status, ReasonHangup, c.clock().UTC())
	})
}

// Stop ends every live leg with reason service_stop and releases all handles.
func (c *Coordinator) Stop(ctx context.Context) {
	for _, e := range c.Entries() {
		if err := c.Expire(ctx, e.ID, ReasonServiceStop); err != nil {
			c.log.Error("stop: expire failed", "handle", e.ID, "err", err)
		}
	}
	c.Clear()
}

// Handles returns a snapshot of live legs ordered by start time.
func (c *Coordinator) Handles() []TransportHandle {
	c.mu.RLock()
	out := make([]TransportHandle, 0, len(c.legs))
	for _, l := range c.legs {
		out = append(out, l.snap)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (c *Coordinator) Name() string { return "sip_handles" }

// Entries reports legs by start time so the reaper enforces a maximum call duration.
func (c *Coordinator) Entries() []reaper.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]reaper.Entry, 0, len(c.legs))
	for h, l := range c.legs {
		out = append(out, reaper.Entry{ID: h, LastSeen: l.snap.StartedAt})
	}
	return out
}

// Expire forces a leg to a terminal state. Answered calls complete; others end as
// no_answer on timeout and failed otherwise. Established legs get a best-effort BYE.
func (c *Coordinator) Expire(ctx context.Context, handle, reason string) error {
	unlock := c.locks.Lock(handle)
	defer unlock()

	l, ok := c.lookup(handle)
	if !ok {
		return nil
	}

	status := calls.StatusFailed
	if reason == reaper.ReasonTimeout {
		status = calls.StatusNoAnswer
	}
	if l.established() {
		status = calls.StatusCompleted
	}
	if err := c.stack.Bye(ctx, handle); err != nil {
		c.log.Warn("expire: bye failed", "handle", handle, "err", err)
	}
	return c.finish(ctx, l, status, reason, c.clock().UTC())
}

func (c *Coordinator) Clear() {
	c.mu.Lock()
	c.legs = make(map[string]leg)
	c.byCall = make(map[string]string)
	c.mu.Unlock()
}

// advance moves the Call and then the leg. The leg only changes state once the registry
// accepted the write, so a failed write leaves the transport event redeliverable.
func (c *Coordinator) advance(ctx context.Context, l leg, event string, status calls.Status, now time.Time) error {
	if !l.can(event) {
		c.log.Debug("transport event ignored", "handle", l.snap.Handle, "event", event, "status", l.snap.Status)
		return nil
	}
	if _, err := c.registry.UpdateStatus(ctx, l.snap.CallID, status); err != nil {
		return err
	}
	next, _ := l.fire(ctx, event, now)
	c.publish(next)
	return nil
}

// finish ends the Call and drops the leg. The caller holds the handle lock.
// On a registry failure the leg is kept so a later sweep can retry.
func (c *Coordinator) finish(ctx context.Context, l leg, status calls.Status, reason string, now time.Time) error {
	dur := l.elapsed(now)
	if _, err := c.registry.End(ctx, l.snap.CallID, calls.EndFields{
		Status:          status,
		DurationSeconds: &dur,
		Reason:          reason,
	}); err != nil {
		return err
	}
	c.drop(ctx, l, status, reason, now)
	return nil
}

// drop forgets a leg whose Call is already terminal. The caller holds the handle lock.
func (c *Coordinator) drop(ctx context.Context, l leg, status calls.Status, reason string, now time.Time) {
	next, _ := l.fire(ctx, evTerminate, now)
	c.mu.Lock()
	delete(c.legs, l.snap.Handle)
	if c.byCall[l.snap.CallID] == l.snap.Handle {
		delete(c.byCall, l.snap.CallID)
	}
	c.mu.Unlock()

	if l.admitted {
		c.release(ctx, l.snap.Handle)
	}
	c.log.Info("leg released", "handle", l.snap.Handle, "call_id", l.snap.CallID,
		"status", status, "duration", l.elapsed(now), "reason", reason)
	c.emit(HandleEvent{Kind: HandleReleased, Handle: next.snap, Status: status, Reason: reason})
}

// ObserveCall is a calls.Observer. A Call ended anywhere but here still has its leg torn
// down. Observers run under the registry's key lock, so the release happens on its own
// goroutine; for Calls the coordinator ended itself the leg is already gone by then.
func (c *Coordinator) ObserveCall(n calls.Notification) {
	if n.Kind != calls.KindEnded {
		return
	}
	c.mu.RLock()
	handle, ok := c.byCall[n.Call.ID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	go c.detach(handle, n.Call.ID, n.To, n.Reason)
}

func (c *Coordinator) detach(handle, callID string, status calls.Status, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()

	unlock := c.locks.Lock(handle)
	defer unlock()

	l, ok := c.lookup(handle)
	if !ok || l.snap.CallID != callID {
		return
	}
	if err := c.stack.Bye(ctx, handle); err != nil {
		c.log.Warn("bye for ended call failed", "handle", handle, "call_id", callID, "err", err)
	}
	c.drop(ctx, l, status, reason, c.clock().UTC())
}

func (c *Coordinator) control(callID string, fn func(l leg) error) error {
	c.mu.RLock()
	handle, ok := c.byCall[callID]
	c.mu.RUnlock()
	if !ok {
		return ErrNoLiveLeg
	}

	unlock := c.locks.Lock(handle)
	defer unlock()

	l, ok := c.lookup(handle)
	if !ok {
		return ErrNoLiveLeg
	}
	return fn(l)
}

func (c *Coordinator) release(ctx context.Context, handle string) {
	if err := c.admission.Release(ctx); err != nil {
		c.log.Warn("admission release failed", "handle", handle, "err", err)
	}
}

func (c *Coordinator) lookup(handle string) (leg, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.legs[handle]
	return l, ok
}

func (c *Coordinator) publish(l leg) {
	c.mu.Lock()
	c.legs[l.snap.Handle] = l
	c.byCall[l.snap.CallID] = l.snap.Handle
	c.mu.Unlock()
}

func (c *Coordinator) emit(e HandleEvent) {
	c.lisMu.RLock()
	ls := append([]Listener(nil), c.listeners...)
	c.lisMu.RUnlock()
	for _, l := range ls {
		l(e)
	}
}

// IsDesync reports whether err is a protocol-level desync that stack adapters should swallow.
func IsDesync(err error) bool {
	return errors.Is(err, ErrUnknownTransportHandle)
}
