package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"voice-gateway/internal/calls"
	"voice-gateway/internal/reaper"
	"voice-gateway/internal/sessions"
	"voice-gateway/pkg/utils"
)

// Transport delivers signaling events to browser connections grouped by call id.
type Transport interface {
	Join(connID, group string)
	Leave(connID, group string)
	Send(connID, event string, payload any) error
	BroadcastToGroup(group, event string, payload any, exclude ...string) error
}

type CallResolver interface {
	Get(ctx context.Context, id string) (calls.Call, error)
}

// SessionOpener is the part of sessions.Tracker the relay uses for actor sessions.
type SessionOpener interface {
	Create(ctx context.Context, callID, actorID string) (sessions.Session, error)
	Touch(ctx context.Context, id string) error
	End(ctx context.Context, id, reason string) error
}

const (
	ReasonLeft       = "left"
	ReasonDisconnect = "disconnect"
	ReasonRejoin     = "rejoin"
	ReasonCallEnded  = "call_ended"
)

// Relay tracks which call each signaling connection is in and fans payloads out to the
// other members of that call. All entry points are serialized per connection id.
type Relay struct {
	calls     CallResolver
	sessions  SessionOpener
	transport Transport
	log       *slog.Logger

	locks *utils.KeyedMutex

	mu      sync.RWMutex
	conns   map[string]Connection
	members map[string]map[string]struct{}

	lisMu     sync.RWMutex
	listeners []Listener

	clock func() time.Time
}

// NewRelay builds a relay. sessions may be nil, in which case joins never open a session.
func NewRelay(resolver CallResolver, sessions SessionOpener, transport Transport, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		calls:     resolver,
		sessions:  sessions,
		transport: transport,
		log:       log.With("component", "signaling_relay"),
		locks:     utils.NewKeyedMutex(),
		conns:     make(map[string]Connection),
		members:   make(map[string]map[string]struct{}),
		clock:     time.Now,
	}
}

func (r *Relay) WithClock(clock func() time.Time) *Relay {
	r.clock = clock
	return r
}

func (r *Relay) Subscribe(l Listener) {
	r.lisMu.Lock()
	r.listeners = append(r.listeners, l)
	r.lisMu.Unlock()
}

// JoinCall puts the connection into the call's group. A connection already in a call
// leaves it first. Only the joiner is told; the other members see nothing until the
// joiner starts relaying.
func (r *Relay) JoinCall(ctx context.Context, connID, callID, actorID string) (Connection, error) {
	unlock := r.locks.Lock(connID)
	defer unlock()

	call, err := r.calls.Get(ctx, callID)
	if err != nil {
		return Connection{}, err
	}
	if call.Status.IsTerminal() {
		return Connection{}, fmt.Errorf("%w: %s is %s", ErrCallEnded, callID, call.Status)
	}

	now := r.clock().UTC()
	if prev, ok := r.lookup(connID); ok {
		if prev.CallID == callID {
			r.acknowledge(prev)
			return prev.clone(), nil
		}
		r.leaveLocked(ctx, prev, ReasonRejoin, now, true)
	}

	conn := Connection{
		ID:             connID,
		CallID:         callID,
		ActorID:        actorID,
		Status:         StatusConnected,
		JoinedAt:       now,
		LastActivityAt: now,
	}
	if r.sessions != nil && actorID != "" {
		s, err := r.sessions.Create(ctx, callID, actorID)
		if err != nil {
			r.log.Warn("session not opened for connection", "conn_id", connID, "call_id", callID, "err", err)
		} else {
			conn.SessionID = s.ID
		}
	}

	r.publish(conn)
	r.transport.Join(connID, callID)
	r.acknowledge(conn)

	r.log.Info("connection joined call", "conn_id", connID, "call_id", callID, "actor_id", actorID)
	r.emit(ConnectionEvent{Kind: ConnectionJoined, Connection: conn})
	return conn, nil
}

// LeaveCall removes the connection from its call. Unknown connections are a no-op.
func (r *Relay) LeaveCall(ctx context.Context, connID string) error {
	return r.leave(ctx, connID, ReasonLeft, true)
}

// Disconnect handles an abrupt transport drop.
func (r *Relay) Disconnect(ctx context.Context, connID string) error {
	return r.leave(ctx, connID, ReasonDisconnect, false)
}

func (r *Relay) RelayOffer(ctx context.Context, connID, callID string, payload json.RawMessage) error {
	return r.relay(ctx, EventOffer, connID, callID, payload)
}

func (r *Relay) RelayAnswer(ctx context.Context, connID, callID string, payload json.RawMessage) error {
	return r.relay(ctx, EventAnswer, connID, callID, payload)
}

// RelayCandidate forwards an ICE candidate.
func (r *Relay) RelayCandidate(ctx context.Context, connID, callID string, payload json.RawMessage) error {
	return r.relay(ctx, EventICECandidate, connID, callID, payload)
}

func (r *Relay) Get(connID string) (Connection, bool) {
	c, ok := r.lookup(connID)
	if !ok {
		return Connection{}, false
	}
	return c.clone(), true
}

// Connections returns a snapshot of live connections ordered by join time.
func (r *Relay) Connections() []Connection {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Members lists the connection ids currently in a call's group.
func (r *Relay) Members(callID string) []string {
	return r.memberIDs(callID)
}

func (r *Relay) Name() string { return "signaling_connections" }

func (r *Relay) Entries() []reaper.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]reaper.Entry, 0, len(r.conns))
	for id, c := range r.conns {
		out = append(out, reaper.Entry{ID: id, LastSeen: c.LastActivityAt})
	}
	return out
}

func (r *Relay) Expire(ctx context.Context, connID, reason string) error {
	return r.leave(ctx, connID, reason, false)
}

func (r *Relay) Clear() {
	r.mu.Lock()
	r.conns = make(map[string]Connection)
	r.members = make(map[string]map[string]struct{})
	r.mu.Unlock()
}

// acknowledge tells the joiner which other connections are already in the call.
func (r *Relay) acknowledge(conn Connection) {
	others := make([]string, 0)
	for _, id := range r.memberIDs(conn.CallID) {
		if id != conn.ID {
			others = append(others, id)
		}
	}
	if err := r.transport.Send(conn.ID, EventCallJoined, Joined{
		CallID:       conn.CallID,
		ConnectionID: conn.ID,
		SessionID:    conn.SessionID,
		Participants: others,
	}); err != nil {
		r.log.Warn("join acknowledgement not delivered", "conn_id", conn.ID, "err", err)
	}
}

func (r *Relay) leave(ctx context.Context, connID, reason string, ack bool) error {
	unlock := r.locks.Lock(connID)
	defer unlock()

	conn, ok := r.lookup(connID)
	if !ok {
		return nil
	}
	r.leaveLocked(ctx, conn, reason, r.clock().UTC(), ack)
	return nil
}

// leaveLocked drops the connection from its group. The caller holds the connection lock.
func (r *Relay) leaveLocked(ctx context.Context, conn Connection, reason string, now time.Time, ack bool) {
	dur := now.Sub(conn.JoinedAt)
	if dur < 0 {
		dur = 0
	}

	r.unpublish(conn)
	r.transport.Leave(conn.ID, conn.CallID)

	if conn.SessionID != "" && r.sessions != nil {
		if err := r.sessions.End(ctx, conn.SessionID, reason); err != nil {
			r.log.Warn("session end failed", "conn_id", conn.ID, "session_id", conn.SessionID, "err", err)
		}
	}

	left := Left{CallID: conn.CallID, ConnectionID: conn.ID, DurationSeconds: int(dur / time.Second)}
	if err := r.transport.BroadcastToGroup(conn.CallID, EventParticipantLeft, left, conn.ID); err != nil {
		r.log.Warn("participant-left not delivered", "conn_id", conn.ID, "call_id", conn.CallID, "err", err)
	}
	if ack {
		if err := r.transport.Send(conn.ID, EventCallLeft, left); err != nil {
			r.log.Debug("leave acknowledgement not delivered", "conn_id", conn.ID, "err", err)
		}
	}

	r.log.Info("connection left call", "conn_id", conn.ID, "call_id", conn.CallID,
		"duration", left.DurationSeconds, "reason", reason)
	r.emit(ConnectionEvent{Kind: ConnectionLeft, Connection: conn, Duration: dur, Reason: reason})
}

func (r *Relay) relay(ctx context.Context, event, connID, callID string, payload json.RawMessage) error {
	unlock := r.locks.Lock(connID)
	defer unlock()

	conn, ok := r.lookup(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if conn.CallID != callID {
		return fmt.Errorf("%w: %s is in %s, not %s", ErrNotInCall, connID, conn.CallID, callID)
	}

	next := conn.clone()
	next.LastActivityAt = r.clock().UTC()
	switch event {
	case EventOffer:
		next.LocalDescription = payload
	case EventAnswer:
		next.RemoteDescription = payload
	case EventICECandidate:
		next.Candidates = append(next.Candidates, payload)
	}
	r.publish(next)

	if next.SessionID != "" && r.sessions != nil {
		if err := r.sessions.Touch(ctx, next.SessionID); err != nil {
			r.log.Debug("session touch failed", "session_id", next.SessionID, "err", err)
		}
	}

	// The transport still delivers to healthy peers and drops the failing ones, so a
	// per-peer failure is the peer's problem, not the sender's.
	msg := Relayed{From: connID, CallID: callID, Payload: payload}
	if err := r.transport.BroadcastToGroup(callID, event, msg, connID); err != nil {
		r.log.Warn("relay not delivered to every peer",
			"event", event, "conn_id", connID, "call_id", callID, "err", err)
	}
	return nil
}

// ObserveCall is a calls.Observer. Connections still joined to a Call that ended are
// removed from it. Observers run under the registry's key lock while JoinCall reads the
// registry under a connection lock, so the leave happens on its own goroutine.
func (r *Relay) ObserveCall(n calls.Notification) {
	if n.Kind != calls.KindEnded {
		return
	}
	ids := r.memberIDs(n.Call.ID)
	if len(ids) == 0 {
		return
	}
	go r.evict(n.Call.ID, ids)
}

func (r *Relay) evict(callID string, connIDs []string) {
	ctx := context.Background()
	for _, id := range connIDs {
		unlock := r.locks.Lock(id)
		if conn, ok := r.lookup(id); ok && conn.CallID == callID {
			r.leaveLocked(ctx, conn, ReasonCallEnded, r.clock().UTC(), true)
		}
		unlock()
	}
}

func (r *Relay) lookup(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

func (r *Relay) publish(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	group, ok := r.members[c.CallID]
	if !ok {
		group = make(map[string]struct{})
		r.members[c.CallID] = group
	}
	group[c.ID] = struct{}{}
}

func (r *Relay) unpublish(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.ID)
	if group, ok := r.members[c.CallID]; ok {
		delete(group, c.ID)
		if len(group) == 0 {
			delete(r.members, c.CallID)
		}
	}
}

func (r *Relay) memberIDs(callID string) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.members[callID]))
	for id := range r.members[callID] {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Relay) emit(e ConnectionEvent) {
	r.lisMu.RLock()
	ls := append([]Listener(nil), r.listeners...)
	r.lisMu.RUnlock()
	for _, l := range ls {
		l(e)
	}
}
