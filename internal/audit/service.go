package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voice-gateway/internal/calls"
	"voice-gateway/internal/sessions"
	"voice-gateway/internal/signaling"
	"voice-gateway/internal/telephony"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records the call lifecycle trail.
//
// Observers enqueue without blocking; Run drains the queue into the repository.
// A full queue drops the event and counts it.

type Service struct {
	repo  Repository
	log   *slog.Logger
	queue chan Event

	dropped atomic.Int64

	clock func() time.Time
	newID func() string
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func NewService(repo Repository, buffer int, log *slog.Logger) *Service {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:  repo,
		log:   log.With("component", "audit"),
		queue: make(chan Event, buffer),
		clock: time.Now,
		newID: uuid.NewString,
	}
}

// Append validates and writes one event synchronously.
func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Kind == "" {
		return ErrInvalidEvent
	}
	if e.CallID == "" && e.SessionID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = s.newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record enqueues an event for Run. It never blocks.
func (s *Service) Record(e Event) {
	select {
	case s.queue <- e:
	default:
		n := s.dropped.Add(1)
		s.log.Warn("audit queue full, event dropped", "kind", e.Kind, "call_id", e.CallID, "dropped", n)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (s *Service) Dropped() int64 { return s.dropped.Load() }

// Run writes queued events until ctx is cancelled, then flushes what is left.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case e := <-s.queue:
			s.write(ctx, e)
		case <-ctx.Done():
			s.flush()
			return nil
		}
	}
}

func (s *Service) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-s.queue:
			s.write(ctx, e)
		default:
			return
		}
	}
}

func (s *Service) write(ctx context.Context, e Event) {
	if err := s.Append(ctx, e); err != nil {
		s.log.Warn("audit append failed", "kind", e.Kind, "call_id", e.CallID, "err", err)
	}
}

// ObserveCall is a calls.Observer.
func (s *Service) ObserveCall(n calls.Notification) {
	e := Event{
		CallID:    n.Call.ID,
		ToStatus:  string(n.To),
		Reason:    n.Reason,
		CreatedAt: n.At,
	}
	switch n.Kind {
	case calls.KindCreated:
		e.Kind = KindCallCreated
	case calls.KindStatusChanged:
		e.Kind = KindStatusChanged
		e.FromStatus = string(n.From)
	case calls.KindEnded:
		e.Kind = KindCallEnded
		e.FromStatus = string(n.From)
	default:
		return
	}
	s.Record(e)
}

// ObserveSession is a sessions.Observer.
func (s *Service) ObserveSession(ev sessions.Event) {
	e := Event{
		CallID:    ev.Session.CallID,
		SessionID: ev.Session.ID,
		ActorID:   ev.Session.ActorID,
		Reason:    ev.Reason,
		CreatedAt: ev.At,
	}
	switch ev.Kind {
	case sessions.EventCreated:
		e.Kind = KindSessionCreated
	case sessions.EventEnded:
		e.Kind = KindSessionEnded
	default:
		return
	}
	s.Record(e)
}

// ObserveHandle is a telephony.Listener. The SIP handle goes into the reason of linked
// events so a leg can be traced back to its dialog.
func (s *Service) ObserveHandle(ev telephony.HandleEvent) {
	e := Event{
		CallID:    ev.Handle.CallID,
		ToStatus:  string(ev.Status),
		CreatedAt: ev.Handle.UpdatedAt,
	}
	switch ev.Kind {
	case telephony.HandleLinked:
		e.Kind = KindLegLinked
		e.Reason = "handle=" + ev.Handle.Handle
	case telephony.HandleReleased:
		e.Kind = KindLegReleased
		e.Reason = ev.Reason
	default:
		return
	}
	s.Record(e)
}

// ObserveConnection is a signaling.Listener. Events are stamped when written.
func (s *Service) ObserveConnection(ev signaling.ConnectionEvent) {
	e := Event{
		CallID:    ev.Connection.CallID,
		SessionID: ev.Connection.SessionID,
		ActorID:   ev.Connection.ActorID,
		Reason:    ev.Reason,
	}
	switch ev.Kind {
	case signaling.ConnectionJoined:
		e.Kind = KindSignalingJoined
	case signaling.ConnectionLeft:
		e.Kind = KindSignalingLeft
	default:
		return
	}
	s.Record(e)
}
